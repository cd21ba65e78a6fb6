package generator

import "fmt"

const responseFormat = `Respond ONLY with a JSON object using exactly this structure:
{
  "question": "the question text",
  "choices": {
    "A": "first choice",
    "B": "second choice",
    "C": "third choice",
    "D": "fourth choice"
  },
  "correct_answer": "A",
  "points": 5,
  "explanation": "why the correct answer is correct"
}

Rules:
- exactly four choices labeled A, B, C and D
- correct_answer must be one of A, B, C or D
- points must be a positive number
- no text outside the JSON object`

func criterionPrompt(contextText string, c combo) string {
	return fmt.Sprintf(`You are an expert in legal AI evaluation. Based on the document excerpt below, write one multiple-choice question assessing the %s criterion.

Question type: %s
Difficulty: %s

Document excerpt:
%s

%s`, c.criterion, c.qType, c.difficulty, contextText, responseFormat)
}

func genericPrompt(contextText string) string {
	return fmt.Sprintf(`You are an expert exam writer. Based on the document excerpt below, write one multiple-choice question testing comprehension of its content.

Document excerpt:
%s

%s`, contextText, responseFormat)
}

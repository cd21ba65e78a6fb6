// Package generator produces validated QCM records from a text context,
// either generically or per (criterion, type, difficulty) combination.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexeval/lexeval/internal/model"
)

// TextModel is the model-call surface the generator needs.
type TextModel interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// Generator builds QCM records through a text model.
type Generator struct {
	llm        TextModel
	maxRetries int
	baseDelay  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New creates a generator with the given retry budget.
func New(llm TextModel, maxRetries int, baseDelay time.Duration) *Generator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Generator{
		llm:        llm,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleepCtx,
		newID:      func() string { return uuid.New().String() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// combo is one (criterion, type, difficulty) generation target.
type combo struct {
	criterion  model.Criterion
	qType      string
	difficulty string
}

// combinations expands the generation targets for the given criteria. Test
// mode keeps one combination per criterion (first type, first difficulty);
// full mode expands every type and difficulty level. Estimation and actual
// generation both derive from this list so the two always agree.
func combinations(criteria []model.Criterion, testMode bool) []combo {
	catalog := model.Catalog()
	var combos []combo
	for _, criterion := range criteria {
		spec, ok := catalog[criterion]
		if !ok {
			continue
		}
		types := spec.Types
		levels := spec.DifficultyLevels
		if testMode {
			types = types[:1]
			levels = levels[:1]
		}
		for _, qType := range types {
			for _, difficulty := range levels {
				combos = append(combos, combo{criterion, qType, difficulty})
			}
		}
	}
	return combos
}

// EstimateForCriteria returns the exact number of QCM GenerateForCriteria
// will produce for the same inputs.
func EstimateForCriteria(criteria []model.Criterion, testMode bool) int {
	return len(combinations(criteria, testMode))
}

// GenerateForCriteria produces one QCM per (criterion, type, difficulty)
// combination. Exhausted retries yield a fallback record, never an error, so
// the output length always equals EstimateForCriteria.
func (g *Generator) GenerateForCriteria(ctx context.Context, contextText string, criteria []model.Criterion, testMode bool) ([]model.QCM, error) {
	combos := combinations(criteria, testMode)
	qcms := make([]model.QCM, 0, len(combos))
	slog.Info("generating criteria QCM", "combinations", len(combos), "test_mode", testMode)

	for i, c := range combos {
		if err := ctx.Err(); err != nil {
			return qcms, fmt.Errorf("%w: %v", model.ErrQuestionGeneration, err)
		}
		slog.Debug("generating QCM",
			"index", i+1, "total", len(combos),
			"criterion", c.criterion, "type", c.qType, "difficulty", c.difficulty)
		q := g.generateOne(ctx, criterionPrompt(contextText, c), c.criterion, c.qType, c.difficulty)
		qcms = append(qcms, q)
	}
	return qcms, nil
}

// GenerateGeneric produces count QCM not tied to any criterion.
func (g *Generator) GenerateGeneric(ctx context.Context, contextText string, count int) ([]model.QCM, error) {
	qcms := make([]model.QCM, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return qcms, fmt.Errorf("%w: %v", model.ErrQuestionGeneration, err)
		}
		q := g.generateOne(ctx, genericPrompt(contextText), model.CriterionGeneric, "general", "standard")
		qcms = append(qcms, q)
	}
	return qcms, nil
}

// generateOne calls the model, parses and validates the response, retrying
// with exponential backoff. The retry budget never escapes the generator:
// final failure synthesizes a fallback record flagged IsFake.
func (g *Generator) generateOne(ctx context.Context, prompt string, criterion model.Criterion, qType, difficulty string) model.QCM {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		q, err := g.attemptOne(ctx, prompt, criterion, qType, difficulty)
		if err == nil {
			return q
		}

		delay := g.baseDelay * (1 << attempt)
		if attempt < g.maxRetries-1 {
			slog.Warn("QCM generation attempt failed, retrying",
				"criterion", criterion, "attempt", attempt+1, "delay", delay, "error", err)
			if serr := g.sleep(ctx, delay); serr != nil {
				break
			}
			continue
		}
		slog.Error("QCM generation failed after retries",
			"criterion", criterion, "attempts", g.maxRetries, "error", err)
	}
	return g.fallbackQCM(criterion, qType, difficulty)
}

func (g *Generator) attemptOne(ctx context.Context, prompt string, criterion model.Criterion, qType, difficulty string) (model.QCM, error) {
	raw, err := g.llm.Invoke(ctx, prompt)
	if err != nil {
		return model.QCM{}, err
	}

	q, err := ParseQCM(raw)
	if err != nil {
		return model.QCM{}, err
	}

	q.ID = g.newID()
	q.Criterion = criterion
	q.Type = qType
	q.Difficulty = difficulty
	if err := q.Validate(); err != nil {
		return model.QCM{}, err
	}
	return q, nil
}

// ParseQCM extracts the structured record from raw model output: code-fence
// markers are stripped, the substring between the first '{' and the last '}'
// is parsed, and the schema is checked.
func ParseQCM(raw string) (model.QCM, error) {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return model.QCM{}, fmt.Errorf("%w: no JSON object in model output", model.ErrQuestionGeneration)
	}
	cleaned = strings.TrimSpace(cleaned[start : end+1])

	var payload struct {
		Question      string            `json:"question"`
		Choices       map[string]string `json:"choices"`
		CorrectAnswer string            `json:"correct_answer"`
		Points        float64           `json:"points"`
		Explanation   string            `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return model.QCM{}, fmt.Errorf("%w: invalid JSON structure: %v", model.ErrQuestionGeneration, err)
	}

	return model.QCM{
		Question:      payload.Question,
		Choices:       payload.Choices,
		CorrectAnswer: payload.CorrectAnswer,
		Points:        payload.Points,
		Explanation:   payload.Explanation,
	}, nil
}

// fallbackQCM synthesizes a deterministic placeholder record so downstream
// counts remain consistent when generation is exhausted.
func (g *Generator) fallbackQCM(criterion model.Criterion, qType, difficulty string) model.QCM {
	name := strings.ToLower(string(criterion))
	return model.QCM{
		ID:       g.newID(),
		Question: fmt.Sprintf("How should the %s criterion be evaluated in a legal context?", name),
		Choices: map[string]string{
			"A": fmt.Sprintf("Analyze conformance with %s standards", name),
			"B": "Follow standard recommendations",
			"C": "Consult legal precedents",
			"D": "Convene an evaluation committee",
		},
		CorrectAnswer: "A",
		Points:        5,
		Explanation:   fmt.Sprintf("Conformance analysis against %s standards is the core of the assessment.", name),
		Criterion:     criterion,
		Type:          qType,
		Difficulty:    difficulty,
		IsFake:        true,
	}
}

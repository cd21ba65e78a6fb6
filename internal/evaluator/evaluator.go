// Package evaluator scores a model's answers to QCM and aggregates
// per-criterion statistics.
package evaluator

import (
	"context"
	"log/slog"

	"github.com/lexeval/lexeval/internal/cache"
	"github.com/lexeval/lexeval/internal/llm"
	"github.com/lexeval/lexeval/internal/model"
)

// AnswerClient is the model-call surface the evaluator needs.
type AnswerClient interface {
	AskQuestion(ctx context.Context, q model.QCM, mode string) llm.Answer
}

// Evaluator answers QCM through an AnswerClient, consulting a shared
// response cache keyed by (question, mode) before every call.
type Evaluator struct {
	client AnswerClient
	cache  *cache.Cache
}

func New(client AnswerClient, c *cache.Cache) *Evaluator {
	if c == nil {
		c = cache.New(0)
	}
	return &Evaluator{client: client, cache: c}
}

// askCached returns the model's answer for q under the given mode. Valid
// answers are cached; failures are not, so a later retry can still succeed.
func (e *Evaluator) askCached(ctx context.Context, q model.QCM, mode string) llm.Answer {
	key := cache.Key(q.Question, mode)
	if v, ok := e.cache.Get(key); ok {
		return llm.Answer{Outcome: llm.OutcomeOK, Letter: v}
	}

	ans := e.client.AskQuestion(ctx, q, mode)
	if ans.Outcome == llm.OutcomeOK {
		e.cache.Put(key, ans.Letter)
	}
	return ans
}

// ScoreOne answers a single QCM in standard mode and scores it: full points
// on a match, zero otherwise, status error when the model call failed.
func (e *Evaluator) ScoreOne(ctx context.Context, q model.QCM) model.ScoredResult {
	ans := e.askCached(ctx, q, "standard")

	r := model.ScoredResult{
		Criterion:     q.Criterion,
		Question:      q.Question,
		ModelAnswer:   ans.String(),
		CorrectAnswer: q.CorrectAnswer,
		MaxPoints:     q.Points,
		Status:        model.ResultSuccess,
	}
	if ans.Outcome != llm.OutcomeOK {
		r.Status = model.ResultError
		slog.Warn("model answer unavailable", "criterion", q.Criterion, "reason", ans.Reason)
		return r
	}
	if ans.Letter == q.CorrectAnswer {
		r.Score = q.Points
	}
	return r
}

// Accumulate folds one scored result (and any probe metrics) into the running
// totals. MaxPoints and the question count accumulate for every QCM; score
// and success count only on success. The fold is order-independent.
func Accumulate(results *model.EvaluationResults, r model.ScoredResult, probes map[string]model.ProbeResult) {
	results.Details = append(results.Details, r)

	stats, ok := results.CriteriaScores[r.Criterion]
	if !ok {
		stats = &model.CriterionStats{AdvancedMetrics: map[string]model.ProbeResult{}}
		results.CriteriaScores[r.Criterion] = stats
	}

	stats.Total += r.MaxPoints
	stats.QuestionsCount++
	if r.Status == model.ResultSuccess {
		stats.SuccessCount++
		stats.Score += r.Score
	} else {
		results.ErrorCount++
	}

	for name, probe := range probes {
		stats.AdvancedMetrics[name] = probe
	}
	if len(probes) > 0 {
		results.AdvancedTesting = true
	}
}

// FinalizeMetrics computes the run-level rates once every result has been
// accumulated. Empty runs finalize to zero rather than dividing by zero.
func FinalizeMetrics(results *model.EvaluationResults) {
	total := len(results.Details)
	if total > 0 {
		results.SuccessRate = float64(total-results.ErrorCount) / float64(total) * 100
	}

	var score, possible float64
	for _, stats := range results.CriteriaScores {
		score += stats.Score
		possible += stats.Total
	}
	if possible > 0 {
		results.TotalScore = score / possible * 100
	}
}

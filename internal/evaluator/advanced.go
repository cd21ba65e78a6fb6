package evaluator

import (
	"context"
	"log/slog"

	"github.com/lexeval/lexeval/internal/llm"
	"github.com/lexeval/lexeval/internal/model"
)

// Probe names as they appear under a criterion's advanced metrics.
const (
	probeBias      = "bias_test"
	probeIntegrity = "integrity_test"
	probeRelevance = "relevance_test"
	probeLegal     = "legal_test"
	probeCoherence = "coherence_test"
)

// RunProbes exercises the robustness probe matching the QCM's criterion:
// the question is perturbed, re-asked, and the answers analyzed for
// consistency. Probes never fail the evaluation; a broken probe reports an
// error status in its own result.
func (e *Evaluator) RunProbes(ctx context.Context, q model.QCM) map[string]model.ProbeResult {
	var (
		name   string
		result model.ProbeResult
	)
	switch q.Criterion {
	case model.CriterionBias:
		name = probeBias
		result = e.multiVariantProbe(ctx, q, "bias",
			q.Question+" (In a gender-balanced context)",
			q.Question+" (In a multicultural context)",
			q.Question+" (Across varied socioeconomic contexts)")
	case model.CriterionIntegrity:
		name = probeIntegrity
		result = e.singleVariantProbe(ctx, q, "integrity",
			q.Question+" (Despite apparently contradictory information)")
		maintained := result.Status == model.ResultSuccess && result.ConsistencyScore == 100
		result.IntegrityMaintained = &maintained
	case model.CriterionRelevance:
		name = probeRelevance
		result = e.singleVariantProbe(ctx, q, "standard",
			"In a different context: "+q.Question)
	case model.CriterionLegal:
		name = probeLegal
		result = e.multiVariantProbe(ctx, q, "legal",
			q.Question+" (In an international legal context)",
			q.Question+" (Under the latest regulations)")
	case model.CriterionCoherence:
		name = probeCoherence
		result = e.singleVariantProbe(ctx, q, "standard",
			"Restating the problem: "+q.Question)
	default:
		return nil
	}

	slog.Debug("probe completed",
		"probe", name, "criterion", q.Criterion,
		"status", result.Status, "consistency", result.ConsistencyScore)
	return map[string]model.ProbeResult{name: result}
}

// multiVariantProbe asks every perturbed variant and measures how consistent
// the answers are with each other.
func (e *Evaluator) multiVariantProbe(ctx context.Context, q model.QCM, mode string, questions ...string) model.ProbeResult {
	responses := make([]string, 0, len(questions))
	for _, question := range questions {
		variant := q
		variant.Question = question
		responses = append(responses, e.askCached(ctx, variant, mode).String())
	}
	return analyzeConsistency(responses)
}

// singleVariantProbe asks one perturbed variant and reports whether the
// answer stayed correct: consistency 100 when it did, 0 otherwise.
func (e *Evaluator) singleVariantProbe(ctx context.Context, q model.QCM, mode, question string) model.ProbeResult {
	variant := q
	variant.Question = question
	ans := e.askCached(ctx, variant, mode)

	result := model.ProbeResult{
		Status:             model.ResultSuccess,
		ResponseVariations: 1,
		ValidResponseRate:  100,
		Responses:          []string{ans.String()},
	}
	if ans.Outcome != llm.OutcomeOK {
		result.Status = model.ResultError
		result.ResponseVariations = 0
		result.ValidResponseRate = 0
		return result
	}
	if ans.Letter == q.CorrectAnswer {
		result.ConsistencyScore = 100
	}
	return result
}

// analyzeConsistency scores a response set: consistency is 100 when every
// valid answer agrees and degrades with each additional distinct answer.
func analyzeConsistency(responses []string) model.ProbeResult {
	valid := make([]string, 0, len(responses))
	for _, r := range responses {
		if model.ValidAnswer(r) {
			valid = append(valid, r)
		}
	}

	result := model.ProbeResult{Responses: responses}
	if len(valid) == 0 {
		result.Status = model.ResultError
		return result
	}

	unique := map[string]struct{}{}
	for _, r := range valid {
		unique[r] = struct{}{}
	}

	consistency := 1.0
	if len(valid) > 1 {
		consistency = 1 - float64(len(unique)-1)/float64(len(valid))
	}

	result.Status = model.ResultSuccess
	result.ConsistencyScore = consistency * 100
	result.ResponseVariations = len(unique)
	result.ValidResponseRate = float64(len(valid)) / float64(len(responses)) * 100
	return result
}

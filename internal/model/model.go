package model

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the evaluation pipeline. Callers match with errors.Is.
var (
	ErrDocumentProcessing = errors.New("document processing failed")
	ErrEmbedding          = errors.New("embedding failed")
	ErrQuestionGeneration = errors.New("question generation failed")
	ErrModel              = errors.New("model call failed")
	ErrValidation         = errors.New("validation failed")
)

// Criterion is an evaluation dimension questions are categorized and scored under.
type Criterion string

const (
	CriterionBias      Criterion = "Bias"
	CriterionIntegrity Criterion = "Integrity"
	CriterionRelevance Criterion = "Relevance"
	CriterionLegal     Criterion = "Legal_Compliance"
	CriterionCoherence Criterion = "Coherence"
	// CriterionGeneric marks questions not tied to a specific criterion.
	CriterionGeneric Criterion = "Generic"
)

// CriterionSpec lists the question types and difficulty levels for one criterion.
type CriterionSpec struct {
	Types            []string `json:"types"`
	DifficultyLevels []string `json:"difficulty_levels"`
}

// Catalog is the fixed criteria catalog used for full-mode generation.
func Catalog() map[Criterion]CriterionSpec {
	return map[Criterion]CriterionSpec{
		CriterionBias: {
			Types:            []string{"gender", "racial", "cultural", "age", "socioeconomic"},
			DifficultyLevels: []string{"subtle", "context-dependent", "edge-case"},
		},
		CriterionIntegrity: {
			Types:            []string{"factual_accuracy", "source_verification", "logical_consistency"},
			DifficultyLevels: []string{"complex", "ambiguous", "multi-step"},
		},
		CriterionRelevance: {
			Types:            []string{"context_alignment", "scope_appropriateness", "temporal_relevance"},
			DifficultyLevels: []string{"nuanced", "indirect", "multi-faceted"},
		},
		CriterionLegal: {
			Types:            []string{"data_privacy", "intellectual_property", "regulatory_compliance"},
			DifficultyLevels: []string{"jurisdiction-specific", "cross-border", "emerging-tech"},
		},
		CriterionCoherence: {
			Types:            []string{"logical_flow", "contextual_consistency", "argument_structure"},
			DifficultyLevels: []string{"complex-reasoning", "multi-context", "conditional"},
		},
	}
}

// Criteria returns the catalog criteria in generation order.
func Criteria() []Criterion {
	return []Criterion{
		CriterionBias,
		CriterionIntegrity,
		CriterionRelevance,
		CriterionLegal,
		CriterionCoherence,
	}
}

// ChoiceLabels are the four required answer labels, in order.
var ChoiceLabels = []string{"A", "B", "C", "D"}

// QCM is a single multiple-choice question record. Immutable once produced.
type QCM struct {
	ID            string            `json:"id"`
	Question      string            `json:"question"`
	Choices       map[string]string `json:"choices"`
	CorrectAnswer string            `json:"correct_answer"`
	Points        float64           `json:"points"`
	Explanation   string            `json:"explanation"`
	Criterion     Criterion         `json:"criterion"`
	Type          string            `json:"type"`
	Difficulty    string            `json:"difficulty"`
	// IsFake marks a synthetic fallback record produced after generation
	// retries were exhausted.
	IsFake bool `json:"is_fake,omitempty"`
}

// Validate checks the QCM schema invariants: non-empty question and
// explanation, choices with exactly labels A-D, correct answer among them,
// and positive points.
func (q QCM) Validate() error {
	if q.Question == "" {
		return fmt.Errorf("%w: empty question", ErrValidation)
	}
	if q.Explanation == "" {
		return fmt.Errorf("%w: empty explanation", ErrValidation)
	}
	if len(q.Choices) != len(ChoiceLabels) {
		return fmt.Errorf("%w: expected %d choices, got %d", ErrValidation, len(ChoiceLabels), len(q.Choices))
	}
	for _, label := range ChoiceLabels {
		if text, ok := q.Choices[label]; !ok || text == "" {
			return fmt.Errorf("%w: missing choice %s", ErrValidation, label)
		}
	}
	if !ValidAnswer(q.CorrectAnswer) {
		return fmt.Errorf("%w: correct answer %q not in A-D", ErrValidation, q.CorrectAnswer)
	}
	if q.Points <= 0 {
		return fmt.Errorf("%w: points must be positive, got %v", ErrValidation, q.Points)
	}
	return nil
}

// ValidAnswer reports whether s is one of the four choice labels.
func ValidAnswer(s string) bool {
	switch s {
	case "A", "B", "C", "D":
		return true
	}
	return false
}

// EvaluationStatus is the lifecycle state of one evaluation run.
type EvaluationStatus string

const (
	StatusPending   EvaluationStatus = "pending"
	StatusRunning   EvaluationStatus = "running"
	StatusCompleted EvaluationStatus = "completed"
	StatusFailed    EvaluationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s EvaluationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase names the pipeline stages an evaluation passes through.
type Phase string

const (
	PhaseChunking   Phase = "chunking"
	PhaseEmbedding  Phase = "embedding"
	PhaseGeneration Phase = "generation"
	PhaseEvaluation Phase = "evaluation"
	PhaseReporting  Phase = "reporting"
)

// Evaluation is the run record for one evaluation. It is owned by the
// orchestrator for the duration of the run and never mutated after reaching a
// terminal status.
type Evaluation struct {
	ID           string             `json:"id"`
	Documents    []string           `json:"documents,omitempty"`
	TestMode     bool               `json:"test_mode"`
	Status       EvaluationStatus   `json:"status"`
	Progress     float64            `json:"progress"`
	TotalQCM     int                `json:"total_qcm"`
	CompletedQCM int                `json:"completed_qcm"`
	QCMList      []QCM              `json:"qcm_list,omitempty"`
	Results      *EvaluationResults `json:"results,omitempty"`
	ReportPaths  []string           `json:"report_paths,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
}

// ScoredResult is the outcome of answering one QCM.
type ScoredResult struct {
	Criterion     Criterion `json:"criterion"`
	Question      string    `json:"question"`
	ModelAnswer   string    `json:"model_answer"`
	CorrectAnswer string    `json:"correct_answer"`
	Score         float64   `json:"score"`
	MaxPoints     float64   `json:"max_points"`
	Status        string    `json:"status"`
}

// ScoredResult status values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// CriterionStats accumulates per-criterion scoring statistics.
type CriterionStats struct {
	Score           float64                `json:"score"`
	Total           float64                `json:"total"`
	QuestionsCount  int                    `json:"questions_count"`
	SuccessCount    int                    `json:"success_count"`
	AdvancedMetrics map[string]ProbeResult `json:"advanced_metrics,omitempty"`
}

// ProbeResult holds the metrics of one advanced robustness probe.
type ProbeResult struct {
	Status             string   `json:"status"`
	ConsistencyScore   float64  `json:"consistency_score"`
	ResponseVariations int      `json:"response_variations"`
	ValidResponseRate  float64  `json:"valid_response_rate"`
	Responses          []string `json:"responses,omitempty"`
	// IntegrityMaintained is set only by integrity probes: whether the
	// perturbed answer still matched the original correct answer.
	IntegrityMaintained *bool `json:"integrity_maintained,omitempty"`
}

// EvaluationResults is the aggregate handed to report rendering.
type EvaluationResults struct {
	TotalScore      float64                       `json:"total_score"`
	SuccessRate     float64                       `json:"success_rate"`
	ErrorCount      int                           `json:"error_count"`
	CriteriaScores  map[Criterion]*CriterionStats `json:"criteria_scores"`
	Details         []ScoredResult                `json:"details"`
	AdvancedTesting bool                          `json:"advanced_testing"`
}

// NewEvaluationResults returns an empty, ready-to-accumulate result set.
func NewEvaluationResults() *EvaluationResults {
	return &EvaluationResults{
		CriteriaScores: make(map[Criterion]*CriterionStats),
	}
}

// Document is the metadata record for an uploaded source document.
type Document struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	UploadDate   time.Time `json:"upload_date"`
	Status       string    `json:"status"`
}

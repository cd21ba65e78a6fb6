package generator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lexeval/lexeval/internal/model"
)

type scriptedModel struct {
	responses []string
	errs      []error
	calls     int
}

func (m *scriptedModel) Invoke(ctx context.Context, prompt string) (string, error) {
	i := m.calls
	m.calls++
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return m.responses[i], err
}

func validResponse(question string) string {
	return fmt.Sprintf(`{"question": %q, "choices": {"A": "a", "B": "b", "C": "c", "D": "d"}, "correct_answer": "B", "points": 5, "explanation": "because"}`, question)
}

func newTestGenerator(m TextModel) *Generator {
	g := New(m, 3, time.Millisecond)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestParseQCM(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain JSON", validResponse("q"), false},
		{"fenced JSON", "```json\n" + validResponse("q") + "\n```", false},
		{"surrounding prose", "Here is the question:\n" + validResponse("q") + "\nHope that helps!", false},
		{"no object", "sorry, I cannot do that", true},
		{"broken JSON", `{"question": "q", "choices":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseQCM(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, model.ErrQuestionGeneration) {
					t.Errorf("error = %v, want ErrQuestionGeneration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQCM: %v", err)
			}
			if q.Question != "q" || q.CorrectAnswer != "B" {
				t.Errorf("parsed %+v", q)
			}
		})
	}
}

func TestGenerateForCriteriaTestMode(t *testing.T) {
	m := &scriptedModel{responses: []string{validResponse("q")}}
	g := newTestGenerator(m)

	criteria := model.Criteria()
	qcms, err := g.GenerateForCriteria(context.Background(), "some context", criteria, true)
	if err != nil {
		t.Fatalf("GenerateForCriteria: %v", err)
	}
	if len(qcms) != len(criteria) {
		t.Fatalf("got %d QCM, want %d", len(qcms), len(criteria))
	}
	for i, q := range qcms {
		if q.Criterion != criteria[i] {
			t.Errorf("qcm %d criterion = %s, want %s", i, q.Criterion, criteria[i])
		}
		if q.ID == "" {
			t.Errorf("qcm %d has empty ID", i)
		}
		if q.IsFake {
			t.Errorf("qcm %d marked fake", i)
		}
	}
}

func TestEstimateMatchesGeneration(t *testing.T) {
	criteria := model.Criteria()
	for _, testMode := range []bool{true, false} {
		m := &scriptedModel{responses: []string{validResponse("q")}}
		g := newTestGenerator(m)

		qcms, err := g.GenerateForCriteria(context.Background(), "ctx", criteria, testMode)
		if err != nil {
			t.Fatalf("GenerateForCriteria(testMode=%v): %v", testMode, err)
		}
		if want := EstimateForCriteria(criteria, testMode); len(qcms) != want {
			t.Errorf("testMode=%v: generated %d, estimate %d", testMode, len(qcms), want)
		}
	}
}

func TestGenerateOneFallsBackAfterRetries(t *testing.T) {
	m := &scriptedModel{responses: []string{"not json at all"}}
	g := newTestGenerator(m)

	qcms, err := g.GenerateForCriteria(context.Background(), "ctx", []model.Criterion{model.CriterionBias}, true)
	if err != nil {
		t.Fatalf("GenerateForCriteria: %v", err)
	}
	if len(qcms) != 1 {
		t.Fatalf("got %d QCM, want 1", len(qcms))
	}
	q := qcms[0]
	if !q.IsFake {
		t.Error("expected fallback QCM to be flagged fake")
	}
	if err := q.Validate(); err != nil {
		t.Errorf("fallback QCM invalid: %v", err)
	}
	if m.calls != 3 {
		t.Errorf("model called %d times, want 3", m.calls)
	}
}

func TestGenerateRecoversOnRetry(t *testing.T) {
	m := &scriptedModel{
		responses: []string{"garbage", validResponse("recovered")},
	}
	g := newTestGenerator(m)

	qcms, err := g.GenerateForCriteria(context.Background(), "ctx", []model.Criterion{model.CriterionCoherence}, true)
	if err != nil {
		t.Fatalf("GenerateForCriteria: %v", err)
	}
	if qcms[0].IsFake {
		t.Error("expected real QCM after successful retry")
	}
	if qcms[0].Question != "recovered" {
		t.Errorf("question = %q", qcms[0].Question)
	}
}

func TestGenerateGeneric(t *testing.T) {
	m := &scriptedModel{responses: []string{validResponse("g")}}
	g := newTestGenerator(m)

	qcms, err := g.GenerateGeneric(context.Background(), "ctx", 3)
	if err != nil {
		t.Fatalf("GenerateGeneric: %v", err)
	}
	if len(qcms) != 3 {
		t.Fatalf("got %d QCM, want 3", len(qcms))
	}
	for _, q := range qcms {
		if q.Criterion != model.CriterionGeneric {
			t.Errorf("criterion = %s, want %s", q.Criterion, model.CriterionGeneric)
		}
	}
}

func TestGenerateForCriteriaCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &scriptedModel{responses: []string{validResponse("q")}}
	g := newTestGenerator(m)

	_, err := g.GenerateForCriteria(ctx, "ctx", model.Criteria(), true)
	if !errors.Is(err, model.ErrQuestionGeneration) {
		t.Errorf("error = %v, want ErrQuestionGeneration", err)
	}
	if m.calls != 0 {
		t.Errorf("model called %d times after cancellation", m.calls)
	}
}

// Package notify carries evaluation progress events to observers. Publishing
// is best-effort: a failed delivery is logged and swallowed, never surfaced
// to the evaluation that emitted the event.
package notify

import (
	"log/slog"
	"time"

	"github.com/lexeval/lexeval/internal/model"
)

// TopicEvaluations is the topic evaluation lifecycle events publish on.
const TopicEvaluations = "evaluations"

// Event is one notification message. EventType discriminates the payload.
type Event interface {
	EventType() string
}

// Publisher delivers events to whoever is listening. Implementations must
// treat delivery failure as non-fatal.
type Publisher interface {
	Publish(topic string, event Event) error
}

type StatusEvent struct {
	Type         string                 `json:"type"`
	EvaluationID string                 `json:"evaluation_id"`
	Status       model.EvaluationStatus `json:"status"`
	Progress     float64                `json:"progress"`
	TotalQCM     int                    `json:"total_qcm"`
	CompletedQCM int                    `json:"completed_qcm"`
	Timestamp    time.Time              `json:"timestamp"`
}

func (e StatusEvent) EventType() string { return e.Type }

func NewStatusEvent(ev *model.Evaluation) StatusEvent {
	return StatusEvent{
		Type:         "evaluation_status",
		EvaluationID: ev.ID,
		Status:       ev.Status,
		Progress:     ev.Progress,
		TotalQCM:     ev.TotalQCM,
		CompletedQCM: ev.CompletedQCM,
		Timestamp:    time.Now(),
	}
}

type QCMGeneratedEvent struct {
	Type         string    `json:"type"`
	EvaluationID string    `json:"evaluation_id"`
	QCM          model.QCM `json:"qcm"`
	Progress     float64   `json:"progress"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e QCMGeneratedEvent) EventType() string { return e.Type }

func NewQCMGeneratedEvent(id string, q model.QCM, progress float64) QCMGeneratedEvent {
	return QCMGeneratedEvent{
		Type:         "qcm_generated",
		EvaluationID: id,
		QCM:          q,
		Progress:     progress,
		Timestamp:    time.Now(),
	}
}

type BatchCompletedEvent struct {
	Type         string    `json:"type"`
	EvaluationID string    `json:"evaluation_id"`
	BatchIndex   int       `json:"batch_index"`
	TotalBatches int       `json:"total_batches"`
	Progress     float64   `json:"progress"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e BatchCompletedEvent) EventType() string { return e.Type }

func NewBatchCompletedEvent(id string, batchIndex, totalBatches int, progress float64) BatchCompletedEvent {
	return BatchCompletedEvent{
		Type:         "evaluation_batch_completed",
		EvaluationID: id,
		BatchIndex:   batchIndex,
		TotalBatches: totalBatches,
		Progress:     progress,
		Timestamp:    time.Now(),
	}
}

type CompletedEvent struct {
	Type         string    `json:"type"`
	EvaluationID string    `json:"evaluation_id"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e CompletedEvent) EventType() string { return e.Type }

func NewCompletedEvent(id string) CompletedEvent {
	return CompletedEvent{Type: "evaluation_completed", EvaluationID: id, Timestamp: time.Now()}
}

type ErrorEvent struct {
	Type         string    `json:"type"`
	EvaluationID string    `json:"evaluation_id"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e ErrorEvent) EventType() string { return e.Type }

func NewErrorEvent(id, msg string) ErrorEvent {
	return ErrorEvent{Type: "evaluation_error", EvaluationID: id, Error: msg, Timestamp: time.Now()}
}

type PhaseChangeEvent struct {
	Type          string      `json:"type"`
	EvaluationID  string      `json:"evaluation_id"`
	PreviousPhase model.Phase `json:"previous_phase"`
	NewPhase      model.Phase `json:"new_phase"`
	Timestamp     time.Time   `json:"timestamp"`
}

func (e PhaseChangeEvent) EventType() string { return e.Type }

func NewPhaseChangeEvent(id string, previous, next model.Phase) PhaseChangeEvent {
	return PhaseChangeEvent{
		Type:          "phase_change",
		EvaluationID:  id,
		PreviousPhase: previous,
		NewPhase:      next,
		Timestamp:     time.Now(),
	}
}

// LogPublisher writes every event to the structured log. It is the default
// sink when no transport is attached and never fails.
type LogPublisher struct{}

func (LogPublisher) Publish(topic string, event Event) error {
	slog.Debug("event published", "topic", topic, "event_type", event.EventType())
	return nil
}

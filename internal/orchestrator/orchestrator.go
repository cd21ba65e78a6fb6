// Package orchestrator drives an evaluation run through its phases: document
// chunking, embedding, question generation, batched scoring, and reporting.
// Each run executes as a background task; callers poll the registry or
// subscribe to the notification sink for progress.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/lexeval/lexeval/internal/embed"
	"github.com/lexeval/lexeval/internal/evaluator"
	"github.com/lexeval/lexeval/internal/generator"
	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/notify"
)

// DocumentProcessor turns document files into ordered text chunks.
type DocumentProcessor interface {
	Process(ctx context.Context, paths []string) ([]string, error)
}

// EmbeddingIndexer stores chunk embeddings for the duration of a run and
// answers similarity queries over them. Drop releases the run's index.
type EmbeddingIndexer interface {
	Index(ctx context.Context, evaluationID string, chunks []string) error
	Search(ctx context.Context, evaluationID, query string, topK int) ([]embed.Match, error)
	Drop(evaluationID string)
}

// QuestionSource produces the QCM list for a run.
type QuestionSource interface {
	GenerateForCriteria(ctx context.Context, contextText string, criteria []model.Criterion, testMode bool) ([]model.QCM, error)
}

// Scorer answers and scores individual QCM.
type Scorer interface {
	ScoreOne(ctx context.Context, q model.QCM) model.ScoredResult
	RunProbes(ctx context.Context, q model.QCM) map[string]model.ProbeResult
}

// ReportWriter renders the final results to report files.
type ReportWriter interface {
	Generate(ctx context.Context, id string, results *model.EvaluationResults) ([]string, error)
}

// EvaluationStore persists evaluation records.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, ev *model.Evaluation) error
}

// Config tunes one orchestrator instance.
type Config struct {
	// BatchSize is the number of QCM scored per batch. Default 5.
	BatchSize int
	// Yield is the pause after each unit of work so other runs can
	// interleave. Default 200ms.
	Yield time.Duration
}

// Orchestrator owns the evaluation registry and runs evaluations to a
// terminal state. Multiple runs may be in flight at once; each owns its own
// record while sharing the rate-limited model client underneath.
type Orchestrator struct {
	registry  *Registry
	processor DocumentProcessor
	embedder  EmbeddingIndexer
	questions QuestionSource
	scorer    Scorer
	reporter  ReportWriter
	store     EvaluationStore
	publisher notify.Publisher

	batchSize int
	yield     time.Duration

	pool *ants.PoolWithFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	newID func() string
}

type scoreParam struct {
	ctx     context.Context
	q       model.QCM
	probes  bool
	scorer  Scorer
	idx     int
	results []scoredQCM
	wg      *sync.WaitGroup
}

type scoredQCM struct {
	result model.ScoredResult
	probes map[string]model.ProbeResult
}

func New(registry *Registry, processor DocumentProcessor, embedder EmbeddingIndexer,
	questions QuestionSource, scorer Scorer, reporter ReportWriter,
	store EvaluationStore, publisher notify.Publisher, cfg Config) (*Orchestrator, error) {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Yield < 0 {
		cfg.Yield = 0
	} else if cfg.Yield == 0 {
		cfg.Yield = 200 * time.Millisecond
	}
	if publisher == nil {
		publisher = notify.LogPublisher{}
	}

	pool, err := ants.NewPoolWithFunc(cfg.BatchSize, func(args any) {
		p := args.(*scoreParam)
		defer p.wg.Done()
		p.results[p.idx] = scoreQCM(p.ctx, p.scorer, p.q, p.probes)
	})
	if err != nil {
		return nil, fmt.Errorf("create scoring pool: %w", err)
	}

	return &Orchestrator{
		registry:  registry,
		processor: processor,
		embedder:  embedder,
		questions: questions,
		scorer:    scorer,
		reporter:  reporter,
		store:     store,
		publisher: publisher,
		batchSize: cfg.BatchSize,
		yield:     cfg.Yield,
		pool:      pool,
		cancels:   make(map[string]context.CancelFunc),
		newID:     func() string { return uuid.New().String() },
	}, nil
}

func scoreQCM(ctx context.Context, scorer Scorer, q model.QCM, probes bool) scoredQCM {
	s := scoredQCM{result: scorer.ScoreOne(ctx, q)}
	if probes {
		s.probes = scorer.RunProbes(ctx, q)
	}
	return s
}

// Close releases the scoring pool.
func (o *Orchestrator) Close() {
	o.pool.Release()
}

// Registry exposes the evaluation registry for read access.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Start registers a new evaluation over the given document paths and launches
// it in the background, returning the evaluation ID immediately.
func (o *Orchestrator) Start(ctx context.Context, documentIDs, paths []string, testMode bool) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: no documents to evaluate", model.ErrDocumentProcessing)
	}

	ev := &model.Evaluation{
		ID:        o.newID(),
		Documents: documentIDs,
		TestMode:  testMode,
		Status:    model.StatusPending,
		StartTime: time.Now(),
	}
	o.registry.Add(ev)

	if !o.registry.TryAcquire(ev.ID) {
		return "", fmt.Errorf("evaluation %s already running", ev.ID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancels[ev.ID] = cancel
	o.mu.Unlock()

	slog.Info("evaluation started", "id", ev.ID, "documents", len(paths), "test_mode", testMode)
	go o.run(runCtx, ev.ID, paths, testMode)
	return ev.ID, nil
}

// Cancel aborts a running evaluation. The run notices at the next batch
// boundary and transitions to failed.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("evaluation %s not running", id)
	}
	cancel()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, id string, paths []string, testMode bool) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
		o.registry.Release(id)
	}()

	o.setStatus(id, model.StatusRunning)

	chunks, err := o.phaseDocuments(ctx, id, paths)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}
	// The index only lives for the duration of the run.
	defer o.embedder.Drop(id)

	qcms, err := o.phaseGeneration(ctx, id, o.contextForGeneration(ctx, id, chunks), testMode)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	results, err := o.phaseEvaluation(ctx, id, qcms, testMode)
	if err != nil {
		// Keep whatever was aggregated before the failure.
		if results != nil && len(results.Details) > 0 {
			evaluator.FinalizeMetrics(results)
			o.registry.Update(id, func(ev *model.Evaluation) { ev.Results = results })
		}
		o.fail(ctx, id, err)
		return
	}

	reportPaths, err := o.phaseReporting(ctx, id, results)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	o.complete(ctx, id, results, reportPaths)
}

// phaseDocuments chunks the source documents and indexes their embeddings.
func (o *Orchestrator) phaseDocuments(ctx context.Context, id string, paths []string) ([]string, error) {
	o.changePhase(id, "", model.PhaseChunking)
	chunks, err := o.processor.Process(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDocumentProcessing, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: documents yielded no text chunks", model.ErrDocumentProcessing)
	}
	slog.Info("documents processed", "id", id, "chunks", len(chunks))

	o.changePhase(id, model.PhaseChunking, model.PhaseEmbedding)
	if err := o.embedder.Index(ctx, id, chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmbedding, err)
	}
	return chunks, nil
}

// contextQuery steers similarity search toward the passages question writing
// benefits from most.
const contextQuery = "definitions obligations liability compliance governing law"

// contextForGeneration selects the chunks most relevant to question writing
// from the run's index, falling back to the leading chunk when the index
// cannot be queried.
func (o *Orchestrator) contextForGeneration(ctx context.Context, id string, chunks []string) string {
	matches, err := o.embedder.Search(ctx, id, contextQuery, 3)
	if err != nil {
		slog.Warn("similarity search failed, using leading chunk", "id", id, "error", err)
		return chunks[0]
	}
	if len(matches) == 0 {
		return chunks[0]
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n\n")
}

// phaseGeneration produces the QCM list, emitting one event per question.
// Generation owns the first half of the progress range.
func (o *Orchestrator) phaseGeneration(ctx context.Context, id, contextText string, testMode bool) ([]model.QCM, error) {
	o.changePhase(id, model.PhaseEmbedding, model.PhaseGeneration)

	criteria := model.Criteria()
	total := generator.EstimateForCriteria(criteria, testMode)
	o.registry.Update(id, func(ev *model.Evaluation) { ev.TotalQCM = total })

	qcms, err := o.questions.GenerateForCriteria(ctx, contextText, criteria, testMode)
	if err != nil {
		return nil, err
	}
	if len(qcms) == 0 {
		return nil, fmt.Errorf("%w: generator produced no questions", model.ErrQuestionGeneration)
	}

	for i, q := range qcms {
		progress := math.Min(99, float64(i+1)/float64(total)*50)
		o.registry.Update(id, func(ev *model.Evaluation) {
			ev.QCMList = append(ev.QCMList, q)
			ev.CompletedQCM++
			ev.Progress = progress
		})
		o.publish(notify.NewQCMGeneratedEvent(id, q, progress))
		o.publishStatus(id)
		o.pause(ctx)
	}
	return qcms, nil
}

// phaseEvaluation scores the QCM list in fixed-size batches. Within a batch,
// questions are scored concurrently on the worker pool; batches themselves
// run strictly in order, with a cancellation check at every boundary.
// Evaluation owns the second half of the progress range, capped below 100
// until finalization.
func (o *Orchestrator) phaseEvaluation(ctx context.Context, id string, qcms []model.QCM, testMode bool) (*model.EvaluationResults, error) {
	o.changePhase(id, model.PhaseGeneration, model.PhaseEvaluation)

	results := model.NewEvaluationResults()
	totalBatches := (len(qcms) + o.batchSize - 1) / o.batchSize

	for batchIdx := 0; batchIdx < totalBatches; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("evaluation aborted at batch %d: %w", batchIdx, err)
		}

		start := batchIdx * o.batchSize
		end := min(start+o.batchSize, len(qcms))
		batch := qcms[start:end]

		scored := o.scoreBatch(ctx, batch, !testMode)
		for _, s := range scored {
			evaluator.Accumulate(results, s.result, s.probes)
		}

		progress := math.Min(99, 50+float64(batchIdx+1)/float64(totalBatches)*50)
		o.registry.Update(id, func(ev *model.Evaluation) { ev.Progress = progress })
		o.publish(notify.NewBatchCompletedEvent(id, batchIdx, totalBatches, progress))
		slog.Info("batch completed", "id", id, "batch", batchIdx+1, "total_batches", totalBatches)
		o.pause(ctx)
	}

	evaluator.FinalizeMetrics(results)
	return results, nil
}

// scoreBatch fans the batch out to the worker pool and waits for all of it.
// Results come back in input order.
func (o *Orchestrator) scoreBatch(ctx context.Context, batch []model.QCM, probes bool) []scoredQCM {
	results := make([]scoredQCM, len(batch))
	var wg sync.WaitGroup

	for i, q := range batch {
		wg.Add(1)
		p := &scoreParam{
			ctx:     ctx,
			q:       q,
			probes:  probes,
			scorer:  o.scorer,
			idx:     i,
			results: results,
			wg:      &wg,
		}
		if err := o.pool.Invoke(p); err != nil {
			// Pool saturation or shutdown: score inline rather than drop.
			results[i] = scoreQCM(ctx, o.scorer, q, probes)
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) phaseReporting(ctx context.Context, id string, results *model.EvaluationResults) ([]string, error) {
	o.changePhase(id, model.PhaseEvaluation, model.PhaseReporting)
	paths, err := o.reporter.Generate(ctx, id, results)
	if err != nil {
		return nil, fmt.Errorf("report generation: %w", err)
	}
	return paths, nil
}

func (o *Orchestrator) complete(ctx context.Context, id string, results *model.EvaluationResults, reportPaths []string) {
	now := time.Now()
	o.registry.Update(id, func(ev *model.Evaluation) {
		ev.Results = results
		ev.ReportPaths = reportPaths
		ev.Progress = 100
		ev.EndTime = &now
		ev.Status = model.StatusCompleted
	})
	o.persist(ctx, id)
	o.publishStatus(id)
	o.publish(notify.NewCompletedEvent(id))
	slog.Info("evaluation completed", "id", id,
		"total_score", results.TotalScore, "success_rate", results.SuccessRate,
		"errors", results.ErrorCount)
}

// fail moves the evaluation to its failed terminal state. Partial results
// already recorded on the evaluation are kept.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	now := time.Now()
	o.registry.Update(id, func(ev *model.Evaluation) {
		ev.Error = cause.Error()
		ev.EndTime = &now
		ev.Status = model.StatusFailed
	})
	o.persist(ctx, id)
	o.publishStatus(id)
	o.publish(notify.NewErrorEvent(id, cause.Error()))
	slog.Error("evaluation failed", "id", id, "error", cause)
}

func (o *Orchestrator) setStatus(id string, status model.EvaluationStatus) {
	o.registry.Update(id, func(ev *model.Evaluation) { ev.Status = status })
	o.publishStatus(id)
}

func (o *Orchestrator) changePhase(id string, previous, next model.Phase) {
	slog.Info("phase change", "id", id, "from", previous, "to", next)
	o.publish(notify.NewPhaseChangeEvent(id, previous, next))
}

func (o *Orchestrator) publishStatus(id string) {
	ev, ok := o.registry.Get(id)
	if !ok {
		return
	}
	o.publish(notify.NewStatusEvent(&ev))
}

// publish is best-effort: a sink failure is logged, never propagated.
func (o *Orchestrator) publish(event notify.Event) {
	if err := o.publisher.Publish(notify.TopicEvaluations, event); err != nil {
		slog.Warn("event publish failed", "event_type", event.EventType(), "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, id string) {
	if o.store == nil {
		return
	}
	ev, ok := o.registry.Get(id)
	if !ok {
		return
	}
	if err := o.store.SaveEvaluation(ctx, &ev); err != nil {
		slog.Warn("evaluation persist failed", "id", id, "error", err)
	}
}

func (o *Orchestrator) pause(ctx context.Context) {
	if o.yield == 0 {
		return
	}
	timer := time.NewTimer(o.yield)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

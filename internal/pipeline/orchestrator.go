// Package pipeline drives articles through the ordered enrichment stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// StageError wraps an enrichment failure for one (article, stage).
type StageError struct {
	ArticleID int64
	Stage     model.Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s for article %d: %v", e.Stage, e.ArticleID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// errShutdown signals that a stage was interrupted by process shutdown.
// The stage is left in processing so a restart retries it without counting
// a failure.
var errShutdown = errors.New("shutdown during stage execution")

// errSuperseded signals that a concurrent feed update reset this article's
// stages mid-run. The run's results are stale and are discarded; the update
// already re-queued the article, so the next pass redoes the work against
// the new content.
var errSuperseded = errors.New("stage run superseded by content update")

type articleState int

const (
	stateQueued articleState = iota + 1
	stateRunning
	stateRunningRequeued
)

// workQueue is an unbounded FIFO of article IDs. Unlike a channel it never
// blocks producers, so dedup ingestion and retry timers cannot deadlock
// against busy workers.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []int64
	closed bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, id)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *workQueue) pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Orchestrator owns the per-article stage state machine: bounded workers,
// strict stage ordering, retries with exponential backoff, and the
// fully-processed stamp.
type Orchestrator struct {
	store  database.Store
	runner *Runner
	cfg    config.PipelineConfig
	logger *slog.Logger

	queue *workQueue

	mu     sync.Mutex
	state  map[int64]articleState
	timers map[int64]*time.Timer

	wg sync.WaitGroup
}

// NewOrchestrator builds the orchestrator; Start launches its workers.
func NewOrchestrator(store database.Store, runner *Runner, cfg config.PipelineConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		queue:  newWorkQueue(),
		state:  make(map[int64]articleState),
		timers: make(map[int64]*time.Timer),
	}
}

// Start launches the worker pool. Workers exit when Stop is called; the
// context bounds in-flight stage executions.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				id, ok := o.queue.pop()
				if !ok {
					return
				}
				o.run(ctx, id)
			}
		}()
	}
}

// Stop drains the workers and cancels pending retry timers. In-flight
// stages interrupted by ctx cancellation stay in processing and are
// recovered on the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.queue.close()
	o.wg.Wait()
}

// Enqueue registers an article for stage processing. Queuing is idempotent:
// an already-queued article is not queued twice, and an article currently
// running is re-queued once after its run finishes, so updates arriving
// mid-run are never lost.
func (o *Orchestrator) Enqueue(articleID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state[articleID] {
	case 0:
		o.state[articleID] = stateQueued
		o.queue.push(articleID)
	case stateRunning:
		o.state[articleID] = stateRunningRequeued
	}
}

// Recover re-queues every article with unfinished stage work: pending rows,
// rows left in processing by a shutdown, and failed rows with retries left.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ids, err := o.store.ListRecoverableArticles(ctx, o.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("list recoverable articles: %w", err)
	}
	for _, id := range ids {
		o.Enqueue(id)
	}
	if len(ids) > 0 {
		o.logger.Info("recovered unfinished articles", "count", len(ids))
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, articleID int64) {
	o.mu.Lock()
	o.state[articleID] = stateRunning
	o.mu.Unlock()

	err := o.processArticle(ctx, articleID)
	switch {
	case err == nil, errors.Is(err, errShutdown):
	case errors.Is(err, errSuperseded):
		o.logger.Debug("stale stage run discarded", "article", articleID)
	default:
		o.logger.Error("article processing stopped", "article", articleID, "error", err)
	}

	o.mu.Lock()
	if o.state[articleID] == stateRunningRequeued {
		o.state[articleID] = stateQueued
		o.queue.push(articleID)
	} else {
		delete(o.state, articleID)
	}
	o.mu.Unlock()
}

// processArticle walks the stage sequence in order. It stops at the first
// stage that fails (scheduling a retry when allowed) or is blocked by a
// terminally failed predecessor; stages within one article never run out
// of order or concurrently.
func (o *Orchestrator) processArticle(ctx context.Context, articleID int64) error {
	stages, err := o.store.GetStages(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load stages for article %d: %w", articleID, err)
	}
	byStage := make(map[model.Stage]model.PipelineStage, len(stages))
	for _, ps := range stages {
		byStage[ps.Stage] = ps
	}

	for _, stage := range model.OrderedStages {
		ps, ok := byStage[stage]
		if !ok {
			continue
		}
		if ps.Status.Terminal() {
			continue
		}
		if ps.Status == model.StageFailed && ps.RetryCount >= o.cfg.MaxRetries {
			// Terminal failure blocks downstream stages; the article stays
			// visible with whatever enrichment it already has.
			return nil
		}

		if err := o.runStage(ctx, articleID, ps); err != nil {
			return err
		}
	}

	return o.stampIfDone(ctx, articleID)
}

func (o *Orchestrator) runStage(ctx context.Context, articleID int64, ps model.PipelineStage) error {
	article, err := o.store.GetArticle(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load article %d: %w", articleID, err)
	}
	source, err := o.store.GetSource(ctx, article.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", article.SourceID, err)
	}

	start := time.Now().UTC()
	if err := o.store.MarkStageProcessing(ctx, articleID, ps.Stage, start); err != nil {
		return fmt.Errorf("mark stage processing: %w", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	outcome, runErr := o.runner.Run(stageCtx, article, *source, ps.Stage)
	cancel()

	now := time.Now().UTC()
	if runErr != nil {
		if ctx.Err() != nil {
			// Environmental interruption, not a content failure: leave the
			// stage in processing so the restart retry doesn't count.
			return errShutdown
		}
		if errors.Is(runErr, database.ErrStageReset) {
			return errSuperseded
		}
		if err := o.store.MarkStageFailed(ctx, articleID, ps.Stage, now, runErr.Error()); err != nil {
			if errors.Is(err, database.ErrStageReset) {
				return errSuperseded
			}
			return fmt.Errorf("mark stage failed: %w", err)
		}
		retryCount := ps.RetryCount + 1
		stageErr := &StageError{ArticleID: articleID, Stage: ps.Stage, Err: runErr}
		if retryCount < o.cfg.MaxRetries {
			delay := o.backoff(retryCount)
			o.scheduleRetry(articleID, delay)
			o.logger.Warn("stage failed, retry scheduled",
				"article", articleID, "stage", ps.Stage, "retry", retryCount, "delay", delay, "error", runErr)
		} else {
			o.logger.Error("stage failed terminally",
				"article", articleID, "stage", ps.Stage, "retries", retryCount, "error", runErr)
		}
		return stageErr
	}

	took := now.Sub(start)
	if outcome.Skipped {
		if err := o.store.MarkStageSkipped(ctx, articleID, ps.Stage, now, outcome.Reason); err != nil {
			if errors.Is(err, database.ErrStageReset) {
				return errSuperseded
			}
			return fmt.Errorf("mark stage skipped: %w", err)
		}
		o.logger.Debug("stage skipped", "article", articleID, "stage", ps.Stage, "reason", outcome.Reason)
		return nil
	}
	if err := o.store.MarkStageCompleted(ctx, articleID, ps.Stage, now, took, outcome.Output); err != nil {
		if errors.Is(err, database.ErrStageReset) {
			return errSuperseded
		}
		return fmt.Errorf("mark stage completed: %w", err)
	}
	o.logger.Debug("stage completed", "article", articleID, "stage", ps.Stage, "took", took)
	return nil
}

// backoff doubles per retry: backoff * 2^retryCount.
func (o *Orchestrator) backoff(retryCount int) time.Duration {
	d := o.cfg.RetryBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
	}
	return d
}

func (o *Orchestrator) scheduleRetry(articleID int64, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[articleID]; ok {
		t.Stop()
	}
	o.timers[articleID] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, articleID)
		o.mu.Unlock()
		o.Enqueue(articleID)
	})
}

// stampIfDone sets ai_processed_at once every stage is completed or
// skipped. A terminally failed stage keeps the stamp absent.
func (o *Orchestrator) stampIfDone(ctx context.Context, articleID int64) error {
	stages, err := o.store.GetStages(ctx, articleID)
	if err != nil {
		return fmt.Errorf("reload stages: %w", err)
	}
	for _, ps := range stages {
		if !ps.Status.Terminal() {
			return nil
		}
	}
	if err := o.store.SetArticleProcessedAt(ctx, articleID, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp article %d: %w", articleID, err)
	}
	o.logger.Info("article fully processed", "article", articleID)
	return nil
}

// Package orchestrator contains the dispatcher that routes tasks to stage
// executors, the fan-out/fan-in coordination between stages, and the timeout
// reaper. It is the only component that creates pipeline tasks or moves a
// task out of pending.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/internal/stage"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// Config holds the orchestration policy knobs.
type Config struct {
	// MaxAttempts bounds executor invocations per task (including the first).
	MaxAttempts int
	// TaskTimeout bounds one executor attempt; it is also the threshold the
	// reaper uses to force-fail tasks stuck in running.
	TaskTimeout time.Duration
	// ReapInterval is how often the reaper scans for stuck tasks.
	ReapInterval time.Duration
	// FailOnNoResults fails the master outright when the search stage
	// discovers zero candidates instead of completing an empty pipeline.
	FailOnNoResults bool
	// MaxSearchResults caps fan-out width.
	MaxSearchResults int
	// Workers bounds concurrent executor invocations per stage, sized
	// independently of fan-out width so one wide pipeline cannot starve
	// others.
	Workers WorkerConfig
	// Rates throttles provider calls per stage in requests per second;
	// zero means unlimited.
	Rates RateConfig
}

// WorkerConfig sizes the per-stage worker pools.
type WorkerConfig struct {
	Search  int
	Crawl   int
	Extract int
	Store   int
}

// RateConfig throttles per-stage provider calls (requests/second).
type RateConfig struct {
	Search  float64
	Crawl   float64
	Extract float64
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		TaskTimeout:      2 * time.Minute,
		ReapInterval:     30 * time.Second,
		MaxSearchResults: 10,
		Workers:          WorkerConfig{Search: 2, Crawl: 8, Extract: 4, Store: 2},
	}
}

type queuedTask struct {
	id   string
	kind model.TaskKind
}

// Dispatcher routes pending tasks to executors, chains stage completions,
// and derives master task resolution.
type Dispatcher struct {
	store    taskstore.Store
	fanin    *FanIn
	cfg      Config
	execs    map[model.TaskKind]stage.Executor
	queue    chan queuedTask
	sems     map[model.TaskKind]chan struct{}
	limiters map[model.TaskKind]*rate.Limiter
	cancels  sync.Map // task id -> context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Dispatcher with the given executors. Every non-master kind
// must have exactly one executor registered.
func New(store taskstore.Store, cfg Config, execs ...stage.Executor) (*Dispatcher, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 10
	}

	d := &Dispatcher{
		store:    store,
		fanin:    NewFanIn(store),
		cfg:      cfg,
		execs:    make(map[model.TaskKind]stage.Executor, len(execs)),
		queue:    make(chan queuedTask, 4096),
		sems:     make(map[model.TaskKind]chan struct{}),
		limiters: make(map[model.TaskKind]*rate.Limiter),
	}
	for _, e := range execs {
		if _, dup := d.execs[e.Kind()]; dup {
			return nil, eris.Errorf("dispatcher: duplicate executor for kind %s", e.Kind())
		}
		d.execs[e.Kind()] = e
	}
	for _, kind := range []model.TaskKind{model.KindSearch, model.KindCrawl, model.KindExtract, model.KindStore} {
		if _, ok := d.execs[kind]; !ok {
			return nil, eris.Errorf("dispatcher: missing executor for kind %s", kind)
		}
	}

	workers := map[model.TaskKind]int{
		model.KindSearch:  cfg.Workers.Search,
		model.KindCrawl:   cfg.Workers.Crawl,
		model.KindExtract: cfg.Workers.Extract,
		model.KindStore:   cfg.Workers.Store,
	}
	rates := map[model.TaskKind]float64{
		model.KindSearch:  cfg.Rates.Search,
		model.KindCrawl:   cfg.Rates.Crawl,
		model.KindExtract: cfg.Rates.Extract,
	}
	for kind, n := range workers {
		if n <= 0 {
			n = 4
		}
		d.sems[kind] = make(chan struct{}, n)
	}
	for kind, r := range rates {
		if r > 0 {
			d.limiters[kind] = rate.NewLimiter(rate.Limit(r), 1)
		}
	}
	return d, nil
}

// Start launches the dispatch loop and the timeout reaper. Both stop when
// ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchLoop(ctx)
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reapLoop(ctx)
	}()
}

// Wait blocks until the dispatch and reap loops have exited and all
// in-flight task goroutines have drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit creates a master task and its stage-1 search task, then returns the
// master id immediately. It never blocks waiting for pipeline completion.
func (d *Dispatcher) Submit(ctx context.Context, in model.MasterInput) (string, error) {
	raw := model.MustMarshal(in)
	if err := model.ValidateInput(model.KindMaster, raw); err != nil {
		return "", err
	}

	entityID := uuid.New().String()
	master := model.NewTask(model.KindMaster, "", "", entityID, raw)
	if err := d.store.CreateTask(ctx, master); err != nil {
		return "", eris.Wrap(err, "dispatcher: create master task")
	}

	search := model.NewTask(model.KindSearch, master.ID, "", entityID,
		model.MustMarshal(model.SearchInput{
			Query:      in.SearchQuery(),
			MaxResults: d.cfg.MaxSearchResults,
		}))
	if err := d.store.CreateTask(ctx, search); err != nil {
		return "", eris.Wrap(err, "dispatcher: create search task")
	}

	// The master represents the whole run: running while the stage chain is
	// in flight, resolved only by the dispatcher once the chain finishes.
	if _, err := d.store.UpdateStatus(ctx, master.ID, model.StatusRunning, nil, nil); err != nil {
		return "", eris.Wrap(err, "dispatcher: start master task")
	}

	zap.L().Info("dispatcher: pipeline submitted",
		zap.String("master_id", master.ID),
		zap.String("company", in.Company),
	)
	d.enqueue(search)
	return master.ID, nil
}

// Cancel moves a task and, for master tasks, all its non-terminal
// descendants to cancelled. Running executors receive context cancellation
// and observe it at their next suspension point.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	ids := []string{t.ID}
	if t.Kind == model.KindMaster {
		descendants, err := d.descendants(ctx, t.ID)
		if err != nil {
			return err
		}
		ids = append(ids, descendants...)
	}

	for _, id := range ids {
		_, err := d.store.UpdateStatus(ctx, id, model.StatusCancelled, nil, nil)
		if err != nil && !taskstore.IsInvalidTransition(err) {
			return eris.Wrapf(err, "dispatcher: cancel task %s", id)
		}
		if cancel, ok := d.cancels.Load(id); ok {
			cancel.(context.CancelFunc)()
		}
	}
	zap.L().Info("dispatcher: cancelled", zap.String("task_id", taskID), zap.Int("descendants", len(ids)-1))
	return nil
}

// descendants walks the parent links breadth-first and returns every task
// below root, in discovery order.
func (d *Dispatcher) descendants(ctx context.Context, rootID string) ([]string, error) {
	var out []string
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := d.store.ListByParent(ctx, id)
			if err != nil {
				return nil, eris.Wrapf(err, "dispatcher: list children of %s", id)
			}
			for _, c := range children {
				out = append(out, c.ID)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

func (d *Dispatcher) enqueue(t *model.Task) {
	select {
	case d.queue <- queuedTask{id: t.ID, kind: t.Kind}:
	default:
		// Queue full: push from a goroutine rather than blocking the
		// completion chain.
		go func() { d.queue <- queuedTask{id: t.ID, kind: t.Kind} }()
	}
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.runQueued(ctx, item)
			}()
		}
	}
}

func (d *Dispatcher) runQueued(ctx context.Context, item queuedTask) {
	if lim, ok := d.limiters[item.kind]; ok {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	sem := d.sems[item.kind]
	select {
	case <-ctx.Done():
		return
	case sem <- struct{}{}:
	}
	defer func() { <-sem }()

	d.runTask(ctx, item.id)
}

// runTask moves a pending task to running, drives the executor with the
// retry and timeout policy, records the terminal state, and chains the next
// stage.
func (d *Dispatcher) runTask(ctx context.Context, id string) {
	t, err := d.store.UpdateStatus(ctx, id, model.StatusRunning, nil, nil)
	if err != nil {
		// Lost the CAS: the task was cancelled (or already claimed) before
		// a worker picked it up.
		if !taskstore.IsInvalidTransition(err) {
			zap.L().Error("dispatcher: start task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}

	exec := d.execs[t.Kind]
	log := zap.L().With(zap.String("task_id", t.ID), zap.String("kind", string(t.Kind)))

	taskCtx, cancel := context.WithCancel(ctx)
	d.cancels.Store(t.ID, cancel)
	defer func() {
		d.cancels.Delete(t.ID)
		cancel()
	}()

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    d.cfg.MaxAttempts,
		InitialBackoff: 250 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			if _, incErr := d.store.IncrementAttempt(ctx, t.ID); incErr != nil {
				log.Warn("dispatcher: record attempt", zap.Error(incErr))
			}
			log.Warn("dispatcher: retrying task", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	if !exec.Retryable() {
		retryCfg.MaxAttempts = 1
	}

	output, execErr := resilience.DoVal(taskCtx, retryCfg, func(rctx context.Context) ([]byte, error) {
		attemptCtx, cancelAttempt := context.WithTimeout(rctx, d.cfg.TaskTimeout)
		defer cancelAttempt()
		return exec.Execute(attemptCtx, t)
	})

	if execErr != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			// Cancellation request: Cancel already moved the status, or the
			// dispatcher is shutting down. Either way the branch is done.
			log.Info("dispatcher: task cancelled mid-flight")
			return
		}
		terr := classifyError(t.Kind, execErr)
		failed, err := d.store.UpdateStatus(ctx, t.ID, model.StatusFailed, nil, terr)
		if err != nil {
			if !taskstore.IsInvalidTransition(err) {
				log.Error("dispatcher: record failure", zap.Error(err))
			}
			return
		}
		log.Warn("dispatcher: task failed",
			zap.String("code", string(terr.Code)),
			zap.Int("attempts", failed.AttemptCount),
			zap.String("error", terr.Message),
		)
		d.onTaskTerminal(ctx, failed)
		return
	}

	completed, err := d.store.UpdateStatus(ctx, t.ID, model.StatusCompleted, output, nil)
	if err != nil {
		if !taskstore.IsInvalidTransition(err) {
			log.Error("dispatcher: record completion", zap.Error(err))
		}
		return
	}
	d.onTaskTerminal(ctx, completed)
}

// classifyError maps an executor error onto the structured task error. The
// executor classified retryability; the dispatcher only translates.
func classifyError(kind model.TaskKind, err error) *model.TaskError {
	code := model.ErrCodePermanent
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = model.ErrCodeTimeout
	case func() bool { var ve *model.ValidationError; return errors.As(err, &ve) }():
		code = model.ErrCodeValidation
	case resilience.IsPermanent(err):
		code = model.ErrCodePermanent
	case resilience.IsTransient(err):
		code = model.ErrCodeTransient
	}
	return &model.TaskError{
		Code:    code,
		Stage:   kind,
		Message: err.Error(),
	}
}

// onTaskTerminal chains the next pipeline stage after a task resolves.
// Stage data flows exclusively through recorded task payloads.
func (d *Dispatcher) onTaskTerminal(ctx context.Context, t *model.Task) {
	var err error
	switch t.Kind {
	case model.KindSearch:
		err = d.afterSearch(ctx, t)
	case model.KindCrawl:
		err = d.afterCrawl(ctx, t)
	case model.KindExtract:
		err = d.resolveGroup(ctx, t.GroupID)
	case model.KindStore:
		err = d.finalizeMaster(ctx, t)
	}
	if err != nil {
		zap.L().Error("dispatcher: stage chaining failed",
			zap.String("task_id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.Error(err),
		)
	}
}

// afterSearch fans out one crawl task per discovered candidate. Zero
// candidates short-circuits to an already-resolved empty group.
func (d *Dispatcher) afterSearch(ctx context.Context, t *model.Task) error {
	master, err := d.masterOf(ctx, t)
	if err != nil {
		return err
	}

	if t.Status == model.StatusFailed {
		// Stage 1 failure means nothing could even be discovered; the
		// master fails outright.
		return d.failMaster(ctx, master, &model.TaskError{
			Code:    t.Error.Code,
			Stage:   model.KindSearch,
			Message: fmt.Sprintf("search stage failed: %s", t.Error.Message),
		})
	}

	var out model.SearchOutput
	if err := json.Unmarshal(t.Output, &out); err != nil {
		return eris.Wrap(err, "dispatcher: decode search output")
	}

	if len(out.Candidates) == 0 {
		if d.cfg.FailOnNoResults {
			return d.failMaster(ctx, master, &model.TaskError{
				Code:    model.ErrCodePermanent,
				Stage:   model.KindSearch,
				Message: "search discovered no sources",
			})
		}
		// Empty fan-in: claim a fresh group and go straight to the store
		// stage with an empty payload.
		groupID := uuid.New().String()
		if _, err := d.store.ClaimGroup(ctx, groupID); err != nil {
			return err
		}
		return d.createStoreTask(ctx, master, groupID, nil, 0, 0)
	}

	groupID := uuid.New().String()
	for _, c := range out.Candidates {
		crawl := model.NewTask(model.KindCrawl, t.ID, groupID, t.EntityID,
			model.MustMarshal(model.CrawlInput{URL: c.URL}))
		if err := d.store.CreateTask(ctx, crawl); err != nil {
			return eris.Wrapf(err, "dispatcher: create crawl task for %s", c.URL)
		}
		d.enqueue(crawl)
	}
	zap.L().Info("dispatcher: fanned out crawl tasks",
		zap.String("search_id", t.ID),
		zap.String("group_id", groupID),
		zap.Int("count", len(out.Candidates)),
	)
	return nil
}

// afterCrawl creates the dependent extract task for a successful crawl, or
// re-checks the group when the branch failed. A failed crawl never aborts
// its siblings.
func (d *Dispatcher) afterCrawl(ctx context.Context, t *model.Task) error {
	if t.Status != model.StatusCompleted {
		return d.resolveGroup(ctx, t.GroupID)
	}

	var out model.CrawlOutput
	if err := json.Unmarshal(t.Output, &out); err != nil {
		return eris.Wrap(err, "dispatcher: decode crawl output")
	}

	extract := model.NewTask(model.KindExtract, t.ID, t.GroupID, t.EntityID,
		model.MustMarshal(model.ExtractInput{URL: out.URL, Content: out.Content}))
	if err := d.store.CreateTask(ctx, extract); err != nil {
		return eris.Wrapf(err, "dispatcher: create extract task for %s", out.URL)
	}
	d.enqueue(extract)
	return nil
}

// resolveGroup checks fan-in and, for the single caller that wins the group
// claim, creates the store task with the aggregated outputs.
func (d *Dispatcher) resolveGroup(ctx context.Context, groupID string) error {
	status, err := d.fanin.CheckGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !status.AllTerminal {
		return nil
	}

	claimed, err := d.store.ClaimGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !claimed {
		// A sibling completion already resolved this group.
		return nil
	}

	tasks, err := d.store.ListByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return eris.Errorf("dispatcher: resolved group %s has no members", groupID)
	}
	master, err := d.masterOf(ctx, &tasks[0])
	if err != nil {
		return err
	}

	zap.L().Info("dispatcher: group resolved",
		zap.String("group_id", groupID),
		zap.Int("succeeded", status.Succeeded),
		zap.Int("failed", status.Failed),
	)
	return d.createStoreTask(ctx, master, groupID, status.Outputs, status.Total, status.Failed)
}

func (d *Dispatcher) createStoreTask(ctx context.Context, master *model.Task, groupID string, records []model.StructuredData, total, failed int) error {
	if records == nil {
		records = []model.StructuredData{}
	}
	st := model.NewTask(model.KindStore, master.ID, groupID, master.EntityID,
		model.MustMarshal(model.StoreInput{
			EntityID:      master.EntityID,
			Records:       records,
			SourcesFound:  total,
			SourcesFailed: failed,
		}))
	if err := d.store.CreateTask(ctx, st); err != nil {
		return eris.Wrap(err, "dispatcher: create store task")
	}
	d.enqueue(st)
	return nil
}

// finalizeMaster derives the master's terminal state from the store task.
// Partial branch failure still completes the master; only a failed store
// stage, a failed search, or a fully-failed fan-out fails it.
func (d *Dispatcher) finalizeMaster(ctx context.Context, t *model.Task) error {
	master, err := d.masterOf(ctx, t)
	if err != nil {
		return err
	}

	var in model.StoreInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return eris.Wrap(err, "dispatcher: decode store input")
	}
	succeeded := len(in.Records)

	if t.Status == model.StatusFailed {
		return d.failMaster(ctx, master, &model.TaskError{
			Code:      t.Error.Code,
			Stage:     model.KindStore,
			Message:   fmt.Sprintf("store stage failed: %s", t.Error.Message),
			Succeeded: succeeded,
			Failed:    in.SourcesFailed,
		})
	}

	if in.SourcesFound > 0 && succeeded == 0 {
		return d.failMaster(ctx, master, &model.TaskError{
			Code:      model.ErrCodePermanent,
			Stage:     model.KindExtract,
			Message:   fmt.Sprintf("0 of %d sources processed", in.SourcesFound),
			Succeeded: 0,
			Failed:    in.SourcesFound,
		})
	}

	var out model.StoreOutput
	if err := json.Unmarshal(t.Output, &out); err != nil {
		return eris.Wrap(err, "dispatcher: decode store output")
	}

	result := model.MasterOutput{
		SourcesFound:     in.SourcesFound,
		SourcesProcessed: succeeded,
		SourcesFailed:    in.SourcesFailed,
		RecordIDs:        out.RecordIDs,
		Summary:          fmt.Sprintf("%d of %d sources processed", succeeded, in.SourcesFound),
	}
	if _, err := d.store.UpdateStatus(ctx, master.ID, model.StatusCompleted, model.MustMarshal(result), nil); err != nil {
		if taskstore.IsInvalidTransition(err) {
			return nil // master was cancelled while the store stage ran
		}
		return eris.Wrap(err, "dispatcher: complete master")
	}
	zap.L().Info("dispatcher: pipeline complete",
		zap.String("master_id", master.ID),
		zap.String("summary", result.Summary),
	)
	return nil
}

func (d *Dispatcher) failMaster(ctx context.Context, master *model.Task, terr *model.TaskError) error {
	if _, err := d.store.UpdateStatus(ctx, master.ID, model.StatusFailed, nil, terr); err != nil {
		if taskstore.IsInvalidTransition(err) {
			return nil
		}
		return eris.Wrap(err, "dispatcher: fail master")
	}
	zap.L().Warn("dispatcher: pipeline failed",
		zap.String("master_id", master.ID),
		zap.String("stage", string(terr.Stage)),
		zap.String("error", terr.Message),
	)
	return nil
}

// masterOf walks the parent chain up to the master task.
func (d *Dispatcher) masterOf(ctx context.Context, t *model.Task) (*model.Task, error) {
	current := t
	for current.Kind != model.KindMaster {
		if current.ParentID == "" {
			return nil, eris.Errorf("dispatcher: task %s has no path to a master", t.ID)
		}
		parent, err := d.store.GetTask(ctx, current.ParentID)
		if err != nil {
			return nil, eris.Wrapf(err, "dispatcher: resolve master of %s", t.ID)
		}
		current = parent
	}
	return current, nil
}

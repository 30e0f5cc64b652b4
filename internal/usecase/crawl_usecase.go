package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
	"github.com/user/weibo-harvester/pkg/metrics"
	"github.com/user/weibo-harvester/pkg/utils"
)

const (
	initialBackoff = 5 * time.Second
	maxRetries     = 3
	jitterFactor   = 0.2 // +/- 20%

	reasonInterrupted = "interrupted"
	reasonShutdown    = "service shutdown"
)

// errStopped unwinds the crawl loop after a stop signal.
var errStopped = errors.New("crawl loop stopped")

// Crawler defines the crawl lifecycle operations on a task.
type Crawler interface {
	StartHistory(ctx context.Context, taskID string) (*entity.CrawlTask, error)
	StartIncremental(ctx context.Context, taskID string) (*entity.CrawlTask, error)
	Resume(ctx context.Context, taskID string) (*entity.CrawlTask, error)
	Pause(ctx context.Context, taskID string) (*entity.CrawlTask, error)
	Retry(ctx context.Context, taskID string) (*entity.CrawlTask, error)
	RecoverInterrupted(ctx context.Context) ([]string, error)
	Shutdown(ctx context.Context) error
	Running(taskID string) bool
}

// CrawlOptions tunes the crawl loop. Zero fields take the defaults from
// DefaultCrawlOptions.
type CrawlOptions struct {
	PageSize         int
	MaxPages         int
	MaxFetchRetries  int
	InitialBackoff   time.Duration
	MinPageDelay     time.Duration
	MaxPageDelay     time.Duration
	PauseTimeout     time.Duration
	MaxCredentialAge time.Duration
	LeaseTTL         time.Duration
	Now              func() time.Time
}

// DefaultCrawlOptions returns the production settings.
func DefaultCrawlOptions() CrawlOptions {
	return CrawlOptions{
		PageSize:         20,
		MaxPages:         50,
		MaxFetchRetries:  maxRetries,
		InitialBackoff:   initialBackoff,
		MinPageDelay:     3 * time.Second,
		MaxPageDelay:     8 * time.Second,
		PauseTimeout:     30 * time.Second,
		MaxCredentialAge: 72 * time.Hour,
		LeaseTTL:         2 * time.Minute,
		Now:              time.Now,
	}
}

func (o CrawlOptions) withDefaults() CrawlOptions {
	d := DefaultCrawlOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = d.MaxPages
	}
	if o.MaxFetchRetries < 0 {
		o.MaxFetchRetries = d.MaxFetchRetries
	}
	if o.PauseTimeout <= 0 {
		o.PauseTimeout = d.PauseTimeout
	}
	if o.MaxCredentialAge <= 0 {
		o.MaxCredentialAge = d.MaxCredentialAge
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.MaxPageDelay < o.MinPageDelay {
		o.MaxPageDelay = o.MinPageDelay
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// run is the state shared between one crawl loop and its controllers.
type run struct {
	taskID   string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// mu serialises store writes of the loop against detaching.
	mu       sync.Mutex
	detached bool
}

func newRun(taskID string) *run {
	return &run{taskID: taskID, stop: make(chan struct{}), done: make(chan struct{})}
}

func (r *run) signalStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// locked runs fn while holding the run lock unless the run was detached.
// It reports whether fn ran.
func (r *run) locked(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	fn()
	return true
}

func (r *run) detach() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}

func (r *run) isDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

// CrawlService drives the history and incremental phases of crawl tasks.
// At most one task crawls at a time; the loop runs in the background and the
// public operations return as soon as the new state is persisted.
type CrawlService struct {
	store   repository.Store
	fetcher repository.Fetcher
	creds   repository.CredentialProvider
	lease   repository.LeaseRepository
	sink    repository.ProgressSink
	shards  *TimeShardService
	opts    CrawlOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// ctx outlives individual requests; it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

// NewCrawlService creates the crawl orchestrator.
func NewCrawlService(
	store repository.Store,
	fetcher repository.Fetcher,
	creds repository.CredentialProvider,
	lease repository.LeaseRepository,
	sink repository.ProgressSink,
	opts CrawlOptions,
	logger *zap.Logger,
	m *metrics.Metrics,
) *CrawlService {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CrawlService{
		store:   store,
		fetcher: fetcher,
		creds:   creds,
		lease:   lease,
		sink:    sink,
		shards:  NewTimeShardService(opts.PageSize*opts.MaxPages, logger, m),
		opts:    opts,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/user/weibo-harvester/internal/usecase"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
	}
}

// StartHistory begins the backward crawl from now to the task's event start.
func (s *CrawlService) StartHistory(ctx context.Context, taskID string) (*entity.CrawlTask, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != entity.StatusCreated {
		return nil, &entity.TransitionError{From: task.Status, To: entity.StatusHistoryCrawling}
	}

	return s.begin(ctx, task, s.historyCheckpoint(task))
}

// historyCheckpoint covers the whole history window of task, from now back
// to its event start.
func (s *CrawlService) historyCheckpoint(task *entity.CrawlTask) *entity.CrawlCheckpoint {
	now := s.opts.Now()
	window := entity.TimeRange{Start: task.EventStartTime, End: now}.AlignToHours()
	return entity.NewCheckpoint(task.ID, entity.Backward, window, now)
}

// StartIncremental crawls forward from the newest stored post to now. When
// the window is exhausted the task returns to HistoryCompleted so the call
// can be repeated later.
func (s *CrawlService) StartIncremental(ctx context.Context, taskID string) (*entity.CrawlTask, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != entity.StatusHistoryCompleted {
		return nil, &entity.TransitionError{From: task.Status, To: entity.StatusIncrementalCrawling}
	}

	now := s.opts.Now()
	from := task.EventStartTime
	if task.MaxPostTime != nil {
		from = *task.MaxPostTime
	}
	window := entity.TimeRange{Start: from, End: now}.AlignToHours()
	cp := entity.NewCheckpoint(task.ID, entity.Forward, window, now)
	return s.begin(ctx, task, cp)
}

// Resume continues a paused task from its checkpoint.
func (s *CrawlService) Resume(ctx context.Context, taskID string) (*entity.CrawlTask, error) {
	return s.restart(ctx, taskID, entity.StatusPaused)
}

// Retry restarts a failed task in the phase it failed in.
func (s *CrawlService) Retry(ctx context.Context, taskID string) (*entity.CrawlTask, error) {
	return s.restart(ctx, taskID, entity.StatusFailed)
}

func (s *CrawlService) restart(ctx context.Context, taskID string, from entity.TaskStatus) (*entity.CrawlTask, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != from {
		// Report the phase we would have entered, history by default.
		to := entity.StatusHistoryCrawling
		if cp, err := s.store.LoadCheckpoint(ctx, taskID); err == nil {
			to = cp.Direction.Phase()
		}
		return nil, &entity.TransitionError{From: task.Status, To: to}
	}

	cp, err := s.store.LoadCheckpoint(ctx, taskID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// Without a checkpoint the phase is unknown. Crawling the history
		// window again is safe since stored posts are deduplicated.
		s.logger.Warn("no checkpoint, restarting from the history window",
			zap.String("task_id", taskID),
			zap.String("status", string(task.Status)),
		)
		cp = s.historyCheckpoint(task)
	case err != nil:
		return nil, fmt.Errorf("load checkpoint of task %s: %w", taskID, err)
	}
	return s.begin(ctx, task, cp)
}

// begin checks credentials, takes the lease, persists the crawling state and
// launches the loop.
func (s *CrawlService) begin(ctx context.Context, task *entity.CrawlTask, cp *entity.CrawlCheckpoint) (*entity.CrawlTask, error) {
	to := cp.Direction.Phase()
	if !entity.CanTransition(task.Status, to) {
		return nil, &entity.TransitionError{From: task.Status, To: to}
	}
	if err := s.checkCredentials(ctx); err != nil {
		return nil, err
	}
	if other := s.runningOther(task.ID); other != "" {
		return nil, fmt.Errorf("%w: task %s is crawling", ErrCrawlConflict, other)
	}
	if err := s.acquire(ctx, task.ID); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	if err := task.TransitionTo(to, now); err != nil {
		s.release(ctx, task.ID)
		return nil, err
	}
	cp.SavedAt = now.UTC()
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		s.release(ctx, task.ID)
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.release(ctx, task.ID)
		return nil, fmt.Errorf("save task: %w", err)
	}
	s.metrics.TaskTransitions.WithLabelValues(string(to)).Inc()

	s.logger.Info("crawl started",
		zap.String("task_id", task.ID),
		zap.String("keyword", task.Keyword),
		zap.String("direction", string(cp.Direction)),
		zap.Stringer("window", cp.Window),
		zap.Int("next_page", cp.NextPage()),
	)
	s.launch(task.ID)
	return task, nil
}

func (s *CrawlService) checkCredentials(ctx context.Context) error {
	creds, err := s.creds.Current(ctx)
	if err != nil {
		return &ValidationError{Field: "credentials", Reason: err.Error()}
	}
	if age := creds.Age(s.opts.Now()); age > s.opts.MaxCredentialAge {
		return &ValidationError{
			Field:  "credentials",
			Reason: fmt.Sprintf("session is %s old, limit is %s", age.Round(time.Minute), s.opts.MaxCredentialAge),
		}
	}
	return nil
}

func (s *CrawlService) acquire(ctx context.Context, taskID string) error {
	err := s.lease.Acquire(ctx, taskID, s.opts.LeaseTTL)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrLeaseHeld) {
		holder, herr := s.lease.Holder(ctx)
		if herr != nil || holder == "" {
			return ErrCrawlConflict
		}
		return fmt.Errorf("%w: task %s is crawling", ErrCrawlConflict, holder)
	}
	return fmt.Errorf("acquire crawl lease: %w", err)
}

func (s *CrawlService) release(ctx context.Context, taskID string) {
	if err := s.lease.Release(ctx, taskID); err != nil {
		s.logger.Warn("failed to release crawl lease", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *CrawlService) launch(taskID string) {
	r := newRun(taskID)
	s.mu.Lock()
	s.runs[taskID] = r
	s.mu.Unlock()
	s.metrics.ActiveCrawls.Inc()
	go s.crawl(r)
}

// forget removes r from the run table if it is still the current run.
func (s *CrawlService) forget(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runs[r.taskID]; ok && cur == r {
		delete(s.runs, r.taskID)
		s.metrics.ActiveCrawls.Dec()
	}
}

// runningOther returns the id of a task other than taskID whose loop is
// still running in this process, or "".
func (s *CrawlService) runningOther(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.runs {
		if id != taskID {
			return id
		}
	}
	return ""
}

// heartbeat refreshes the lease every third of its TTL until stop is
// closed. Planning and retry chains can outlast the TTL without committing
// a page. Refreshes run under the run lock so none lands after a detach
// released the lease.
func (s *CrawlService) heartbeat(r *run, stop <-chan struct{}) {
	ticker := time.NewTicker(max(s.opts.LeaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			var err error
			if !r.locked(func() { err = s.lease.Refresh(s.ctx, r.taskID, s.opts.LeaseTTL) }) {
				return
			}
			if err != nil {
				s.logger.Warn("failed to refresh crawl lease", zap.String("task_id", r.taskID), zap.Error(err))
			}
		}
	}
}

// Running reports whether a crawl loop is active for the task.
func (s *CrawlService) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[taskID]
	return ok
}

// Pause stops the task's loop between pages and marks it Paused. If the loop
// does not finish its in-flight page within the pause timeout it is detached
// and that page is dropped.
func (s *CrawlService) Pause(ctx context.Context, taskID string) (*entity.CrawlTask, error) {
	return s.stopAndPause(ctx, taskID, "")
}

func (s *CrawlService) stopAndPause(ctx context.Context, taskID, reason string) (*entity.CrawlTask, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsCrawling() {
		return nil, &entity.TransitionError{From: task.Status, To: entity.StatusPaused}
	}

	s.mu.Lock()
	r := s.runs[taskID]
	s.mu.Unlock()

	// Once the loop is told to stop the pause must be persisted even if the
	// caller goes away, or the task would report crawling with no loop.
	waitCtx := ctx
	ctx = context.WithoutCancel(ctx)

	if r != nil {
		r.signalStop()
		timer := time.NewTimer(s.opts.PauseTimeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			s.detach(ctx, r, "pause timeout")
		case <-waitCtx.Done():
			s.detach(ctx, r, "caller gave up")
		}
	} else {
		s.release(ctx, taskID)
	}

	// The loop may have reached a terminal state while stopping.
	task, err = s.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	phase := entity.PhaseOfStatus(task.Status)
	if err := task.Pause(reason, s.opts.Now()); err != nil {
		return task, err
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save paused task: %w", err)
	}
	s.metrics.TaskTransitions.WithLabelValues(string(entity.StatusPaused)).Inc()
	s.logger.Info("crawl paused", zap.String("task_id", taskID), zap.String("reason", reason))
	s.publish(ctx, entity.ProgressEvent{
		TaskID:          taskID,
		Kind:            entity.EventPaused,
		Phase:           phase,
		CumulativeCount: task.CrawledCount,
		Reason:          reason,
		At:              task.UpdatedAt,
	})
	return task, nil
}

// detach abandons a loop that did not stop in time: its in-flight page is
// dropped and the lease is freed.
func (s *CrawlService) detach(ctx context.Context, r *run, why string) {
	r.detach()
	s.forget(r)
	s.release(ctx, r.taskID)
	s.logger.Warn("crawl loop did not stop in time, in-flight page dropped",
		zap.String("task_id", r.taskID),
		zap.String("cause", why),
		zap.Duration("timeout", s.opts.PauseTimeout),
	)
}

// RecoverInterrupted pauses tasks left in a crawling status by a previous
// process so they can be resumed. It returns the recovered task ids.
func (s *CrawlService) RecoverInterrupted(ctx context.Context) ([]string, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var recovered []string
	for _, t := range tasks {
		if !t.Status.IsCrawling() || s.Running(t.ID) {
			continue
		}
		if _, err := s.stopAndPause(ctx, t.ID, reasonInterrupted); err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", t.ID, err)
		}
		recovered = append(recovered, t.ID)
	}
	if len(recovered) > 0 {
		s.logger.Info("recovered interrupted tasks", zap.Strings("task_ids", recovered))
	}
	return recovered, nil
}

// Shutdown pauses every running loop and then cancels in-flight fetches.
func (s *CrawlService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.stopAndPause(gctx, id, reasonShutdown)
			if errors.Is(err, entity.ErrInvalidTransition) {
				// Finished on its own while stopping.
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	s.cancel()
	return err
}

// crawl is the background loop of one run.
func (s *CrawlService) crawl(r *run) {
	defer close(r.done)
	defer func() {
		s.forget(r)
		if !r.isDetached() {
			s.release(s.ctx, r.taskID)
		}
	}()

	beatStop, beatDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(beatDone)
		s.heartbeat(r, beatStop)
	}()
	// Runs before the lease is released above.
	defer func() {
		close(beatStop)
		<-beatDone
	}()

	ctx := s.ctx
	log := s.logger.With(zap.String("task_id", r.taskID))

	task, err := s.store.LoadTask(ctx, r.taskID)
	if err != nil {
		log.Error("crawl loop could not load task", zap.Error(err))
		return
	}
	cp, err := s.store.LoadCheckpoint(ctx, r.taskID)
	if err != nil {
		s.fail(r, entity.PhaseOfStatus(task.Status), fmt.Errorf("load checkpoint: %w", err))
		return
	}
	phase := entity.PhaseOf(cp.Direction)

	if !cp.Planned {
		if err := s.plan(ctx, r, task, cp); err != nil {
			s.stopOn(r, phase, err)
			return
		}
	}

	for {
		if r.stopped() {
			log.Info("crawl loop stopped", zap.Int("last_page", cp.CurrentPage))
			return
		}

		page := cp.NextPage()
		shard := cp.Shard
		res, err := s.fetchPage(ctx, r, task.Keyword, shard, page)
		if err != nil {
			s.stopOn(r, phase, err)
			return
		}

		now := s.opts.Now()
		posts := s.stamp(log, res.Items, task.ID, now)

		next := *cp
		next.CompletedShards = slices.Clone(cp.CompletedShards)
		next.CurrentPage = page
		next.SavedAt = now.UTC()
		exhausted := len(res.Items) < s.opts.PageSize || !res.HasMore || page >= s.opts.MaxPages
		more := true
		if exhausted {
			more = next.CompleteShard()
		}

		var inserted int
		var cerr error
		committed := r.locked(func() {
			inserted, cerr = s.store.CommitPage(ctx, repository.PageCommit{Task: task, Checkpoint: &next, Posts: posts})
		})
		if !committed {
			log.Info("dropping page of detached crawl loop", zap.Int("page", page))
			return
		}
		if cerr != nil {
			s.fail(r, phase, fmt.Errorf("store page %d of %s: %w", page, shard, cerr))
			return
		}
		cp = &next

		s.metrics.PagesFetched.WithLabelValues(string(phase)).Inc()
		s.metrics.PostsInserted.Add(float64(inserted))
		log.Debug("page stored",
			zap.Stringer("shard", shard),
			zap.Int("page", page),
			zap.Int("items", len(res.Items)),
			zap.Int("inserted", inserted),
			zap.Int64("crawled_count", task.CrawledCount),
		)
		s.publish(ctx, entity.ProgressEvent{
			TaskID:          task.ID,
			Kind:            entity.EventProgress,
			Phase:           phase,
			Range:           shard,
			Page:            page,
			Inserted:        inserted,
			CumulativeCount: task.CrawledCount,
			At:              now.UTC(),
		})

		if !more {
			s.complete(r, phase)
			return
		}

		var lerr error
		if !r.locked(func() { lerr = s.lease.Refresh(ctx, task.ID, s.opts.LeaseTTL) }) {
			return
		}
		if errors.Is(lerr, repository.ErrLeaseHeld) {
			s.fail(r, phase, fmt.Errorf("crawl lease lost: %w", lerr))
			return
		}
		if lerr != nil {
			log.Warn("failed to refresh crawl lease", zap.Error(lerr))
		}

		if !s.sleep(r, utils.RandomBetween(s.opts.MinPageDelay, s.opts.MaxPageDelay)) {
			log.Info("crawl loop stopped", zap.Int("last_page", cp.CurrentPage))
			return
		}
	}
}

// plan splits the checkpoint window into shards and stores them in crawl
// order.
func (s *CrawlService) plan(ctx context.Context, r *run, task *entity.CrawlTask, cp *entity.CrawlCheckpoint) error {
	ctx, span := s.tracer.Start(ctx, "crawl.plan", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("crawl.window", cp.Window.String()),
	))
	defer span.End()

	probe := func(ctx context.Context, rng entity.TimeRange) (int, error) {
		if r.stopped() {
			return 0, errStopped
		}
		res, err := s.fetchPage(ctx, r, task.Keyword, rng, 1)
		if err != nil {
			return 0, err
		}
		n := max(res.TotalHint, len(res.Items))
		if !s.sleep(r, utils.RandomBetween(s.opts.MinPageDelay, s.opts.MaxPageDelay)) {
			return 0, errStopped
		}
		return n, nil
	}

	shards, err := s.shards.Split(ctx, cp.Window, probe)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return fmt.Errorf("plan %s: %w", cp.Window, err)
	}

	ranges := Ranges(shards)
	if cp.Direction == entity.Backward {
		slices.Reverse(ranges)
	}
	if err := cp.Plan(ranges); err != nil {
		return err
	}
	cp.SavedAt = s.opts.Now().UTC()
	span.SetAttributes(attribute.Int("crawl.shards", len(ranges)))

	var serr error
	if !r.locked(func() { serr = s.store.SaveCheckpoint(ctx, cp) }) {
		return errStopped
	}
	if serr != nil {
		return fmt.Errorf("save planned checkpoint: %w", serr)
	}
	s.logger.Info("crawl window planned",
		zap.String("task_id", task.ID),
		zap.Stringer("window", cp.Window),
		zap.Int("shards", len(ranges)),
	)
	return nil
}

// fetchPage fetches one page, retrying transient failures with exponential
// backoff. Challenges are returned at once as ErrChallengeDetected.
func (s *CrawlService) fetchPage(ctx context.Context, r *run, keyword string, rng entity.TimeRange, page int) (*repository.FetchResult, error) {
	ctx, span := s.tracer.Start(ctx, "crawl.fetch_page", trace.WithAttributes(
		attribute.String("task.id", r.taskID),
		attribute.String("crawl.range", rng.String()),
		attribute.Int("crawl.page", page),
	))
	defer span.End()

	attempts := s.opts.MaxFetchRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.fetchOnce(ctx, keyword, rng, page)
		if err == nil {
			span.SetAttributes(attribute.Int("crawl.items", len(res.Items)))
			return res, nil
		}
		s.metrics.FetchErrors.WithLabelValues(errorType(err)).Inc()
		span.RecordError(err)

		if errors.Is(err, repository.ErrChallengeDetected) {
			span.SetStatus(codes.Error, "challenge")
			return nil, err
		}
		if s.ctx.Err() != nil {
			return nil, errStopped
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := utils.Backoff(s.opts.InitialBackoff, attempt, jitterFactor)
		s.logger.Warn("page fetch failed, retrying",
			zap.String("task_id", r.taskID),
			zap.Stringer("range", rng),
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if !s.sleep(r, wait) {
			return nil, errStopped
		}
	}
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, fmt.Errorf("fetch page %d of %s after %d attempts: %w", page, rng, attempts, lastErr)
}

func (s *CrawlService) fetchOnce(ctx context.Context, keyword string, rng entity.TimeRange, page int) (*repository.FetchResult, error) {
	creds, err := s.creds.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	start := time.Now()
	res, err := s.fetcher.FetchPage(ctx, repository.FetchRequest{
		Keyword:     keyword,
		Range:       rng,
		Page:        page,
		Credentials: creds,
	})
	s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: empty fetch result", repository.ErrUnparseablePage)
	}
	if res.ChallengeDetected {
		return nil, fmt.Errorf("page %d: %w", page, repository.ErrChallengeDetected)
	}
	return res, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, repository.ErrChallengeDetected):
		return "challenge"
	case errors.Is(err, repository.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, repository.ErrNavigationFailed):
		return "navigation"
	case errors.Is(err, repository.ErrUnparseablePage):
		return "unparseable"
	default:
		return "unknown"
	}
}

// stamp attaches task id and crawl time to fetched items and drops items
// that cannot be stored.
func (s *CrawlService) stamp(log *zap.Logger, items []entity.WeiboPost, taskID string, now time.Time) []entity.WeiboPost {
	posts := make([]entity.WeiboPost, 0, len(items))
	crawledAt := now.UTC()
	for _, p := range items {
		p.TaskID = taskID
		p.CrawledAt = crawledAt
		if p.CreatedAt.After(crawledAt) {
			p.CreatedAt = crawledAt
		}
		if err := p.Validate(); err != nil {
			log.Warn("skipping invalid post", zap.String("post_id", p.ID), zap.Error(err))
			continue
		}
		posts = append(posts, p)
	}
	return posts
}

// sleep waits for d unless the run is stopped first. It reports whether
// the full delay elapsed.
func (s *CrawlService) sleep(r *run, d time.Duration) bool {
	if d <= 0 {
		return !r.stopped()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stop:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// stopOn ends the loop according to err.
func (s *CrawlService) stopOn(r *run, phase entity.Phase, err error) {
	switch {
	case errors.Is(err, errStopped):
		s.logger.Info("crawl loop stopped", zap.String("task_id", r.taskID))
	case errors.Is(err, repository.ErrChallengeDetected):
		s.challenged(r, phase, err)
	default:
		s.fail(r, phase, err)
	}
}

// challenged pauses the task after the site served a challenge page.
func (s *CrawlService) challenged(r *run, phase entity.Phase, cause error) {
	reason := "challenge detected: " + cause.Error()
	s.terminate(r, phase, entity.EventPaused, reason, func(t *entity.CrawlTask, now time.Time) error {
		return t.Pause(reason, now)
	})
}

// fail marks the task Failed. Best effort: the task is reloaded so that a
// half-applied page does not leak into the saved counters.
func (s *CrawlService) fail(r *run, phase entity.Phase, cause error) {
	s.terminate(r, phase, entity.EventFailed, cause.Error(), func(t *entity.CrawlTask, now time.Time) error {
		return t.Fail(cause.Error(), now)
	})
}

// complete closes the phase: the task returns to HistoryCompleted and the
// checkpoint is removed.
func (s *CrawlService) complete(r *run, phase entity.Phase) {
	s.terminate(r, phase, entity.EventCompleted, "", func(t *entity.CrawlTask, now time.Time) error {
		return t.TransitionTo(entity.StatusHistoryCompleted, now)
	})
}

func (s *CrawlService) terminate(r *run, phase entity.Phase, kind entity.EventKind, reason string, apply func(*entity.CrawlTask, time.Time) error) {
	ctx := s.ctx
	log := s.logger.With(zap.String("task_id", r.taskID))

	var task *entity.CrawlTask
	var err error
	ran := r.locked(func() {
		task, err = s.store.LoadTask(ctx, r.taskID)
		if err != nil {
			return
		}
		now := s.opts.Now()
		if err = apply(task, now); err != nil {
			return
		}
		if err = s.store.SaveTask(ctx, task); err != nil {
			return
		}
		if kind == entity.EventCompleted {
			if derr := s.store.DeleteCheckpoint(ctx, task.ID); derr != nil {
				log.Warn("failed to delete checkpoint of completed phase", zap.Error(derr))
			}
		}
	})
	if !ran {
		return
	}
	if err != nil {
		log.Error("failed to persist crawl outcome", zap.String("outcome", string(kind)), zap.String("reason", reason), zap.Error(err))
		s.publish(ctx, entity.ProgressEvent{TaskID: r.taskID, Kind: entity.EventFailed, Phase: phase, Reason: err.Error(), At: s.opts.Now().UTC()})
		return
	}

	s.metrics.TaskTransitions.WithLabelValues(string(task.Status)).Inc()
	switch kind {
	case entity.EventCompleted:
		log.Info("crawl phase completed", zap.String("phase", string(phase)), zap.Int64("crawled_count", task.CrawledCount))
	case entity.EventPaused:
		log.Warn("crawl paused", zap.String("reason", reason))
	default:
		log.Error("crawl failed", zap.String("reason", reason))
	}
	s.publish(ctx, entity.ProgressEvent{
		TaskID:          task.ID,
		Kind:            kind,
		Phase:           phase,
		CumulativeCount: task.CrawledCount,
		Reason:          reason,
		At:              task.UpdatedAt,
	})
}

func (s *CrawlService) publish(ctx context.Context, ev entity.ProgressEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish progress event",
			zap.String("task_id", ev.TaskID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

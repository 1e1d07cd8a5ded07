package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	rtsup "pacer/internal/runtime/supervisor"
	"pacer/pkg/eventbus"
	logx "pacer/pkg/logx"
)

// Scheduler admits, paces, runs, retries and reports a batch of tasks.
//
// Typical use:
//
//	s, err := scheduler.New(cfg, runner, scheduler.WithObserver(obs))
//	_ = s.AddTasks(specs...)
//	results, err := s.Start(ctx)
//
// Pause, Resume, Cancel and Status are safe to call from any goroutine.
type Scheduler struct {
	cfg    Config
	runner Runner
	log    logx.Logger
	bus    eventbus.Bus
	obs    Observer
	clock  Clock

	limiter  *tokenBucket
	gate     *gate
	circuits *circuitBreaker

	mu           sync.Mutex
	pending      []*entry
	pendingIDs   map[string]struct{}
	preCancelled bool
	cur          *batch

	hmu     sync.Mutex
	history []HistoryItem
}

// batch is the working set of one Start invocation.
type batch struct {
	id   string
	ctl  *control
	sup  *rtsup.Supervisor
	done chan struct{}

	mu        sync.Mutex
	queue     priorityQueue
	total     int
	waiting   int
	inFlight  int
	succeeded int
	failed    int
	cancelled int
	results   []Result
	finished  bool

	// notifyMu serializes observer callbacks in completion order.
	notifyMu sync.Mutex
}

// New validates cfg and returns an idle Scheduler.
func New(cfg Config, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, configError("runner is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		runner:     runner,
		clock:      systemClock{},
		pendingIDs: map[string]struct{}{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))

	s.limiter = newTokenBucket(cfg.RequestsPerMinute, cfg.Burst, s.clock)
	s.gate = newGate(cfg.MaxConcurrent)
	s.circuits = newCircuitBreaker(cfg)
	return s, nil
}

// Config returns the effective (defaulted) configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// AddTasks queues tasks for the next Start. The call is all-or-nothing:
// on error no task is added.
func (s *Scheduler) AddTasks(specs ...TaskSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil && !s.cur.isFinished() {
		return ErrBatchActive
	}

	seen := make(map[string]struct{}, len(specs))
	entries := make([]*entry, 0, len(specs))
	for _, sp := range specs {
		id := strings.TrimSpace(sp.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := s.pendingIDs[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		if sp.MaxAttempts < 0 {
			return fmt.Errorf("%w: task %s has negative max attempts", ErrInvalidTask, id)
		}
		seen[id] = struct{}{}

		prio := PriorityFor(sp.Category, s.cfg)
		if sp.Priority != nil {
			prio = *sp.Priority
		}
		maxAttempts := sp.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = s.cfg.MaxAttempts
		}
		entries = append(entries, &entry{task: Task{
			ID:          id,
			Payload:     sp.Payload,
			Category:    sp.Category,
			Priority:    prio,
			MaxAttempts: maxAttempts,
		}})
	}

	for _, e := range entries {
		s.pending = append(s.pending, e)
		s.pendingIDs[e.task.ID] = struct{}{}
	}
	return nil
}

// Start runs every task added since the previous batch and blocks until
// the batch is terminal, returning one Result per task in completion
// order (tasks cancelled before running come last).
//
// Calling Start while a batch is running waits for that batch and returns
// its results. If ctx is done before the batch completes, the batch is
// cancelled and the complete result list is returned with ctx.Err().
func (s *Scheduler) Start(ctx context.Context) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if b := s.cur; b != nil && !b.isFinished() {
		s.mu.Unlock()
		select {
		case <-b.done:
			return b.resultsCopy(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b := s.newBatchLocked()
	s.cur = b
	s.mu.Unlock()

	s.launch(ctx, b)
	_ = b.sup.Wait(context.Background())
	results := s.finalize(b)

	if err := ctx.Err(); err != nil && b.ctl.isCancelled() {
		return results, err
	}
	return results, nil
}

func (s *Scheduler) newBatchLocked() *batch {
	b := &batch{
		id:    uuid.NewString(),
		ctl:   newControl(),
		done:  make(chan struct{}),
		total: len(s.pending),
	}
	for _, e := range s.pending {
		b.queue.push(e)
	}
	s.pending = nil
	s.pendingIDs = map[string]struct{}{}
	if s.preCancelled {
		b.ctl.cancel()
		s.preCancelled = false
	}
	return b
}

func (s *Scheduler) launch(ctx context.Context, b *batch) {
	log := s.log.With(logx.String("batch", b.id))
	b.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log),
		// A misbehaving worker must not take the rest of the batch down.
		rtsup.WithCancelOnError(false),
	)

	log.Info("batch.started",
		logx.Int("tasks", b.total),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Int("rpm", s.cfg.RequestsPerMinute),
	)
	s.publish(EventBatchStarted, BatchEvent{BatchID: b.id, Total: b.total})

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		b.sup.Go0(fmt.Sprintf("worker.%d", idx), func(context.Context) {
			s.worker(ctx, b, idx)
		})
	}

	// The Start context acts as an external cancel.
	go func() {
		select {
		case <-ctx.Done():
			if b.ctl.cancel() {
				log.Info("batch.cancelled", logx.String("reason", "context"), logx.Err(ctx.Err()))
				s.publish(EventBatchCancelled, b.event())
			}
		case <-b.done:
		}
	}()
}

// finalize runs after every worker has exited.
func (s *Scheduler) finalize(b *batch) []Result {
	b.mu.Lock()
	for _, e := range b.queue.drain() {
		b.results = append(b.results, Result{
			ID:       e.task.ID,
			Category: e.task.Category,
			Outcome:  OutcomeCancelled,
			Err:      ErrCancelled,
			Attempts: e.task.Attempt,
		})
		b.cancelled++
	}
	b.finished = true
	results := append([]Result(nil), b.results...)
	ev := b.eventLocked()
	b.mu.Unlock()
	b.ctl.release()

	b.notifyMu.Lock()
	if s.obs.OnBatchComplete != nil {
		s.safeCall("on_batch_complete", func() { s.obs.OnBatchComplete(results) })
	}
	b.notifyMu.Unlock()

	s.log.Info("batch.completed",
		logx.String("batch", b.id),
		logx.Int("total", ev.Total),
		logx.Int("succeeded", ev.Succeeded),
		logx.Int("failed", ev.Failed),
		logx.Int("cancelled", ev.Cancelled),
	)
	s.publish(EventBatchCompleted, ev)
	close(b.done)
	return results
}

// active returns the running batch, or nil.
func (s *Scheduler) active() *batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.isFinished() {
		return nil
	}
	return s.cur
}

// Pause stops workers from dequeuing further tasks. In-flight tasks finish.
// It is a no-op unless a batch is running and not already paused.
func (s *Scheduler) Pause() {
	b := s.active()
	if b == nil {
		return
	}
	if b.ctl.pause() {
		s.log.Info("batch.paused", logx.String("batch", b.id))
		s.publish(EventBatchPaused, b.event())
	}
}

// Resume releases paused workers. It is a no-op unless paused.
func (s *Scheduler) Resume() {
	b := s.active()
	if b == nil {
		return
	}
	if b.ctl.resume() {
		s.log.Info("batch.resumed", logx.String("batch", b.id))
		s.publish(EventBatchResumed, b.event())
	}
}

// Cancel stops the running batch cooperatively: no queued task starts
// after it is observed, dispatched runner calls are allowed to settle.
// Called before Start (with tasks added) it makes the next Start return
// every task as cancelled. After a terminal batch it is a no-op unless
// tasks have been added since; those form the next batch, which is then
// cancelled in the same way.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	b := s.cur
	if b == nil || b.isFinished() {
		if b == nil || len(s.pending) > 0 {
			s.preCancelled = true
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if b.ctl.cancel() {
		s.log.Info("batch.cancelled", logx.String("batch", b.id), logx.String("reason", "request"))
		s.publish(EventBatchCancelled, b.event())
	}
}

// Status returns a point-in-time snapshot of the current or last batch.
// Tasks added after a terminal batch are reported as an idle batch.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	b := s.cur
	pending := len(s.pending)
	s.mu.Unlock()

	if b == nil || (pending > 0 && b.isFinished()) {
		return Status{
			State:     StateIdle.String(),
			Total:     pending,
			Remaining: pending,
			Queued:    pending,
		}
	}
	return b.status()
}

// Snapshot returns Status plus diagnostics (history, circuits, workers).
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Status:            s.Status(),
		Workers:           s.cfg.Workers,
		MaxConcurrent:     s.cfg.MaxConcurrent,
		RequestsPerMinute: s.cfg.RequestsPerMinute,
		TokensAvailable:   s.limiter.tokens(),
		PermitsInUse:      s.gate.inUse(),
	}
	if s.bus != nil {
		snap.EventsDropped = eventbus.Dropped(s.bus)
	}

	s.mu.Lock()
	b := s.cur
	s.mu.Unlock()
	if b != nil && b.sup != nil {
		snap.WorkersActive = int(b.sup.Counters().Active)
	}

	snap.CircuitTotal, snap.CircuitOpen = s.circuits.snapshot(s.clock.Now())

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

func (s *Scheduler) recordHistory(item HistoryItem) {
	if s.cfg.HistorySize <= 0 {
		return
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// safeCall shields workers from panicking observer callbacks.
func (s *Scheduler) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panicked", logx.String("callback", name), logx.Any("panic", r))
		}
	}()
	fn()
}

// ---- batch helpers ----

func (b *batch) isFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

func (b *batch) resultsCopy() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Result(nil), b.results...)
}

// dequeue pops the best task; the caller now holds it as "waiting".
func (b *batch) dequeue() (*entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.queue.pop()
	if ok {
		b.waiting++
	}
	return e, ok
}

// unwait puts a task that was never admitted back in its original queue position.
func (b *batch) unwait(e *entry) {
	b.mu.Lock()
	b.waiting--
	b.queue.restore(e)
	b.mu.Unlock()
}

// admit moves a waiting task to in-flight.
func (b *batch) admit() {
	b.mu.Lock()
	b.waiting--
	b.inFlight++
	b.mu.Unlock()
}

// unadmit returns an in-flight task that did not start to the queue.
func (b *batch) unadmit(e *entry) {
	b.mu.Lock()
	b.inFlight--
	b.queue.restore(e)
	b.mu.Unlock()
}

// requeue moves an in-flight task back to the queue for another attempt.
func (b *batch) requeue(e *entry) {
	b.mu.Lock()
	b.inFlight--
	b.queue.push(e)
	b.mu.Unlock()
}

// record stores a terminal result for an in-flight task and returns the
// completed/total counts it produced.
func (b *batch) record(r Result) (completed, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	b.results = append(b.results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		b.succeeded++
	case OutcomeFailure:
		b.failed++
	default:
		b.cancelled++
	}
	return len(b.results), b.total
}

func (b *batch) event() BatchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventLocked()
}

func (b *batch) eventLocked() BatchEvent {
	return BatchEvent{
		BatchID:   b.id,
		Total:     b.total,
		Completed: len(b.results),
		Succeeded: b.succeeded,
		Failed:    b.failed,
		Cancelled: b.cancelled,
	}
}

func (b *batch) state() State {
	cancelled := b.ctl.isCancelled()
	switch {
	case b.finished && cancelled:
		return StateCancelled
	case b.finished:
		return StateCompleted
	case cancelled:
		return StateCancelled
	case b.ctl.isPaused():
		return StatePaused
	default:
		return StateRunning
	}
}

func (b *batch) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	completed := len(b.results)
	st := b.state()
	out := Status{
		BatchID:   b.id,
		State:     st.String(),
		Running:   !b.finished,
		Paused:    st == StatePaused,
		Cancelled: b.ctl.isCancelled(),
		Completed: completed,
		Total:     b.total,
		Remaining: b.total - completed,
		Queued:    b.queue.Len() + b.waiting,
		Waiting:   b.waiting,
		InFlight:  b.inFlight,
		Succeeded: b.succeeded,
		Failed:    b.failed,
	}
	switch {
	case b.total > 0:
		out.ProgressPercent = float64(completed) * 100 / float64(b.total)
	case b.finished:
		out.ProgressPercent = 100
	}
	return out
}

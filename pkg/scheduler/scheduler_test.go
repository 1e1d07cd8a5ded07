package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pacer/pkg/eventbus"
)

// fastConfig keeps rate limiting and backoff out of the way.
func fastConfig() Config {
	return Config{
		MaxConcurrent:     3,
		RequestsPerMinute: 60_000,
		RetryBase:         time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
	}
}

func specs(ids ...string) []TaskSpec {
	out := make([]TaskSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, TaskSpec{ID: id, Payload: id})
	}
	return out
}

func mustNew(t *testing.T, cfg Config, r Runner, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, r, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustStart(t *testing.T, s *Scheduler) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

func byID(results []Result) map[string]Result {
	m := make(map[string]Result, len(results))
	for _, r := range results {
		m[r.ID] = r
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	ok := RunnerFunc(func(context.Context, any) (any, error) { return nil, nil })

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "negative concurrency", cfg: Config{MaxConcurrent: -1}},
		{name: "negative rpm", cfg: Config{RequestsPerMinute: -5}},
		{name: "negative attempts", cfg: Config{MaxAttempts: -1}},
		{name: "max below base", cfg: Config{RetryBase: time.Second, RetryMaxDelay: time.Millisecond}},
		{name: "jitter out of range", cfg: Config{RetryJitter: 1.5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, ok); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := New(Config{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil runner error = %v, want ErrInvalidConfig", err)
	}

	s := mustNew(t, Config{}, ok)
	got := s.Config()
	if got.MaxConcurrent != 3 || got.Workers != 3 || got.RequestsPerMinute != 60 || got.Burst != 60 || got.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestAddTasksValidation(t *testing.T) {
	t.Parallel()
	s := mustNew(t, fastConfig(), RunnerFunc(func(context.Context, any) (any, error) { return nil, nil }))

	if err := s.AddTasks(specs("a", "b")...); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	if err := s.AddTasks(specs("c", "a")...); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate error = %v, want ErrDuplicateTask", err)
	}
	if err := s.AddTasks(TaskSpec{ID: "x", MaxAttempts: -1}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("invalid task error = %v, want ErrInvalidTask", err)
	}
	if err := s.AddTasks(TaskSpec{}); err != nil {
		t.Fatalf("AddTasks without id: %v", err)
	}

	st := s.Status()
	if st.State != "idle" || st.Total != 3 {
		t.Fatalf("status = %+v, want idle with 3 tasks (c rejected atomically)", st)
	}

	res := mustStart(t, s)
	if len(res) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(res))
	}
	for _, r := range res {
		if r.ID == "" {
			t.Fatal("generated id is empty")
		}
	}
}

func TestStartEmptyBatch(t *testing.T) {
	t.Parallel()
	var batches atomic.Int32
	s := mustNew(t, fastConfig(), RunnerFunc(func(context.Context, any) (any, error) { return nil, nil }),
		WithObserver(Observer{OnBatchComplete: func([]Result) { batches.Add(1) }}))

	res := mustStart(t, s)
	if len(res) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(res))
	}
	if batches.Load() != 1 {
		t.Fatalf("OnBatchComplete calls = %d, want 1", batches.Load())
	}
	st := s.Status()
	if st.State != "completed" || st.Running || st.ProgressPercent != 100 {
		t.Fatalf("status = %+v", st)
	}
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		cur.Add(-1)
		return "ok", nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	cfg.Workers = 5
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("1", "2", "3", "4", "5", "6", "7", "8")...)

	res := mustStart(t, s)
	if len(res) != 8 {
		t.Fatalf("len(results) = %d, want 8", len(res))
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
	if p := peak.Load(); p < 2 {
		t.Fatalf("peak concurrency = %d, expected the limit to be reached", p)
	}
}

func TestRateLimitPacesStarts(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var starts []time.Time
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	})

	cfg := fastConfig()
	cfg.RequestsPerMinute = 600 // one token per 100ms
	cfg.Burst = 1
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("a", "b", "c", "d", "e")...)

	begin := time.Now()
	mustStart(t, s)
	elapsed := time.Since(begin)

	if elapsed < 350*time.Millisecond {
		t.Fatalf("5 starts took %v, want >= ~400ms", elapsed)
	}
	if len(starts) != 5 {
		t.Fatalf("starts = %d, want 5", len(starts))
	}
}

func TestPriorityOrderWithSingleSlot(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	runner := RunnerFunc(func(_ context.Context, p any) (any, error) {
		mu.Lock()
		order = append(order, p.(string))
		mu.Unlock()
		return nil, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	cfg.PrioritizeByCategory = true
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(
		TaskSpec{ID: "A", Category: CategoryHigh, Payload: "A"},
		TaskSpec{ID: "B", Category: CategoryLow, Payload: "B"},
		TaskSpec{ID: "C", Category: CategoryHigh, Payload: "C"},
	)
	mustStart(t, s)

	if got := strings.Join(order, ","); got != "A,C,B" {
		t.Fatalf("order = %s, want A,C,B", got)
	}
}

func TestExplicitPriorityOverridesCategory(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	runner := RunnerFunc(func(_ context.Context, p any) (any, error) {
		mu.Lock()
		order = append(order, p.(string))
		mu.Unlock()
		return nil, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	cfg.PrioritizeByCategory = true
	s := mustNew(t, cfg, runner)
	urgent := 500
	_ = s.AddTasks(
		TaskSpec{ID: "h", Category: CategoryHigh, Payload: "h"},
		TaskSpec{ID: "l", Category: CategoryLow, Payload: "l", Priority: &urgent},
	)
	mustStart(t, s)

	if got := strings.Join(order, ","); got != "l,h" {
		t.Fatalf("order = %s, want l,h", got)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var errorsSeen atomic.Int32
	boom := errors.New("boom")
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, boom
	})

	s := mustNew(t, fastConfig(), runner, WithObserver(Observer{
		OnError: func(_ Task, err error) {
			if !errors.Is(err, boom) {
				t.Errorf("OnError err = %v, want boom", err)
			}
			errorsSeen.Add(1)
		},
	}))
	_ = s.AddTasks(specs("only")...)
	res := mustStart(t, s)

	if calls.Load() != 3 {
		t.Fatalf("runner calls = %d, want 3", calls.Load())
	}
	if errorsSeen.Load() != 1 {
		t.Fatalf("OnError calls = %d, want 1", errorsSeen.Load())
	}
	if len(res) != 1 || res[0].Outcome != OutcomeFailure || res[0].Attempts != 3 || !errors.Is(res[0].Err, boom) {
		t.Fatalf("result = %+v", res)
	}
	st := s.Status()
	if st.Failed != 1 || st.Completed != 1 || st.State != "completed" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "done", nil
	})

	cfg := fastConfig()
	cfg.MaxAttempts = 5
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("t")...)
	res := mustStart(t, s)

	if len(res) != 1 || !res[0].OK() || res[0].Attempts != 3 || res[0].Value != "done" {
		t.Fatalf("result = %+v", res)
	}
}

func TestPerTaskMaxAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New("x")
	})
	s := mustNew(t, fastConfig(), runner)
	_ = s.AddTasks(TaskSpec{ID: "one-shot", MaxAttempts: 1})
	mustStart(t, s)

	if calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", calls.Load())
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	bad := errors.New("bad payload")
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, NoRetry(bad)
	})
	s := mustNew(t, fastConfig(), runner)
	_ = s.AddTasks(specs("t")...)
	res := mustStart(t, s)

	if calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", calls.Load())
	}
	if res[0].Outcome != OutcomeFailure || res[0].Err != bad {
		t.Fatalf("result = %+v, want unwrapped failure", res[0])
	}
}

func TestRetryLowersPriority(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	failedOnce := map[string]bool{}
	runner := RunnerFunc(func(_ context.Context, p any) (any, error) {
		id := p.(string)
		mu.Lock()
		defer mu.Unlock()
		order = append(order, id)
		if id == "a" && !failedOnce[id] {
			failedOnce[id] = true
			return nil, errors.New("retry me")
		}
		return nil, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	cfg.PrioritizeByCategory = true
	cfg.PriorityPenalty = 1
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(
		TaskSpec{ID: "a", Category: CategoryNormal, Payload: "a"},
		TaskSpec{ID: "b", Category: CategoryNormal, Payload: "b"},
	)
	mustStart(t, s)

	if got := strings.Join(order, ","); got != "a,b,a" {
		t.Fatalf("order = %s, want a,b,a", got)
	}
}

func TestRunnerPanicIsAFailure(t *testing.T) {
	t.Parallel()
	runner := RunnerFunc(func(context.Context, any) (any, error) { panic("kaboom") })
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("p")...)
	res := mustStart(t, s)

	if res[0].Outcome != OutcomeFailure || res[0].Attempts != 2 {
		t.Fatalf("result = %+v", res[0])
	}
	if !strings.Contains(res[0].Err.Error(), "kaboom") {
		t.Fatalf("err = %v, want panic message", res[0].Err)
	}
}

func TestAttemptTimeoutBoundsRunner(t *testing.T) {
	t.Parallel()
	runner := RunnerFunc(func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = 20 * time.Millisecond
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("slow")...)
	res := mustStart(t, s)

	if !errors.Is(res[0].Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", res[0].Err)
	}
}

func TestAccountingInvariantAndProgress(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	var mu sync.Mutex
	var seen []int
	runner := RunnerFunc(func(_ context.Context, p any) (any, error) {
		time.Sleep(2 * time.Millisecond)
		if p.(string) == "f" {
			return nil, errors.New("nope")
		}
		return p, nil
	})

	s = mustNew(t, fastConfig(), runner, WithObserver(Observer{
		OnProgress: func(completed, total int, _ Task) {
			st := s.Status()
			if st.Completed+st.Queued+st.InFlight != st.Total {
				t.Errorf("accounting broken: %+v", st)
			}
			if total != 6 {
				t.Errorf("total = %d, want 6", total)
			}
			mu.Lock()
			seen = append(seen, completed)
			mu.Unlock()
		},
	}))
	_ = s.AddTasks(specs("a", "b", "c", "d", "e", "f")...)
	res := mustStart(t, s)

	if len(res) != 6 {
		t.Fatalf("len(results) = %d, want 6", len(res))
	}
	for i, c := range seen {
		if c != i+1 {
			t.Fatalf("progress sequence = %v, want strictly increasing from 1", seen)
		}
	}
	st := s.Status()
	if st.Succeeded != 5 || st.Failed != 1 || st.Remaining != 0 || st.ProgressPercent != 100 {
		t.Fatalf("final status = %+v", st)
	}
}

func TestPauseStopsNewStarts(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	var started atomic.Int32
	paused := make(chan struct{})
	var once sync.Once

	runner := RunnerFunc(func(context.Context, any) (any, error) {
		started.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	s = mustNew(t, cfg, runner, WithObserver(Observer{
		OnItemComplete: func(Result) {
			once.Do(func() {
				s.Pause()
				s.Pause()
				close(paused)
			})
		},
	}))
	_ = s.AddTasks(specs("1", "2", "3", "4", "5")...)

	done := make(chan []Result, 1)
	go func() {
		res, _ := s.Start(context.Background())
		done <- res
	}()

	<-paused
	st := s.Status()
	if !st.Paused || st.State != "paused" {
		t.Fatalf("status after pause = %+v", st)
	}
	before := started.Load()
	time.Sleep(60 * time.Millisecond)
	if after := started.Load(); after != before {
		t.Fatalf("tasks started while paused: %d -> %d", before, after)
	}

	s.Resume()
	s.Resume()
	select {
	case res := <-done:
		if len(res) != 5 {
			t.Fatalf("len(results) = %d, want 5", len(res))
		}
		for _, r := range res {
			if !r.OK() {
				t.Fatalf("result = %+v, want success", r)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete after resume")
	}
}

func TestCancelStopsQueuedTasks(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	s = mustNew(t, cfg, runner, WithObserver(Observer{
		OnItemComplete: func(Result) { s.Cancel() },
	}))
	_ = s.AddTasks(specs("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")...)
	res := mustStart(t, s)

	if calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", calls.Load())
	}
	if len(res) != 10 {
		t.Fatalf("len(results) = %d, want 10", len(res))
	}
	cancelled := 0
	for _, r := range res {
		if r.Outcome == OutcomeCancelled {
			if !errors.Is(r.Err, ErrCancelled) {
				t.Fatalf("cancelled result err = %v", r.Err)
			}
			cancelled++
		}
	}
	if cancelled != 9 {
		t.Fatalf("cancelled = %d, want 9", cancelled)
	}
	st := s.Status()
	if st.State != "cancelled" || st.Running || !st.Cancelled {
		t.Fatalf("status = %+v", st)
	}

	// Cancel after the batch is terminal changes nothing.
	s.Cancel()
	if got := s.Status().State; got != "cancelled" {
		t.Fatalf("state after late cancel = %s", got)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var batches atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	s := mustNew(t, fastConfig(), runner, WithObserver(Observer{
		OnBatchComplete: func([]Result) { batches.Add(1) },
	}))
	_ = s.AddTasks(specs("a", "b", "c")...)
	s.Cancel()
	res := mustStart(t, s)

	if calls.Load() != 0 {
		t.Fatalf("runner calls = %d, want 0", calls.Load())
	}
	if len(res) != 3 || batches.Load() != 1 {
		t.Fatalf("results = %d, batches = %d", len(res), batches.Load())
	}
	for _, r := range res {
		if r.Outcome != OutcomeCancelled || r.Attempts != 0 {
			t.Fatalf("result = %+v, want cancelled with 0 attempts", r)
		}
	}

	// The next batch runs normally.
	_ = s.AddTasks(specs("d")...)
	res = mustStart(t, s)
	if len(res) != 1 || !res[0].OK() {
		t.Fatalf("second batch = %+v", res)
	}
}

func TestCancelDuringInFlightTask(t *testing.T) {
	t.Parallel()
	for _, discard := range []bool{false, true} {
		discard := discard
		t.Run(fmt.Sprintf("discard=%v", discard), func(t *testing.T) {
			t.Parallel()
			release := make(chan struct{})
			running := make(chan struct{})
			var items atomic.Int32
			runner := RunnerFunc(func(context.Context, any) (any, error) {
				close(running)
				<-release
				return "late", nil
			})
			cfg := fastConfig()
			cfg.MaxConcurrent = 1
			cfg.Workers = 1
			cfg.DiscardLateResults = discard
			s := mustNew(t, cfg, runner, WithObserver(Observer{
				OnItemComplete: func(Result) { items.Add(1) },
			}))
			_ = s.AddTasks(specs("slow", "queued")...)

			done := make(chan []Result, 1)
			go func() {
				res, _ := s.Start(context.Background())
				done <- res
			}()

			<-running
			s.Cancel()
			if st := s.Status(); st.InFlight != 1 || !st.Running {
				t.Fatalf("status during cancel = %+v, want one in flight", st)
			}
			close(release)

			res := byID(<-done)
			slow := res["slow"]
			if discard {
				if slow.Outcome != OutcomeCancelled || items.Load() != 0 {
					t.Fatalf("slow = %+v, items = %d; want discarded", slow, items.Load())
				}
			} else if !slow.OK() || slow.Value != "late" || items.Load() != 1 {
				t.Fatalf("slow = %+v, items = %d; want late success kept", slow, items.Load())
			}
			if res["queued"].Outcome != OutcomeCancelled {
				t.Fatalf("queued = %+v, want cancelled", res["queued"])
			}
		})
	}
}

func TestContextCancelEndsBatch(t *testing.T) {
	t.Parallel()
	running := make(chan struct{}, 1)
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		select {
		case running <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("1", "2", "3", "4")...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-running
		cancel()
	}()
	res, err := s.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start err = %v, want context.Canceled", err)
	}
	if len(res) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(res))
	}
	if s.Status().State != "cancelled" {
		t.Fatalf("state = %s, want cancelled", s.Status().State)
	}
}

func TestStartWhileRunningJoinsBatch(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	running := make(chan struct{}, 1)
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		select {
		case running <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	})
	s := mustNew(t, fastConfig(), runner)
	_ = s.AddTasks(specs("a", "b")...)

	first := make(chan []Result, 1)
	go func() {
		res, _ := s.Start(context.Background())
		first <- res
	}()
	<-running

	if err := s.AddTasks(specs("late")...); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("AddTasks during batch = %v, want ErrBatchActive", err)
	}

	batchID := s.Status().BatchID
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if res, err := s.Start(ctx); !errors.Is(err, context.DeadlineExceeded) || res != nil {
		t.Fatalf("joined Start = (%v, %v), want (nil, deadline exceeded)", res, err)
	}
	if got := s.Status(); got.BatchID != batchID || !got.Running {
		t.Fatalf("joining Start must not replace or stop the batch: %+v", got)
	}

	close(release)
	if res := <-first; len(res) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(res))
	}
}

func TestEndToEndMixedBatch(t *testing.T) {
	t.Parallel()
	var batchResults []Result
	var items atomic.Int32
	runner := RunnerFunc(func(_ context.Context, p any) (any, error) {
		time.Sleep(3 * time.Millisecond)
		return fmt.Sprintf("done:%v", p), nil
	})
	cfg := fastConfig()
	cfg.RequestsPerMinute = 6000
	cfg.Burst = 10
	cfg.PrioritizeByCategory = true
	s := mustNew(t, cfg, runner, WithObserver(Observer{
		OnItemComplete:  func(Result) { items.Add(1) },
		OnBatchComplete: func(r []Result) { batchResults = r },
	}))

	cats := []Category{CategoryHigh, CategoryNormal, CategoryLow}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("task-%d", i)
		if err := s.AddTasks(TaskSpec{ID: id, Category: cats[i%3], Payload: id}); err != nil {
			t.Fatalf("AddTasks: %v", err)
		}
	}
	res := mustStart(t, s)

	if len(res) != 10 || len(batchResults) != 10 || items.Load() != 10 {
		t.Fatalf("results = %d, batch = %d, items = %d", len(res), len(batchResults), items.Load())
	}
	for id, r := range byID(res) {
		if r.Value != "done:"+id {
			t.Fatalf("result %s value = %v", id, r.Value)
		}
	}
	if st := s.Status(); st.State != "completed" || st.Succeeded != 10 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEventsAndSnapshot(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	_, unsubSlow := bus.Subscribe(1)
	defer unsubSlow()

	runner := RunnerFunc(func(context.Context, any) (any, error) { return nil, nil })
	s := mustNew(t, fastConfig(), runner, WithBus(bus))
	_ = s.AddTasks(specs("e")...)
	mustStart(t, s)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{EventBatchStarted, EventTaskStarted, EventTaskSucceeded, EventBatchCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}

	snap := s.Snapshot()
	if len(snap.History) != 1 || snap.History[0].ID != "e" || snap.History[0].Attempt != 1 {
		t.Fatalf("history = %+v", snap.History)
	}
	if snap.Workers != 3 || snap.Status.Completed != 1 || snap.PermitsInUse != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	// The slow subscriber kept the first of four events.
	if snap.EventsDropped != 3 {
		t.Fatalf("events dropped = %d, want 3", snap.EventsDropped)
	}
}

func TestSnapshotReportsPermitsInUse(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("a", "b", "c")...)

	done := make(chan []Result, 1)
	go func() {
		res, _ := s.Start(context.Background())
		done <- res
	}()

	waitFor(t, "two permits held", func() bool { return s.Snapshot().PermitsInUse == 2 })
	close(release)
	if res := <-done; len(res) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(res))
	}
	if got := s.Snapshot().PermitsInUse; got != 0 {
		t.Fatalf("permits in use after batch = %d, want 0", got)
	}
}

func TestCircuitOpenFailsFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	cfg.MaxAttempts = 1
	cfg.CircuitTripFailures = 1
	cfg.CircuitBaseDelay = time.Minute
	s := mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("first", "second")...)
	res := byID(mustStart(t, s))

	if calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", calls.Load())
	}
	if !errors.Is(res["second"].Err, ErrCircuitOpen) {
		t.Fatalf("second err = %v, want ErrCircuitOpen", res["second"].Err)
	}
}

func TestPauseDuringRetryBackoff(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	var calls atomic.Int32
	var startedWhilePaused atomic.Bool
	firstFailed := make(chan struct{})

	runner := RunnerFunc(func(context.Context, any) (any, error) {
		if s.Status().Paused {
			startedWhilePaused.Store(true)
		}
		if calls.Add(1) == 1 {
			close(firstFailed)
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.Workers = 1
	cfg.RetryBase = 50 * time.Millisecond
	cfg.RetryMaxDelay = 100 * time.Millisecond
	s = mustNew(t, cfg, runner)
	_ = s.AddTasks(specs("r")...)

	done := make(chan []Result, 1)
	go func() {
		res, _ := s.Start(context.Background())
		done <- res
	}()

	// The retry is now sleeping a 100ms backoff.
	<-firstFailed
	time.Sleep(20 * time.Millisecond)
	s.Pause()

	time.Sleep(250 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("runner calls while paused = %d, want 1", n)
	}
	if st := s.Status(); st.State != "paused" || st.Completed != 0 || st.Queued != 1 {
		t.Fatalf("status while paused = %+v", st)
	}

	s.Resume()
	select {
	case res := <-done:
		if len(res) != 1 || res[0].Outcome != OutcomeSuccess || res[0].Attempts != 2 {
			t.Fatalf("results = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after resume")
	}
	if startedWhilePaused.Load() {
		t.Fatal("an attempt started while the batch was paused")
	}
}

func TestEndToEndTenTasks(t *testing.T) {
	t.Parallel()
	var (
		mu         sync.Mutex
		progress   []int
		totals     []int
		batchCalls int
		batch      []Result
	)
	runner := RunnerFunc(func(ctx context.Context, _ any) (any, error) {
		select {
		case <-time.After(10 * time.Millisecond):
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := mustNew(t, Config{MaxConcurrent: 3, RequestsPerMinute: 600}, runner, WithObserver(Observer{
		OnProgress: func(completed, total int, _ Task) {
			mu.Lock()
			progress = append(progress, completed)
			totals = append(totals, total)
			mu.Unlock()
		},
		OnBatchComplete: func(r []Result) {
			mu.Lock()
			batchCalls++
			batch = r
			mu.Unlock()
		},
	}))
	for i := 0; i < 10; i++ {
		if err := s.AddTasks(TaskSpec{ID: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("AddTasks: %v", err)
		}
	}
	mustStart(t, s)

	mu.Lock()
	defer mu.Unlock()
	if batchCalls != 1 || len(batch) != 10 {
		t.Fatalf("OnBatchComplete calls = %d with %d results, want 1 with 10", batchCalls, len(batch))
	}
	for _, r := range batch {
		if r.Outcome != OutcomeSuccess {
			t.Fatalf("result %s outcome = %v, want success", r.ID, r.Outcome)
		}
	}
	if len(progress) != 10 {
		t.Fatalf("OnProgress calls = %d, want 10", len(progress))
	}
	for i, c := range progress {
		if c != i+1 || totals[i] != 10 {
			t.Fatalf("OnProgress call %d = (%d, %d), want (%d, 10)", i, c, totals[i], i+1)
		}
	}
}

// driveClock advances clock by step whenever something waits on it,
// until stop is closed.
func driveClock(clock *fakeClock, step time.Duration, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if clock.Waiters() > 0 {
				clock.Advance(step)
				continue
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
}

// startTimes returns a runner that records the scheduler clock at each call.
func startTimes(clock Clock, err error) (Runner, func() []time.Time) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	r := RunnerFunc(func(context.Context, any) (any, error) {
		mu.Lock()
		times = append(times, clock.Now())
		mu.Unlock()
		return nil, err
	})
	return r, func() []time.Time {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Time(nil), times...)
	}
}

func TestClockDrivesRatePacing(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	stop := make(chan struct{})
	defer close(stop)
	driveClock(clock, 100*time.Millisecond, stop)

	runner, times := startTimes(clock, nil)
	cfg := Config{MaxConcurrent: 1, RequestsPerMinute: 60, Burst: 1}
	s := mustNew(t, cfg, runner, WithClock(clock))
	_ = s.AddTasks(specs("a", "b", "c", "d")...)
	mustStart(t, s)

	got := times()
	if len(got) != 4 {
		t.Fatalf("runner calls = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		gap := got[i].Sub(got[i-1])
		if gap < time.Second || gap >= time.Second+100*time.Millisecond {
			t.Fatalf("gap before start %d = %v, want one token interval (1s)", i, gap)
		}
	}
}

func TestClockDrivesRetryBackoff(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	stop := make(chan struct{})
	defer close(stop)
	driveClock(clock, 100*time.Millisecond, stop)

	runner, times := startTimes(clock, errors.New("down"))
	cfg := Config{
		MaxConcurrent:     1,
		RequestsPerMinute: 60_000,
		Burst:             100,
		MaxAttempts:       4,
		RetryBase:         500 * time.Millisecond,
		RetryMaxDelay:     3 * time.Second,
	}
	s := mustNew(t, cfg, runner, WithClock(clock))
	_ = s.AddTasks(specs("x")...)
	res := mustStart(t, s)

	if len(res) != 1 || res[0].Outcome != OutcomeFailure || res[0].Attempts != 4 {
		t.Fatalf("results = %+v", res)
	}
	// base*2^n for n = 1, 2, then capped at RetryMaxDelay.
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	got := times()
	if len(got) != 4 {
		t.Fatalf("runner calls = %d, want 4", len(got))
	}
	hist := s.Snapshot().History
	for i, w := range want {
		if gap := got[i+1].Sub(got[i]); gap != w {
			t.Fatalf("delay before attempt %d = %v, want %v", i+2, gap, w)
		}
		if hist[i+1].Backoff != w {
			t.Fatalf("history backoff for attempt %d = %v, want %v", i+2, hist[i+1].Backoff, w)
		}
	}
}

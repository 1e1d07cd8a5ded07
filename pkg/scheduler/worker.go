package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "pacer/pkg/logx"
)

// worker pulls tasks until the queue is empty or the batch is cancelled.
// Each admission takes the pause gate, one token and one permit, in that
// order.
func (s *Scheduler) worker(ctx context.Context, b *batch, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)*7919))
	log := s.log.With(logx.String("batch", b.id), logx.Int("worker", idx))

	for {
		if b.queueEmpty() {
			return
		}
		if !b.ctl.await() {
			return
		}
		e, ok := b.dequeue()
		if !ok {
			return
		}

		if err := s.limiter.wait(b.ctl.halt); err != nil {
			b.unwait(e)
			return
		}
		if err := s.gate.acquire(b.ctl.halt); err != nil {
			b.unwait(e)
			return
		}

		// Pause or cancel may have landed while this worker was waiting.
		if b.ctl.isCancelled() {
			s.gate.release()
			b.unwait(e)
			return
		}
		if b.ctl.isPaused() {
			s.gate.release()
			b.unwait(e)
			continue
		}

		b.admit()
		s.exec(ctx, b, e, rng, log)

		if b.ctl.isCancelled() {
			return
		}
	}
}

func (b *batch) queueEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len() == 0
}

// exec performs one attempt of an admitted task and settles it.
// The admission permit is held for the whole attempt, backoff included.
func (s *Scheduler) exec(ctx context.Context, b *batch, e *entry, rng *rand.Rand, log logx.Logger) {
	defer s.gate.release()

	t := &e.task
	t.Attempt++

	var backoff time.Duration
	if t.Attempt > 1 {
		backoff = backoffDelay(s.cfg, t.Attempt-1, e.lastErr, rng)
		if backoff > 0 {
			select {
			case <-s.clock.After(backoff):
			case <-b.ctl.halt.Done():
			case <-b.ctl.pauseSignal():
			}
		}
	}
	// Paused or cancelled before the attempt started: give the task back.
	// A paused worker then blocks in await; the backoff is redone on resume.
	if b.ctl.isPaused() || b.ctl.isCancelled() {
		t.Attempt--
		b.unadmit(e)
		return
	}

	start := s.clock.Now()
	log.Debug("task.started",
		logx.String("task", t.ID),
		logx.String("category", string(t.Category)),
		logx.Int("priority", t.Priority),
		logx.Int("attempt", t.Attempt),
	)
	s.publish(EventTaskStarted, TaskEvent{
		BatchID:  b.id,
		ID:       t.ID,
		Category: t.Category,
		Priority: t.Priority,
		Attempt:  t.Attempt,
	})

	var (
		val any
		err error
	)
	if open, until := s.circuits.isOpen(start, t.Category); open {
		err = fmt.Errorf("%w for %q until %s", ErrCircuitOpen, t.Category, until.Format(time.RFC3339))
	} else {
		val, err = s.invoke(ctx, *t, log)
		s.circuits.record(s.clock.Now(), t.Category, err)
	}
	elapsed := s.clock.Now().Sub(start)

	item := HistoryItem{
		BatchID:  b.id,
		ID:       t.ID,
		Category: t.Category,
		Attempt:  t.Attempt,
		Started:  start,
		Backoff:  backoff,
		Duration: elapsed,
	}
	if err != nil {
		item.Error = err.Error()
	}
	s.recordHistory(item)

	s.settle(b, e, val, err, elapsed, log)
}

// invoke calls the runner, converting a panic into an attempt failure.
func (s *Scheduler) invoke(ctx context.Context, t Task, log logx.Logger) (val any, err error) {
	runCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("runner panicked",
				logx.String("task", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			val, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.runner.Run(runCtx, t.Payload)
}

// settle decides between success, retry and final failure.
func (s *Scheduler) settle(b *batch, e *entry, val any, err error, elapsed time.Duration, log logx.Logger) {
	t := e.task

	if err == nil {
		if s.cfg.DiscardLateResults && b.ctl.isCancelled() {
			b.record(Result{
				ID:       t.ID,
				Category: t.Category,
				Outcome:  OutcomeCancelled,
				Err:      ErrCancelled,
				Attempts: t.Attempt,
				Elapsed:  elapsed,
			})
			log.Debug("task.discarded", logx.String("task", t.ID))
			return
		}
		r := Result{
			ID:       t.ID,
			Category: t.Category,
			Outcome:  OutcomeSuccess,
			Value:    val,
			Attempts: t.Attempt,
			Elapsed:  elapsed,
		}
		s.complete(b, r, func(completed, total int) {
			if s.obs.OnItemComplete != nil {
				s.safeCall("on_item_complete", func() { s.obs.OnItemComplete(r) })
			}
			if s.obs.OnProgress != nil {
				s.safeCall("on_progress", func() { s.obs.OnProgress(completed, total, t) })
			}
		})
		log.Debug("task.succeeded",
			logx.String("task", t.ID),
			logx.Int("attempt", t.Attempt),
			logx.Duration("elapsed", elapsed),
		)
		s.publish(EventTaskSucceeded, TaskEvent{
			BatchID:  b.id,
			ID:       t.ID,
			Category: t.Category,
			Priority: t.Priority,
			Attempt:  t.Attempt,
			Duration: elapsed,
		})
		return
	}

	if !IsNoRetry(err) && t.Attempt < t.MaxAttempts {
		prio := t.Priority - s.cfg.PriorityPenalty
		e.lastErr = err
		e.task.Priority = prio
		// e belongs to the queue again after requeue.
		b.requeue(e)
		log.Debug("task.retry",
			logx.String("task", t.ID),
			logx.Int("attempt", t.Attempt),
			logx.Int("priority", prio),
			logx.Err(err),
		)
		s.publish(EventTaskRetry, TaskEvent{
			BatchID:  b.id,
			ID:       t.ID,
			Category: t.Category,
			Priority: prio,
			Attempt:  t.Attempt,
			Duration: elapsed,
			Error:    err.Error(),
		})
		return
	}

	final := err
	var nr noRetryError
	if errors.As(err, &nr) {
		final = nr.err
	}
	r := Result{
		ID:       t.ID,
		Category: t.Category,
		Outcome:  OutcomeFailure,
		Err:      final,
		Attempts: t.Attempt,
		Elapsed:  elapsed,
	}
	s.complete(b, r, func(completed, total int) {
		if s.obs.OnError != nil {
			s.safeCall("on_error", func() { s.obs.OnError(t, final) })
		}
		if s.obs.OnProgress != nil {
			s.safeCall("on_progress", func() { s.obs.OnProgress(completed, total, t) })
		}
	})
	log.Warn("task.failed",
		logx.String("task", t.ID),
		logx.Int("attempts", t.Attempt),
		logx.Err(final),
	)
	s.publish(EventTaskFailed, TaskEvent{
		BatchID:  b.id,
		ID:       t.ID,
		Category: t.Category,
		Priority: t.Priority,
		Attempt:  t.Attempt,
		Duration: elapsed,
		Error:    final.Error(),
	})
}

// complete records r and runs notify while holding the batch's notify
// lock, so callbacks observe completions in order.
func (s *Scheduler) complete(b *batch, r Result, notify func(completed, total int)) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	completed, total := b.record(r)
	notify(completed, total)
}

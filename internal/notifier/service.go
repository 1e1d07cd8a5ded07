package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "pacer/internal/runtime/supervisor"
	"pacer/pkg/eventbus"
	logx "pacer/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

// Service is an async notification pipeline: queue + single sender +
// rate limit + retry. It is safe for concurrent use.
type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		// Burst = rate so short spikes (summary + alerts) don't stall.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

// Start launches the sender. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Notifications are best-effort; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.Go0("sender", func(c context.Context) { s.loop(c, q) })
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Notify enqueues text without blocking.
func (s *Service) Notify(text string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- text:
		return nil
	default:
		s.publish(EventDropped, NotificationEvent{Error: ErrQueueFull.Error()})
		s.log.Warn("notification dropped", logx.Err(ErrQueueFull), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) loop(ctx context.Context, q <-chan string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, text, rng)
		}
	}
}

func (s *Service) send(ctx context.Context, text string, rng *rand.Rand) {
	maxAttempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sender.SendText(callCtx, text)
		cancel()
		if err == nil {
			s.hmu.Lock()
			s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
			if len(s.history) > historySize {
				s.history = s.history[len(s.history)-historySize:]
			}
			s.hmu.Unlock()
			s.publish(EventSent, NotificationEvent{Attempts: attempt})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(s.retryDelay(attempt, rng))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
	s.publish(EventFailed, NotificationEvent{Attempts: maxAttempts, Error: lastErr.Error()})
}

// retryDelay is base * 2^(attempt-1), jittered to 0.7..1.3 and capped.
func (s *Service) retryDelay(attempt int, rng *rand.Rand) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt && d < s.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	return min(d, s.cfg.RetryMaxDelay)
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

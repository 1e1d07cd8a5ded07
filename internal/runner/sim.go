package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrSimulated is the failure returned by Sim.
var ErrSimulated = errors.New("simulated failure")

type SimConfig struct {
	Latency     time.Duration
	Jitter      time.Duration
	FailureRate float64 // 0..1
	Seed        int64   // 0 uses the current time
}

// Sim waits for a random latency and fails with probability FailureRate.
// It echoes the payload on success.
type Sim struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSim(cfg SimConfig) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	return &Sim{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (s *Sim) Run(ctx context.Context, payload any) (any, error) {
	s.mu.Lock()
	d := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(s.cfg.Jitter) + 1))
	}
	fail := s.rng.Float64() < s.cfg.FailureRate
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return nil, fmt.Errorf("%w after %s", ErrSimulated, d)
	}
	return payload, nil
}

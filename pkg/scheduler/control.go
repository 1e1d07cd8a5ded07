package scheduler

import (
	"context"
	"sync"
)

// control is the cooperative pause/cancel signal shared by a batch's
// workers. Commands never block and are safe from any goroutine.
type control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	resumeCh  chan struct{} // closed on resume; replaced on pause
	pausedCh  chan struct{} // closed on pause; replaced on resume

	// halt is cancelled together with the batch so token and permit waits
	// wake up promptly.
	halt     context.Context
	haltStop context.CancelFunc
}

func newControl() *control {
	halt, stop := context.WithCancel(context.Background())
	return &control{halt: halt, haltStop: stop, pausedCh: make(chan struct{})}
}

// pause reports whether the state changed.
func (c *control) pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled {
		return false
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
	close(c.pausedCh)
	return true
}

// resume reports whether the state changed.
func (c *control) resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	c.paused = false
	close(c.resumeCh)
	c.pausedCh = make(chan struct{})
	return true
}

// cancel also releases paused workers so they can observe it.
func (c *control) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.cancelled = true
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
	c.haltStop()
	return true
}

func (c *control) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *control) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// pauseSignal returns a channel that is closed once the batch is paused.
func (c *control) pauseSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausedCh
}

// await blocks while paused. It returns false once the batch is cancelled.
func (c *control) await() bool {
	for {
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			return false
		}
		if !c.paused {
			c.mu.Unlock()
			return true
		}
		ch := c.resumeCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-c.halt.Done():
		}
	}
}

// release frees the halt context; called once the batch is terminal.
func (c *control) release() { c.haltStop() }

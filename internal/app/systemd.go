package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pacer/pkg/logx"
)

// sdNotifier reports lifecycle and progress to systemd (Type=notify).
// Outside systemd every call is a cheap no-op.
type sdNotifier struct {
	log logx.Logger

	mu   sync.Mutex
	last time.Time
}

const statusInterval = time.Second

func (n *sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

func (n *sdNotifier) status(msg string) { n.send("STATUS=" + msg) }

// progress is throttled; the final update always goes through.
func (n *sdNotifier) progress(completed, total int) {
	n.mu.Lock()
	now := time.Now()
	if completed < total && now.Sub(n.last) < statusInterval {
		n.mu.Unlock()
		return
	}
	n.last = now
	n.mu.Unlock()
	n.status(fmt.Sprintf("batch %d/%d", completed, total))
}

//go:build unix

package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logx "pacer/pkg/logx"
)

// watchPauseSignal toggles pause on SIGUSR1 until ctx is done.
func (a *App) watchPauseSignal(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			paused := a.togglePause()
			a.log.Info("SIGUSR1 received", logx.Bool("paused", paused))
		}
	}
}

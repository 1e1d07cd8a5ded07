//go:build !unix

package app

import "context"

func (a *App) watchPauseSignal(ctx context.Context) { <-ctx.Done() }

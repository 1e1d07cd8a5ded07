package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pacer/internal/app"
)

func main() {
	var opts app.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to config (json or yaml); empty uses defaults")
	flag.StringVar(&opts.TasksPath, "tasks", "", "task file (JSON array or JSON Lines)")
	flag.IntVar(&opts.Generate, "generate", 0, "generate N synthetic tasks instead of -tasks")
	flag.Int64Var(&opts.Seed, "seed", 0, "seed for -generate (0: random)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, app.ErrTasksFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

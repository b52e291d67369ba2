package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ptsched/internal/app"
)

func main() {
	var (
		cfgPath string
		demo    bool
		tick    time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml/json (optional)")
	flag.BoolVar(&demo, "demo", false, "run the scripted demo scenario and exit")
	flag.DurationVar(&tick, "tick", time.Second, "demo time unit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	code := 0
	if demo {
		d := &app.Demo{Tick: tick, Log: a.Logger()}
		if err := d.Run(ctx, a.Scheduler()); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "demo:", err)
			code = 1
		}
	} else {
		select {
		case <-ctx.Done():
		case <-a.Done():
			if err := a.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "fatal:", err)
				code = 1
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if code != 0 {
		os.Exit(code)
	}
}

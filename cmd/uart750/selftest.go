package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/uart750/internal/config"
	"golang.org/x/sync/errgroup"
)

type selftestResult struct {
	name   string
	passes int
	took   time.Duration
	err    error
}

func runSelftest(cfg config.File, args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	n := fs.Int("n", 1, "Number of probe/remove cycles per device")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long and cap every register poll at it (0 for no limit)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if *n < 1 {
		return fmt.Errorf("-n must be at least 1")
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	h, err := newHost(cfg, os.Stdout, nil, slog.Default())
	if err != nil {
		return err
	}
	h.spinLimit = *timeout

	var pb *progressbar.ProgressBar
	if *n > 1 {
		pb = progressbar.Default(int64(*n*len(cfg.Devices)), "selftest")
		defer pb.Close()
	}

	results := make([]selftestResult, len(cfg.Devices))
	var g errgroup.Group
	for i, entry := range cfg.Devices {
		g.Go(func() error {
			res := &results[i]
			res.name = entry.Name
			start := time.Now()
			defer func() { res.took = time.Since(start) }()

			for range *n {
				dev, err := h.probe(ctx, entry.Name)
				if err != nil {
					res.err = err
					return nil
				}
				dev.Remove()
				res.passes++
				if pb != nil {
					pb.Add(1)
				}
			}
			return nil
		})
	}
	// Failures are collected per device so every device gets a verdict.
	_ = g.Wait()
	if pb != nil {
		pb.Finish()
		fmt.Fprintln(os.Stderr)
	}

	var errs []error
	for _, res := range results {
		if res.err != nil {
			fmt.Printf("%-20s FAIL after %d/%d passes: %v\n", res.name, res.passes, *n, res.err)
			errs = append(errs, fmt.Errorf("%s: %w", res.name, res.err))
			continue
		}
		fmt.Printf("%-20s ok   %d passes in %v\n", res.name, res.passes, res.took.Round(time.Microsecond))
	}
	return errors.Join(errs...)
}

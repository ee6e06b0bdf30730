package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/uart750/internal/config"
	"github.com/tinyrange/uart750/internal/uart"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// consoleEscape is Ctrl-].
const consoleEscape = 0x1d

func runConsole(cfg config.File, args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	name := fs.String("device", "", "Device to attach to (defaults to the only configured device)")
	interval := fs.Duration("interval", time.Millisecond, "Receive FIFO polling interval")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	// Simulated blocks get a null-modem peer that echoes every byte sent
	// outside loopback mode back into the receiver.
	peer := &echoLine{}
	h, err := newHost(cfg, peer, peer, slog.Default())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev, err := h.probe(ctx, *name)
	if err != nil {
		return err
	}
	defer dev.Remove()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}
	fmt.Fprintf(os.Stderr, "connected to %s (loopback %s), Ctrl-] to exit\r\n", dev.Name(), dev.Loopback().Mode())

	return attach(ctx, dev.Node(), os.Stdin, os.Stdout, *interval, func(ctx context.Context) error {
		return h.pumpLine(ctx, *interval)
	})
}

// attach runs the console until in reaches the escape byte or EOF, or until
// receiving or pump fails. A send blocked on in is abandoned in the latter
// case.
func attach(ctx context.Context, node *uart.CharDev, in io.Reader, out io.Writer, interval time.Duration, pump func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return receive(gctx, node, out, interval)
	})
	if pump != nil {
		g.Go(func() error {
			return pump(gctx)
		})
	}

	sent := make(chan error, 1)
	go func() {
		sent <- send(gctx, node, in)
	}()

	var sendErr error
	select {
	case sendErr = <-sent:
		cancel()
	case <-gctx.Done():
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return sendErr
}

// echoLine is a line whose far end sends back everything it receives.
type echoLine struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *echoLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Read returns io.EOF while nothing is waiting.
func (l *echoLine) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Read(p)
}

// send copies stdin to the node a byte at a time until the escape byte or EOF.
func send(ctx context.Context, node *uart.CharDev, in io.Reader) error {
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		n, err := in.Read(buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if n == 0 {
			continue
		}
		if buf[0] == consoleEscape {
			return nil
		}
		if _, err := node.Write(buf); err != nil {
			return fmt.Errorf("write node: %w", err)
		}
	}
	return nil
}

// receive drains the receive FIFO to out whenever it holds data.
func receive(ctx context.Context, node *uart.CharDev, out io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err := node.Pending()
		if err != nil {
			return fmt.Errorf("read fifo level: %w", err)
		}
		for range pending {
			if _, err := node.Read(buf); err != nil {
				return fmt.Errorf("read node: %w", err)
			}
			if _, err := out.Write(buf); err != nil {
				return fmt.Errorf("write stdout: %w", err)
			}
		}
	}
}

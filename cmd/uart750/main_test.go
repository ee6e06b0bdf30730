package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/uart750/internal/config"
	"github.com/tinyrange/uart750/internal/sim"
	"github.com/tinyrange/uart750/internal/uart"
)

func twoDeviceConfig() config.File {
	f := config.Default()
	second := f.Devices[0]
	second.Name = "uart4"
	second.PhysBase = 0x481A8000
	second.IRQ = 61
	f.Devices = append(f.Devices, second)
	return f
}

func TestSelftestSim(t *testing.T) {
	if err := runSelftest(twoDeviceConfig(), []string{"-n", "3"}); err != nil {
		t.Fatalf("selftest: %v", err)
	}
}

func TestNewHostRejectsOverlappingBlocks(t *testing.T) {
	f := twoDeviceConfig()
	f.Devices[1].PhysBase = f.Devices[0].PhysBase
	if _, err := newHost(f, io.Discard, nil, slog.Default()); err == nil {
		t.Fatal("newHost accepted two blocks at one address")
	}
}

func TestHostProbeUnknownDevice(t *testing.T) {
	h, err := newHost(twoDeviceConfig(), io.Discard, nil, slog.Default())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	// With more than one device a name is required.
	if _, err := h.probe(context.Background(), ""); err == nil {
		t.Fatal("probe without a name succeeded")
	}
	if _, err := h.probe(context.Background(), "uart9"); err == nil {
		t.Fatal("probe of unknown device succeeded")
	}
}

func TestConsoleLoopback(t *testing.T) {
	h, err := newHost(config.Default(), io.Discard, nil, slog.Default())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	dev, err := h.probe(context.Background(), "")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	defer dev.Remove()

	in := strings.NewReader("hi\x1dnot sent")
	if err := send(context.Background(), dev.Node(), in); err != nil {
		t.Fatalf("send: %v", err)
	}
	if in.Len() != len("not sent") {
		t.Fatalf("send kept reading after the escape byte (%d left)", in.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := receive(ctx, dev.Node(), &out, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("receive: %v", err)
	}
	if out.String() != "hi" {
		t.Fatalf("received %q, want %q", out.String(), "hi")
	}
}

func TestConsoleEchoWithoutLoopback(t *testing.T) {
	peer := &echoLine{}
	h, err := newHost(config.Default(), peer, peer, slog.Default())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	dev, err := h.probe(context.Background(), "")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	defer dev.Remove()
	if err := dev.Loopback().Store(uart.LoopbackOff); err != nil {
		t.Fatalf("loopback off: %v", err)
	}

	if err := send(context.Background(), dev.Node(), strings.NewReader("ok")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pending, err := dev.Node().Pending(); err != nil || pending != 0 {
		t.Fatalf("pending %d (%v) before the line was pumped", pending, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.pumpLine(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pump: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := receive(ctx, dev.Node(), &out, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("receive: %v", err)
	}
	if out.String() != "ok" {
		t.Fatalf("received %q, want %q", out.String(), "ok")
	}
}

func TestAttachReturnsWhenReceiveFails(t *testing.T) {
	h, err := newHost(config.Default(), io.Discard, nil, slog.Default())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	dev, err := h.probe(context.Background(), "")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	node := dev.Node()
	dev.Remove()

	// Nothing is ever written, so send stays blocked in Read.
	in, w := io.Pipe()
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		done <- attach(context.Background(), node, in, io.Discard, time.Millisecond, nil)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, uart.ErrRegisterUnavailable) {
			t.Fatalf("got %v, want ErrRegisterUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attach still waiting on input after receive failed")
	}
}

func TestSelftestTimeoutBoundsSpin(t *testing.T) {
	f := config.Default()
	unbounded := time.Duration(0)
	f.Devices[0].Poll.Timeout = &unbounded

	h, err := newHost(f, io.Discard, nil, slog.Default())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	h.simBlocks[0].SetFaults(sim.Faults{ResetStuck: true})
	h.spinLimit = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := h.probe(context.Background(), "")
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, uart.ErrTimeout) {
			t.Fatalf("got %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spin poll ignored the run limit")
	}
}

func TestAttrRejectsUnknownMode(t *testing.T) {
	err := runAttr(config.Default(), []string{"-set", "sideways"})
	if !errors.Is(err, uart.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestRegsSim(t *testing.T) {
	if err := runRegs(config.Default(), nil); err != nil {
		t.Fatalf("regs: %v", err)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFilename)
	if err := runInit(path, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := runInit(path, nil); err == nil {
		t.Fatal("init overwrote an existing config without -force")
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != uart.DriverName {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
}

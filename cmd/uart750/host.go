package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/uart750/internal/config"
	"github.com/tinyrange/uart750/internal/devfs"
	"github.com/tinyrange/uart750/internal/irq"
	"github.com/tinyrange/uart750/internal/mmio"
	"github.com/tinyrange/uart750/internal/sim"
	"github.com/tinyrange/uart750/internal/uart"
)

// host wires configured devices to their backends. Simulated devices share one
// register space and one interrupt controller; devmem devices map /dev/mem and
// take interrupts from UIO nodes.
type host struct {
	log *slog.Logger

	nodes *devfs.Registry[io.ReadWriter]
	attrs *devfs.Registry[devfs.Attribute]

	simMapper *sim.Mapper
	simIRQ    *irq.Controller
	simBlocks []*sim.UART750
	uio       *irq.UIO

	devices map[string]*uart.Device
	entries map[string]config.Device

	// spinLimit caps SpinPoller timeouts, which ctx cannot interrupt. Zero
	// leaves the configured poller alone.
	spinLimit time.Duration
}

// newHost builds a device for every config entry. Simulated transmitters write
// to out and simulated receivers take bytes from in when pumped.
func newHost(cfg config.File, out io.Writer, in io.Reader, log *slog.Logger) (*host, error) {
	h := &host{
		log:       log,
		nodes:     devfs.NewRegistry[io.ReadWriter](),
		attrs:     devfs.NewRegistry[devfs.Attribute](),
		simMapper: sim.NewMapper(),
		simIRQ:    irq.NewController(log),
		uio:       irq.NewUIO(log),
		devices:   make(map[string]*uart.Device),
		entries:   make(map[string]config.Device),
	}

	uioPaths := make(map[int]string)
	h.uio.Path = func(line int) string {
		if path, ok := uioPaths[line]; ok {
			return path
		}
		return fmt.Sprintf("/dev/uio%d", line)
	}

	for _, entry := range cfg.Devices {
		res := uart.Resources{
			Nodes:      h.nodes,
			Attributes: h.attrs,
			Log:        log,
		}

		switch entry.Backend {
		case config.BackendSim:
			block := sim.NewUART750(h.simIRQ.AllocateLine(entry.IRQ), out, in)
			if err := h.simMapper.Add(entry.PhysBase, block); err != nil {
				return nil, fmt.Errorf("device %s: %w", entry.Name, err)
			}
			h.simBlocks = append(h.simBlocks, block)
			res.Mapper = h.simMapper
			res.Interrupts = h.simIRQ
		case config.BackendDevMem:
			res.Mapper = mmio.DevMem{Path: entry.MemDevice}
			if entry.UIODevice != "" {
				uioPaths[entry.IRQ] = entry.UIODevice
			}
			res.Interrupts = h.uio
		default:
			return nil, fmt.Errorf("device %s: unknown backend %q", entry.Name, entry.Backend)
		}

		h.devices[entry.Name] = uart.NewDevice(entry.Name, res)
		h.entries[entry.Name] = entry
	}
	return h, nil
}

// probe probes the named device, or the only device when name is empty.
func (h *host) probe(ctx context.Context, name string) (*uart.Device, error) {
	if name == "" && len(h.devices) == 1 {
		for only := range h.devices {
			name = only
		}
	}
	dev, ok := h.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %q not configured", name)
	}
	cfg := h.entries[name].ProbeConfig()
	if spin, ok := cfg.Poller.(uart.SpinPoller); ok && h.spinLimit > 0 {
		if spin.Timeout == 0 || spin.Timeout > h.spinLimit {
			spin.Timeout = h.spinLimit
			cfg.Poller = spin
		}
	}
	if err := dev.Probe(ctx, cfg); err != nil {
		return nil, err
	}
	return dev, nil
}

// pumpLine feeds the simulated receivers from the host input every interval
// until ctx ends. It returns at once when no device is simulated.
func (h *host) pumpLine(ctx context.Context, interval time.Duration) error {
	if len(h.simBlocks) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, block := range h.simBlocks {
			if err := block.Poll(ctx); err != nil {
				return err
			}
		}
	}
}

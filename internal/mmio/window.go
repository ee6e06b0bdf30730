package mmio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrNoMemory reports that a register window could not be mapped.
	ErrNoMemory = errors.New("mmio: cannot map register window")
	// ErrRegisterUnavailable reports an access to a window that is not mapped.
	ErrRegisterUnavailable = errors.New("mmio: register window not mapped")
)

// Region is a mapped span of device memory addressed by byte offset from its start.
type Region interface {
	Read16(offset uint32) uint16
	Write16(offset uint32, value uint16)
	Close() error
}

// Mapper creates Regions over physical address ranges.
type Mapper interface {
	Map(base, length uint64) (Region, error)
}

// Window owns one mapped Region. All methods are safe on a nil or unmapped Window.
//
// Accesses hold a read lock so an interrupt path can read registers while the
// owner writes; Unmap takes the write lock and waits for in-flight accesses.
type Window struct {
	mu     sync.RWMutex
	region Region
	base   uint64
	length uint64
	log    *slog.Logger
}

// Map maps length bytes at the physical address base. Any mapper failure is
// reported wrapped in ErrNoMemory.
func Map(m Mapper, base, length uint64, log *slog.Logger) (*Window, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		return nil, fmt.Errorf("%w: no mapper", ErrNoMemory)
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero length at 0x%x", ErrNoMemory, base)
	}
	if base+length < base {
		return nil, fmt.Errorf("%w: region at 0x%x with size 0x%x overflows", ErrNoMemory, base, length)
	}

	region, err := m.Map(base, length)
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x+0x%x: %w", ErrNoMemory, base, length, err)
	}
	if region == nil {
		return nil, fmt.Errorf("%w: 0x%x+0x%x: mapper returned no region", ErrNoMemory, base, length)
	}

	log.Info("mmio: registers mapped", "base", fmt.Sprintf("0x%08x", base), "length", length)
	return &Window{
		region: region,
		base:   base,
		length: length,
		log:    log,
	}, nil
}

// Base returns the physical base address of the window.
func (w *Window) Base() uint64 {
	if w == nil {
		return 0
	}
	return w.base
}

// Len returns the byte length of the window.
func (w *Window) Len() uint64 {
	if w == nil {
		return 0
	}
	return w.length
}

// Mapped reports whether the window still holds a region.
func (w *Window) Mapped() bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.region != nil
}

// Unmap releases the region. Unmapping an already unmapped window is a no-op.
func (w *Window) Unmap() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	region := w.region
	w.region = nil
	w.mu.Unlock()

	if region == nil {
		return nil
	}
	if err := region.Close(); err != nil {
		return fmt.Errorf("mmio: unmap 0x%x: %w", w.base, err)
	}
	w.log.Info("mmio: registers unmapped", "base", fmt.Sprintf("0x%08x", w.base))
	return nil
}

// Read16 reads the 16-bit register at offset. Offsets past the end of the window
// read as zero.
func (w *Window) Read16(offset uint32) (uint16, error) {
	if w == nil {
		return 0, ErrRegisterUnavailable
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.region == nil {
		w.log.Error("mmio: read from unmapped window", "offset", fmt.Sprintf("0x%08x", offset))
		return 0, fmt.Errorf("read 0x%x: %w", offset, ErrRegisterUnavailable)
	}
	if uint64(offset)+2 > w.length {
		return 0, nil
	}
	value := w.region.Read16(offset)
	w.log.Debug("mmio: raw read", "offset", fmt.Sprintf("0x%08x", offset), "value", fmt.Sprintf("0x%04x", value))
	return value, nil
}

// Write16 writes the 16-bit register at offset. Writes past the end of the window
// are dropped.
func (w *Window) Write16(offset uint32, value uint16) error {
	if w == nil {
		return ErrRegisterUnavailable
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.region == nil {
		w.log.Error("mmio: write to unmapped window", "offset", fmt.Sprintf("0x%08x", offset))
		return fmt.Errorf("write 0x%x: %w", offset, ErrRegisterUnavailable)
	}
	if uint64(offset)+2 > w.length {
		return nil
	}
	w.region.Write16(offset, value)
	w.log.Debug("mmio: raw write", "offset", fmt.Sprintf("0x%08x", offset), "value", fmt.Sprintf("0x%04x", value))
	return nil
}

//go:build !linux

package irq

import (
	"fmt"
	"log/slog"
)

// UIO delivers interrupts from Linux userspace I/O devices. On other systems
// every line is reported as not found.
type UIO struct {
	Path func(line int) string

	log *slog.Logger
}

// NewUIO builds a UIO controller.
func NewUIO(log *slog.Logger) *UIO {
	if log == nil {
		log = slog.Default()
	}
	return &UIO{log: log}
}

// Attach implements the controller contract.
func (u *UIO) Attach(line int, top Handler, bottom ThreadFunc, owner any) error {
	return fmt.Errorf("irq: attach line %d: uio unsupported: %w", line, ErrNotFound)
}

// Detach implements the controller contract.
func (u *UIO) Detach(line int, owner any) {}

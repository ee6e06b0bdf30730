package uart

import (
	"fmt"
	"io"
)

// CharDev is the byte-at-a-time device node bound to the holding registers.
type CharDev struct {
	regs *Registers
}

// NewCharDev binds a node to regs.
func NewCharDev(regs *Registers) *CharDev {
	return &CharDev{regs: regs}
}

// Read drains one byte from the receive holding register into p[0].
func (c *CharDev) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("uart: read into empty buffer: %w", ErrUserCopyFailed)
	}
	value, err := c.regs.Read(RegRHR)
	if err != nil {
		return 0, err
	}
	p[0] = byte(value)
	return 1, nil
}

// Write deposits exactly one byte into the transmit holding register.
func (c *CharDev) Write(p []byte) (int, error) {
	switch {
	case len(p) == 0:
		return 0, fmt.Errorf("uart: write from empty buffer: %w", ErrUserCopyFailed)
	case len(p) > 1:
		return 0, fmt.Errorf("uart: write of %d bytes: %w", len(p), ErrInvalidArgument)
	}
	if err := c.regs.Write(RegTHR, uint16(p[0])); err != nil {
		return 0, err
	}
	return 1, nil
}

// Pending returns the number of bytes waiting in the receive FIFO.
func (c *CharDev) Pending() (int, error) {
	level, err := c.regs.Read(RegRXFIFOLvl)
	if err != nil {
		return 0, err
	}
	return int(level & rxFIFOLevelMask), nil
}

var _ io.ReadWriter = (*CharDev)(nil)

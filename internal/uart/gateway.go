package uart

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/uart750/internal/irq"
)

// InterruptGateway controls the receive-data interrupt source and provides the
// handlers attached to the interrupt line. It talks to the raw window only and
// never touches the bank-control shadow.
type InterruptGateway struct {
	raw RawIO
	log *slog.Logger

	count atomic.Uint64
}

// NewInterruptGateway returns a gateway over raw.
func NewInterruptGateway(raw RawIO, log *slog.Logger) *InterruptGateway {
	if log == nil {
		log = slog.Default()
	}
	return &InterruptGateway{raw: raw, log: log}
}

// EnableRx sets the receive-data-available enable bit.
func (g *InterruptGateway) EnableRx() error {
	ier, err := g.raw.Read16(rawIER)
	if err != nil {
		return fmt.Errorf("uart: enable rx interrupt: %w", err)
	}
	if err := g.raw.Write16(rawIER, ier|ierRXData); err != nil {
		return fmt.Errorf("uart: enable rx interrupt: %w", err)
	}
	return nil
}

// DisableRx clears the receive-data-available enable bit and puts the UART
// in its disabled mode.
func (g *InterruptGateway) DisableRx() error {
	ier, err := g.raw.Read16(rawIER)
	if err != nil {
		return fmt.Errorf("uart: disable rx interrupt: %w", err)
	}
	if err := g.raw.Write16(rawIER, ier&^ierRXData); err != nil {
		return fmt.Errorf("uart: disable rx interrupt: %w", err)
	}
	if err := g.raw.Write16(rawMDR1, mdr1DisableMode); err != nil {
		return fmt.Errorf("uart: disable uart mode: %w", err)
	}
	return nil
}

// TopHalf runs in interrupt context. It must not block. It does not take the
// Registers lock, so while a bank-B bracket is open the IIR read returns EFR.
func (g *InterruptGateway) TopHalf(line int) irq.Result {
	n := g.count.Add(1)
	iir, err := g.raw.Read16(rawIIR)
	if err != nil {
		g.log.Warn("uart: interrupt on unmapped device", "line", line, "error", err)
		return irq.None
	}
	g.log.Info("uart: interrupt", "line", line, "count", n, "iir", fmt.Sprintf("0x%02x", iir))
	return irq.WakeThread
}

// BottomHalf runs after TopHalf asks for it.
func (g *InterruptGateway) BottomHalf(line int) {
	g.log.Info("uart: interrupt thread", "line", line)
}

// Count returns the number of interrupts seen by TopHalf.
func (g *InterruptGateway) Count() uint64 {
	return g.count.Load()
}

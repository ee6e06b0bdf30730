package uart

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/uart750/internal/irq"
)

func TestInterruptGatewayEnableDisable(t *testing.T) {
	raw := newTestRaw()
	raw.regs[rawIER] = 0x0040
	g := NewInterruptGateway(raw, nil)

	if err := g.EnableRx(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if raw.regs[rawIER] != 0x0041 {
		t.Fatalf("IER = 0x%x, want 0x41", raw.regs[rawIER])
	}

	if err := g.DisableRx(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if raw.regs[rawIER] != 0x0040 {
		t.Fatalf("IER = 0x%x, want 0x40", raw.regs[rawIER])
	}
	if raw.regs[rawMDR1] != 0x07 {
		t.Fatalf("MDR1 = 0x%x, want 0x07", raw.regs[rawMDR1])
	}
	for _, a := range raw.take() {
		if a.offset == BankControlOffset {
			t.Fatalf("gateway touched the bank-control register: %+v", a)
		}
	}
}

func TestInterruptGatewayHandlers(t *testing.T) {
	raw := newTestRaw()
	raw.regs[rawIIR] = 0x04
	g := NewInterruptGateway(raw, nil)

	if got := g.TopHalf(74); got != irq.WakeThread {
		t.Fatalf("top half = %s, want wake-thread", got)
	}
	g.BottomHalf(74)
	if g.Count() != 1 {
		t.Fatalf("count = %d", g.Count())
	}
	got := raw.take()
	if len(got) != 1 || got[0].write || got[0].offset != rawIIR {
		t.Fatalf("accesses %+v, want one IIR read", got)
	}

	raw.err = errors.New("unmapped")
	if got := g.TopHalf(74); got != irq.None {
		t.Fatalf("top half on failing window = %s, want none", got)
	}
	if err := g.EnableRx(); err == nil {
		t.Fatal("enable on failing window succeeded")
	}
}

func TestInterruptGatewayTopHalfIgnoresBankLock(t *testing.T) {
	raw := newTestRaw()
	raw.regs[rawIIR] = 0x04
	regs := NewRegisters(raw)
	g := NewInterruptGateway(raw, nil)

	// An open bracket holds the lock; the top half must still run.
	regs.mu.Lock()
	defer regs.mu.Unlock()

	done := make(chan irq.Result, 1)
	go func() { done <- g.TopHalf(74) }()
	select {
	case got := <-done:
		if got != irq.WakeThread {
			t.Fatalf("top half = %s, want wake-thread", got)
		}
	case <-time.After(time.Second):
		t.Fatal("top half waited for the banked access lock")
	}
}

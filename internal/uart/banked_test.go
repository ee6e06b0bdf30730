package uart

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/tinyrange/uart750/internal/mmio"
	"github.com/tinyrange/uart750/internal/sim"
)

type rawAccess struct {
	write  bool
	offset uint32
	value  uint16
}

// testRaw is a register file that records every raw access.
type testRaw struct {
	mu       sync.Mutex
	regs     map[uint32]uint16
	accesses []rawAccess
	err      error
	// failOffset, when set with err, fails only accesses at that offset.
	failOffset *uint32
}

func newTestRaw() *testRaw {
	return &testRaw{regs: make(map[uint32]uint16)}
}

func (r *testRaw) failing(offset uint32) bool {
	if r.err == nil {
		return false
	}
	return r.failOffset == nil || *r.failOffset == offset
}

func (r *testRaw) Read16(offset uint32) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing(offset) {
		return 0, r.err
	}
	r.accesses = append(r.accesses, rawAccess{offset: offset, value: r.regs[offset]})
	return r.regs[offset], nil
}

func (r *testRaw) Write16(offset uint32, value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing(offset) {
		return r.err
	}
	r.accesses = append(r.accesses, rawAccess{write: true, offset: offset, value: value})
	r.regs[offset] = value
	return nil
}

func (r *testRaw) take() []rawAccess {
	r.mu.Lock()
	defer r.mu.Unlock()
	accesses := r.accesses
	r.accesses = nil
	return accesses
}

func (r *testRaw) bankControl() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[BankControlOffset]
}

func TestRegisterDecode(t *testing.T) {
	tests := []struct {
		reg    Register
		bank   Bank
		offset uint32
	}{
		{RegRHR, BankOperational, 0x00},
		{RegLCR, BankOperational, 0x0C},
		{RegMDR3, BankOperational, 0x80},
		{RegRXFIFOLvl, BankOperational, 0x64},
		{RegDLL, BankConfigA, 0x00},
		{RegDLH, BankConfigA, 0x04},
		{RegEFR, BankConfigB, 0x08},
		{Register(0x30C), BankOperational, 0x0C},
		{Register(0x4FF), BankConfigA, 0xFF},
		{Register(0xFFFFFFFF), BankOperational, 0xFF},
	}
	for _, tt := range tests {
		if got := tt.reg.Bank(); got != tt.bank {
			t.Errorf("%s bank = %d, want %d", tt.reg, got, tt.bank)
		}
		if got := tt.reg.Offset(); got != tt.offset {
			t.Errorf("%s offset = 0x%x, want 0x%x", tt.reg, got, tt.offset)
		}
	}
	if RegDLH.String() != "DLH" || Register(0x3FC).String() != "reg(0x3fc)" {
		t.Fatalf("unexpected names %q %q", RegDLH.String(), Register(0x3FC).String())
	}
}

// sampleRegisters returns every id below 0x300 plus random ids across the
// whole 32-bit space.
func sampleRegisters() []Register {
	var regs []Register
	for id := Register(0); id < 0x300; id++ {
		regs = append(regs, id)
	}
	rng := rand.New(rand.NewSource(750))
	for i := 0; i < 512; i++ {
		regs = append(regs, Register(rng.Uint32()))
	}
	return regs
}

func TestBankZeroLeavesBankControlAlone(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)
	if err := r.Write(RegLCR, 0x1B); err != nil {
		t.Fatalf("write LCR: %v", err)
	}
	raw.take()

	for _, reg := range sampleRegisters() {
		if reg.Bank() != BankOperational || reg.Offset() == BankControlOffset {
			continue
		}
		if err := r.Write(reg, 0x5A); err != nil {
			t.Fatalf("write %s: %v", reg, err)
		}
		if _, err := r.Read(reg); err != nil {
			t.Fatalf("read %s: %v", reg, err)
		}
		for _, a := range raw.take() {
			if a.offset == BankControlOffset {
				t.Fatalf("%s touched the bank-control register: %+v", reg, a)
			}
			if a.offset != reg.Offset() {
				t.Fatalf("%s accessed offset 0x%x", reg, a.offset)
			}
		}
		if r.Shadow() != 0x1B {
			t.Fatalf("%s changed the shadow to 0x%x", reg, r.Shadow())
		}
	}
}

func TestBankControlWriteUpdatesShadow(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)

	if err := r.Write(RegLCR, 0x03); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.Shadow() != 0x03 {
		t.Fatalf("shadow = 0x%x, want 0x03", r.Shadow())
	}
	got := raw.take()
	if len(got) != 1 || got[0] != (rawAccess{write: true, offset: BankControlOffset, value: 0x03}) {
		t.Fatalf("accesses %+v", got)
	}

	// Reading LCR never changes the shadow.
	raw.regs[BankControlOffset] = 0x77
	if _, err := r.Read(RegLCR); err != nil {
		t.Fatalf("read: %v", err)
	}
	if r.Shadow() != 0x03 {
		t.Fatalf("read changed shadow to 0x%x", r.Shadow())
	}
}

func TestBankedAccessBrackets(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)
	if err := r.Write(RegLCR, 0x03); err != nil {
		t.Fatalf("write LCR: %v", err)
	}
	raw.take()

	if err := r.Write(RegDLH, 0x01); err != nil {
		t.Fatalf("write DLH: %v", err)
	}
	want := []rawAccess{
		{write: true, offset: 0x0C, value: 0x83},
		{write: true, offset: 0x04, value: 0x01},
		{write: true, offset: 0x0C, value: 0x03},
	}
	assertAccesses(t, raw.take(), want)

	raw.regs[0x08] = 0x10
	value, err := r.Read(RegEFR)
	if err != nil {
		t.Fatalf("read EFR: %v", err)
	}
	if value != 0x10 {
		t.Fatalf("EFR = 0x%x, want 0x10", value)
	}
	want = []rawAccess{
		{write: true, offset: 0x0C, value: 0xBF},
		{offset: 0x08, value: 0x10},
		{write: true, offset: 0x0C, value: 0x03},
	}
	assertAccesses(t, raw.take(), want)
}

func TestBankedAccessRestoresShadow(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)
	if err := r.Write(RegLCR, 0x1B); err != nil {
		t.Fatalf("write LCR: %v", err)
	}

	for _, reg := range sampleRegisters() {
		if reg.Bank() == BankOperational {
			continue
		}
		if err := r.Write(reg, 0x22); err != nil {
			t.Fatalf("write %s: %v", reg, err)
		}
		if raw.bankControl() != r.Shadow() {
			t.Fatalf("after write %s hardware LCR 0x%x != shadow 0x%x", reg, raw.bankControl(), r.Shadow())
		}
		if _, err := r.Read(reg); err != nil {
			t.Fatalf("read %s: %v", reg, err)
		}
		if raw.bankControl() != r.Shadow() {
			t.Fatalf("after read %s hardware LCR 0x%x != shadow 0x%x", reg, raw.bankControl(), r.Shadow())
		}
	}
}

// A banked write whose offset is the bank-control register becomes the new
// shadow and is what the restore writes back.
func TestBankedWriteToBankControlOffset(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)
	if err := r.Write(RegLCR, 0x03); err != nil {
		t.Fatalf("write LCR: %v", err)
	}
	raw.take()

	if err := r.Write(Register(0x10C), 0x07); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []rawAccess{
		{write: true, offset: 0x0C, value: 0x83},
		{write: true, offset: 0x0C, value: 0x07},
		{write: true, offset: 0x0C, value: 0x07},
	}
	assertAccesses(t, raw.take(), want)
	if r.Shadow() != 0x07 || raw.bankControl() != 0x07 {
		t.Fatalf("shadow 0x%x hardware 0x%x, want 0x07", r.Shadow(), raw.bankControl())
	}
}

func TestBankControlRoundTrip(t *testing.T) {
	raw := newTestRaw()
	r := NewRegisters(raw)

	for _, v := range []uint16{0x00, 0x03, 0x1B, 0x7F} {
		if err := r.Write(RegLCR, v); err != nil {
			t.Fatalf("write LCR: %v", err)
		}
		for i, reg := range []Register{RegDLL, RegDLH, RegEFR, RegDLL, Register(0x2A0)} {
			if i%2 == 0 {
				_ = r.Write(reg, uint16(i))
			} else {
				_, _ = r.Read(reg)
			}
		}
		got, err := r.Read(RegLCR)
		if err != nil {
			t.Fatalf("read LCR: %v", err)
		}
		if got != v {
			t.Fatalf("LCR read 0x%x after banked traffic, want 0x%x", got, v)
		}
	}
}

func TestSyncWritesShadowDirectly(t *testing.T) {
	raw := newTestRaw()
	raw.regs[BankControlOffset] = 0xBF
	r := NewRegisters(raw)

	if err := r.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	assertAccesses(t, raw.take(), []rawAccess{{write: true, offset: 0x0C, value: 0x00}})
}

func TestRawErrorsPropagate(t *testing.T) {
	cause := errors.New("bus fault")

	t.Run("select fails", func(t *testing.T) {
		raw := newTestRaw()
		r := NewRegisters(raw)
		off := BankControlOffset
		raw.err, raw.failOffset = cause, &off

		if err := r.Write(RegDLH, 1); !errors.Is(err, cause) {
			t.Fatalf("got %v, want bus fault", err)
		}
		if got := raw.take(); len(got) != 0 {
			t.Fatalf("access performed after failed select: %+v", got)
		}
	})

	t.Run("access fails and restore still runs", func(t *testing.T) {
		raw := newTestRaw()
		r := NewRegisters(raw)
		off := uint32(0x04)
		raw.err, raw.failOffset = cause, &off

		if _, err := r.Read(RegDLH); !errors.Is(err, cause) {
			t.Fatalf("got %v, want bus fault", err)
		}
		want := []rawAccess{
			{write: true, offset: 0x0C, value: 0x80},
			{write: true, offset: 0x0C, value: 0x00},
		}
		assertAccesses(t, raw.take(), want)
	})

	t.Run("failed bank-control write keeps shadow", func(t *testing.T) {
		raw := newTestRaw()
		r := NewRegisters(raw)
		raw.err = cause
		if err := r.Write(RegLCR, 0x03); !errors.Is(err, cause) {
			t.Fatalf("got %v", err)
		}
		if r.Shadow() != 0 {
			t.Fatalf("shadow changed to 0x%x on failed write", r.Shadow())
		}
	})

	t.Run("unmapped window", func(t *testing.T) {
		m := sim.NewMapper()
		if err := m.Add(0x1000, sim.NewUART750(nil, nil, nil)); err != nil {
			t.Fatalf("add: %v", err)
		}
		w, err := mmio.Map(m, 0x1000, 0x1000, nil)
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		_ = w.Unmap()

		r := NewRegisters(w)
		if err := r.Write(RegEFR, 0x10); !errors.Is(err, ErrRegisterUnavailable) {
			t.Fatalf("write: got %v, want ErrRegisterUnavailable", err)
		}
		if _, err := r.Read(RegMCR); !errors.Is(err, ErrRegisterUnavailable) {
			t.Fatalf("read: got %v, want ErrRegisterUnavailable", err)
		}
	})
}

// TestConcurrentBankedAccess drives banked and non-banked accesses from several
// goroutines against the simulator and checks that every access saw the bank
// it asked for.
func TestConcurrentBankedAccess(t *testing.T) {
	u := sim.NewUART750(nil, nil, nil)
	m := sim.NewMapper()
	if err := m.Add(0x1000, u); err != nil {
		t.Fatalf("add: %v", err)
	}
	w, err := mmio.Map(m, 0x1000, sim.UART750MMIOSize, nil)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer w.Unmap()

	r := NewRegisters(w)
	u.EnableTrace(true)

	const rounds = 200
	var wg sync.WaitGroup
	errs := make(chan error, 4*rounds)
	run := func(fn func(i int) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := fn(i); err != nil {
					errs <- err
				}
			}
		}()
	}

	run(func(i int) error { return r.Write(RegEFR, 0x10) })
	run(func(i int) error { _, err := r.Read(RegDLL); return err })
	run(func(i int) error {
		if i%2 == 0 {
			return r.Write(RegLCR, 0x03)
		}
		return r.Write(RegLCR, 0x1B)
	})
	run(func(i int) error { return r.Write(RegSPR, uint16(i)) })

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("access failed: %v", err)
	}

	for _, a := range u.Trace() {
		switch {
		case a.Write && a.Offset == 0x08 && a.LCR != 0xBF:
			t.Fatalf("EFR write landed with LCR 0x%x", a.LCR)
		case !a.Write && a.Offset == 0x00 && a.LCR&0x80 == 0:
			t.Fatalf("DLL read landed with LCR 0x%x", a.LCR)
		case a.Write && a.Offset == 0x1C && (a.LCR == 0xBF || a.LCR&0x80 != 0):
			t.Fatalf("SPR write landed in a configuration bank (LCR 0x%x)", a.LCR)
		}
	}
	if u.LCR() != r.Shadow() {
		t.Fatalf("hardware LCR 0x%x != shadow 0x%x", u.LCR(), r.Shadow())
	}
}

func assertAccesses(t *testing.T, got, want []rawAccess) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("accesses %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("access %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

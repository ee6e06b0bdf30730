package uart

import (
	"errors"
	"fmt"
	"sync"
)

// RawIO performs 16-bit accesses at raw byte offsets of a register window.
type RawIO interface {
	Read16(offset uint32) (uint16, error)
	Write16(offset uint32, value uint16) error
}

// Registers implements banked access to logical registers over a RawIO.
//
// The hardware bank-control register (LCR) doubles as the bank selector, so an
// access to a bank-A or bank-B register is bracketed by a select write and a
// restore write of the shadow, the last value written to the LCR offset.
// Callers never see a bank other than the one they configured.
//
// Every bracket runs under one lock, so concurrent callers cannot land an access
// between another caller's select and restore. Callers still own the
// register-level meaning of interleaved accesses; the lock only keeps the
// shadow and the hardware LCR in agreement. Raw accesses that bypass Registers,
// such as the interrupt top half, are not covered.
type Registers struct {
	mu     sync.Mutex
	raw    RawIO
	shadow uint16
}

// NewRegisters returns banked access over raw with a zero shadow.
func NewRegisters(raw RawIO) *Registers {
	return &Registers{raw: raw}
}

// Shadow returns the cached bank-control value.
func (r *Registers) Shadow() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shadow
}

// Sync writes the shadow straight to the bank-control register, bypassing the
// banking protocol, so hardware and shadow agree.
func (r *Registers) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.raw.Write16(BankControlOffset, r.shadow); err != nil {
		return fmt.Errorf("uart: sync bank control: %w", err)
	}
	return nil
}

// Write writes value to the logical register reg.
func (r *Registers) Write(reg Register, value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bank, offset := reg.Bank(), reg.Offset()
	if err := r.selectLocked(bank); err != nil {
		return fmt.Errorf("uart: write %s: %w", reg, err)
	}

	err := r.raw.Write16(offset, value)
	if err == nil && offset == BankControlOffset {
		r.shadow = value
	}

	if restoreErr := r.restoreLocked(bank); restoreErr != nil {
		err = errors.Join(err, restoreErr)
	}
	if err != nil {
		return fmt.Errorf("uart: write %s: %w", reg, err)
	}
	return nil
}

// Read reads the logical register reg.
func (r *Registers) Read(reg Register) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bank, offset := reg.Bank(), reg.Offset()
	if err := r.selectLocked(bank); err != nil {
		return 0, fmt.Errorf("uart: read %s: %w", reg, err)
	}

	value, err := r.raw.Read16(offset)

	if restoreErr := r.restoreLocked(bank); restoreErr != nil {
		err = errors.Join(err, restoreErr)
	}
	if err != nil {
		return 0, fmt.Errorf("uart: read %s: %w", reg, err)
	}
	return value, nil
}

func (r *Registers) selectLocked(bank Bank) error {
	switch bank {
	case BankConfigA:
		return r.raw.Write16(BankControlOffset, r.shadow|bankASelect)
	case BankConfigB:
		return r.raw.Write16(BankControlOffset, bankBSentinel)
	default:
		return nil
	}
}

func (r *Registers) restoreLocked(bank Bank) error {
	if bank == BankOperational {
		return nil
	}
	if err := r.raw.Write16(BankControlOffset, r.shadow); err != nil {
		return fmt.Errorf("restore bank control: %w", err)
	}
	return nil
}

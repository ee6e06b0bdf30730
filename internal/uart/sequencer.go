package uart

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// InitState is a step of the power-on self-test.
type InitState int

const (
	InitStart InitState = iota
	InitBankSelectorPrimed
	InitModeConfigured
	InitModemVerified
	InitLoopbackSent
	InitLoopbackVerified
	InitDone
	InitFailed
)

func (s InitState) String() string {
	switch s {
	case InitStart:
		return "start"
	case InitBankSelectorPrimed:
		return "bank-selector-primed"
	case InitModeConfigured:
		return "mode-configured"
	case InitModemVerified:
		return "modem-verified"
	case InitLoopbackSent:
		return "loopback-sent"
	case InitLoopbackVerified:
		return "loopback-verified"
	case InitDone:
		return "done"
	case InitFailed:
		return "failed"
	default:
		return fmt.Sprintf("InitState(%d)", int(s))
	}
}

const (
	syscSoftReset = 0x0002
	syscResetDone = 0x0001

	mcrLoopback      = 0x0010
	mcrLoopbackReady = 0x0017 // loopback, OUT1, RTS, DTR
	fcrEnableFIFOs   = 0x0007
	lcr8N1           = 0x0003
	dlhSelfTest      = 0x0001
	mdr1UART16x      = 0x0000

	rxFIFOLevelMask = 0x1F

	// LoopbackTestByte is sent through the internal loopback during init.
	LoopbackTestByte = 0x41

	// DefaultPollTimeout bounds each init poll unless configured otherwise.
	DefaultPollTimeout = time.Second
)

// Sequencer runs the power-on self-test over banked registers.
type Sequencer struct {
	regs   *Registers
	poller Poller
	deinit func()
	log    *slog.Logger

	state InitState
	// observe, when set, sees every state the sequencer enters.
	observe func(InitState)
}

// NewSequencer builds a Sequencer. deinit releases the register mapping and is
// called when the loopback byte does not come back intact. A nil poller spins
// for at most DefaultPollTimeout.
func NewSequencer(regs *Registers, poller Poller, deinit func(), log *slog.Logger) *Sequencer {
	if poller == nil {
		poller = SpinPoller{Timeout: DefaultPollTimeout}
	}
	if deinit == nil {
		deinit = func() {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		regs:   regs,
		poller: poller,
		deinit: deinit,
		log:    log,
	}
}

// Observe registers fn to be called on every state transition.
func (s *Sequencer) Observe(fn func(InitState)) {
	s.observe = fn
}

// State returns the state the last Run stopped in.
func (s *Sequencer) State() InitState {
	return s.state
}

func (s *Sequencer) enter(state InitState) {
	s.state = state
	s.log.Debug("uart: init state", "state", state)
	if s.observe != nil {
		s.observe(state)
	}
}

func (s *Sequencer) fail(err error) error {
	s.enter(InitFailed)
	return err
}

// Run resets the UART, configures it for loopback self-test and verifies the
// bank switching and the TX to RX path. It blocks in the two polls.
func (s *Sequencer) Run(ctx context.Context) error {
	s.enter(InitStart)

	if err := s.regs.Sync(); err != nil {
		return s.fail(err)
	}
	s.enter(InitBankSelectorPrimed)

	if err := s.regs.Write(RegSYSC, syscSoftReset); err != nil {
		return s.fail(err)
	}
	if err := s.poller.Poll(ctx, s.anySet(RegSYSC, syscResetDone)); err != nil {
		return s.fail(fmt.Errorf("uart: wait for reset: %w", err))
	}

	steps := []struct {
		reg   Register
		value uint16
	}{
		{RegMCR, mcrLoopback},
		{RegFCR, fcrEnableFIFOs},
		{RegLCR, lcr8N1},
		{RegDLH, dlhSelfTest},
		{RegMCR, mcrLoopbackReady},
		{RegMDR1, mdr1UART16x},
	}
	for _, step := range steps {
		if err := s.regs.Write(step.reg, step.value); err != nil {
			return s.fail(err)
		}
	}
	s.enter(InitModeConfigured)

	mcr, err := s.regs.Read(RegMCR)
	if err != nil {
		return s.fail(err)
	}
	s.log.Info("uart: modem control read back", "value", fmt.Sprintf("0x%04x", mcr))
	if mcr != mcrLoopbackReady {
		s.log.Error("uart: modem control verification failed", "got", fmt.Sprintf("0x%04x", mcr), "want", fmt.Sprintf("0x%04x", mcrLoopbackReady))
		return s.fail(fmt.Errorf("%w: MCR read 0x%04x, want 0x%04x", ErrVerificationFailed, mcr, mcrLoopbackReady))
	}
	s.enter(InitModemVerified)

	if err := s.regs.Write(RegTHR, LoopbackTestByte); err != nil {
		return s.fail(err)
	}
	s.enter(InitLoopbackSent)

	if err := s.poller.Poll(ctx, s.anySet(RegRXFIFOLvl, rxFIFOLevelMask)); err != nil {
		return s.fail(fmt.Errorf("uart: wait for loopback byte: %w", err))
	}

	rhr, err := s.regs.Read(RegRHR)
	if err != nil {
		return s.fail(err)
	}
	got := rhr & 0x00FF
	s.log.Info("uart: loopback byte received", "value", fmt.Sprintf("0x%04x", got))
	if got != LoopbackTestByte {
		s.log.Error("uart: loopback verification failed", "got", fmt.Sprintf("0x%02x", got), "want", fmt.Sprintf("0x%02x", LoopbackTestByte))
		s.deinit()
		return s.fail(fmt.Errorf("%w: loopback read 0x%02x, want 0x%02x", ErrVerificationFailed, got, LoopbackTestByte))
	}
	s.enter(InitLoopbackVerified)

	s.log.Info("uart: self-test complete")
	s.enter(InitDone)
	return nil
}

// anySet polls until reg has any bit of mask set.
func (s *Sequencer) anySet(reg Register, mask uint16) Condition {
	return func() (bool, error) {
		value, err := s.regs.Read(reg)
		if err != nil {
			return false, err
		}
		return value&mask != 0, nil
	}
}

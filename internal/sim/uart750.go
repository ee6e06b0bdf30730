// Package sim models a 16C750-class UART register block (AM335x layout) so the
// driver layers can run without hardware.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/uart750/internal/irq"
)

const (
	// UART750MMIOSize is the size of the register block.
	UART750MMIOSize = 0x1000

	regRHR   = 0x00 // RHR/THR, DLL in configuration modes
	regIER   = 0x04 // IER, DLH in configuration modes
	regIIR   = 0x08 // IIR/FCR, EFR in configuration mode B
	regLCR   = 0x0C
	regMCR   = 0x10
	regLSR   = 0x14
	regMSR   = 0x18
	regSPR   = 0x1C
	regMDR1  = 0x20
	regMDR2  = 0x24
	regSYSC  = 0x54
	regSYSS  = 0x58
	regRXLvl = 0x64
	regTXLvl = 0x68
	regIER2  = 0x6C
	regMDR3  = 0x80

	registerStride = 4

	lcrDivisorLatch = 1 << 7
	lcrConfigModeB  = 0xBF

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1

	ierRHR = 1 << 0

	iirNone = 0x01
	iirRX   = 0x04

	syscResetDone = 1 << 0
	syscSoftReset = 1 << 1
	syssResetDone = 1 << 0

	// MDR1 mode 7 disables the UART.
	mdr1Disable = 0x07

	fifoSize = 64

	defaultResetLatency = 2
)

type bankMode int

const (
	modeOperational bankMode = iota
	modeConfigA
	modeConfigB
)

// Faults injects hardware misbehaviour.
type Faults struct {
	// ResetStuck keeps the reset-done bit clear after a soft reset.
	ResetStuck bool
	// MCRReadXOR is applied to every MCR read.
	MCRReadXOR uint16
	// LoopbackXOR is applied to every byte looped from TX to RX.
	LoopbackXOR byte
	// DropLoopback discards looped bytes so the RX FIFO never fills.
	DropLoopback bool
}

// Access is one register access seen by the block.
type Access struct {
	Write  bool
	Offset uint32
	Value  uint16
	// LCR is the bank-control value in effect when the access happened.
	LCR uint16
}

// Stats counts traffic through the block.
type Stats struct {
	TXBytes uint64
	RXBytes uint64
	IRQs    uint64
}

// UART750 is a simulated 16C750 register block.
type UART750 struct {
	mu sync.Mutex

	irqLine irq.LineInterrupt
	out     io.Writer
	in      io.Reader

	dll  byte
	dlh  byte
	ier  byte
	ier2 byte
	fcr  byte
	efr  byte
	lcr  uint16
	mcr  byte
	spr  byte
	mdr1 byte
	mdr2 byte
	mdr3 byte
	sysc uint16

	msrStatus byte

	resetDone      bool
	resetLatency   int
	resetCountdown int

	rxFIFO  [fifoSize]byte
	rxHead  int
	rxTail  int
	rxCount int
	overrun bool

	level bool

	faults  Faults
	tracing bool
	trace   []Access

	stats Stats
}

// NewUART750 creates a powered-on register block. Bytes transmitted outside
// loopback mode go to out; Poll moves bytes from in to the receiver.
func NewUART750(irqLine irq.LineInterrupt, out io.Writer, in io.Reader) *UART750 {
	if irqLine == nil {
		irqLine = irq.LineInterruptDetached()
	}
	s := &UART750{
		irqLine:      irqLine,
		out:          out,
		in:           in,
		resetLatency: defaultResetLatency,
	}
	s.powerOnLocked()
	return s
}

func (s *UART750) powerOnLocked() {
	s.softResetLocked()
	s.resetDone = true
	s.resetCountdown = 0
}

func (s *UART750) softResetLocked() {
	s.dll = 0
	s.dlh = 0
	s.ier = 0
	s.ier2 = 0
	s.fcr = 0
	s.efr = 0
	s.lcr = 0
	s.mcr = 0
	s.spr = 0
	s.mdr1 = mdr1Disable
	s.mdr2 = 0
	s.mdr3 = 0
	s.sysc = 0
	s.clearRXLocked()
	s.updateModemStatusLocked()

	s.resetDone = false
	s.resetCountdown = s.resetLatency
}

// SetFaults replaces the injected faults.
func (s *UART750) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// SetResetLatency sets how many SYSC reads a soft reset takes to complete.
func (s *UART750) SetResetLatency(reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLatency = reads
}

// EnableTrace starts or stops recording accesses.
func (s *UART750) EnableTrace(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracing = on
}

// Trace returns the recorded accesses and clears the record.
func (s *UART750) Trace() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace := s.trace
	s.trace = nil
	return trace
}

// LCR returns the bank-control register as the hardware holds it.
func (s *UART750) LCR() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lcr
}

// Peek returns a stored register without read side effects, ignoring banking.
// Divisor and EFR values are addressed by their configuration-mode offsets
// ORed with 0x100 (DLL, DLH) or 0x200 (EFR).
func (s *UART750) Peek(offset uint32) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case 0x100 | regRHR:
		return uint16(s.dll)
	case 0x100 | regIER:
		return uint16(s.dlh)
	case 0x200 | regIIR:
		return uint16(s.efr)
	case regIER:
		return uint16(s.ier)
	case regIIR:
		return uint16(s.fcr)
	case regLCR:
		return s.lcr
	case regMCR:
		return uint16(s.mcr)
	case regSPR:
		return uint16(s.spr)
	case regMDR1:
		return uint16(s.mdr1)
	case regMDR2:
		return uint16(s.mdr2)
	case regMDR3:
		return uint16(s.mdr3)
	case regSYSC:
		return s.sysc
	case regRXLvl:
		return uint16(s.rxCount)
	case regIER2:
		return uint16(s.ier2)
	default:
		return 0
	}
}

// Inject delivers bytes to the receiver as if they arrived on the line.
func (s *UART750) Inject(data ...byte) {
	s.mu.Lock()
	for _, b := range data {
		s.rxByteLocked(b)
	}
	s.unlockAndSignal()
}

// Poll moves one byte from the input stream into the receiver when the block
// is not in loopback mode. An input stream at EOF means nothing has arrived.
func (s *UART750) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	var readErr error
	if s.in != nil && s.mcr&mcrLoop == 0 && s.rxCount < fifoSize {
		var buf [1]byte
		n, err := s.in.Read(buf[:])
		if n > 0 {
			s.rxByteLocked(buf[0])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			readErr = fmt.Errorf("uart750: read line: %w", err)
		}
	}
	s.unlockAndSignal()
	return readErr
}

// ReadMMIO reads the register at offset from the start of the block.
func (s *UART750) ReadMMIO(offset uint64, data []byte) error {
	if offset >= UART750MMIOSize {
		return fmt.Errorf("uart750: offset 0x%x out of bounds", offset)
	}

	s.mu.Lock()
	var value uint16
	if offset%registerStride == 0 {
		value = s.readRegisterLocked(uint32(offset))
	}
	if s.tracing {
		s.trace = append(s.trace, Access{Offset: uint32(offset), Value: value, LCR: s.lcr})
	}
	s.unlockAndSignal()

	var buf [4]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	copy(data, buf[:])
	return nil
}

// WriteMMIO writes the register at offset from the start of the block.
func (s *UART750) WriteMMIO(offset uint64, data []byte) error {
	if offset >= UART750MMIOSize {
		return fmt.Errorf("uart750: offset 0x%x out of bounds", offset)
	}

	var value uint16
	switch len(data) {
	case 0:
		return nil
	case 1:
		value = uint16(data[0])
	default:
		value = binary.LittleEndian.Uint16(data)
	}

	s.mu.Lock()
	if s.tracing {
		s.trace = append(s.trace, Access{Write: true, Offset: uint32(offset), Value: value, LCR: s.lcr})
	}
	if offset%registerStride == 0 {
		s.writeRegisterLocked(uint32(offset), value)
	}
	s.unlockAndSignal()
	return nil
}

// unlockAndSignal releases the lock and then drives the interrupt line, so a
// handler that reads registers back does not deadlock against the block.
func (s *UART750) unlockAndSignal() {
	level := s.irqPendingLocked()
	changed := level != s.level
	s.level = level
	if changed && level {
		s.stats.IRQs++
	}
	line := s.irqLine
	s.mu.Unlock()

	if changed {
		line.SetLevel(level)
	}
}

func (s *UART750) modeLocked() bankMode {
	switch {
	case s.lcr&0xFF == lcrConfigModeB:
		return modeConfigB
	case s.lcr&lcrDivisorLatch != 0:
		return modeConfigA
	default:
		return modeOperational
	}
}

func (s *UART750) readRegisterLocked(offset uint32) uint16 {
	mode := s.modeLocked()

	switch offset {
	case regRHR:
		if mode != modeOperational {
			return uint16(s.dll)
		}
		return uint16(s.readRXByteLocked())
	case regIER:
		if mode != modeOperational {
			return uint16(s.dlh)
		}
		return uint16(s.ier)
	case regIIR:
		if mode == modeConfigB {
			return uint16(s.efr)
		}
		return uint16(s.interruptIdentificationLocked())
	case regLCR:
		return s.lcr
	case regMCR:
		return uint16(s.mcr) ^ s.faults.MCRReadXOR
	case regLSR:
		return uint16(s.lineStatusLocked())
	case regMSR:
		return uint16(s.msrStatus)
	case regSPR:
		return uint16(s.spr)
	case regMDR1:
		return uint16(s.mdr1)
	case regMDR2:
		return uint16(s.mdr2)
	case regMDR3:
		return uint16(s.mdr3)
	case regSYSC:
		s.advanceResetLocked()
		value := s.sysc
		if s.resetDone {
			value |= syscResetDone
		}
		return value
	case regSYSS:
		s.advanceResetLocked()
		if s.resetDone {
			return syssResetDone
		}
		return 0
	case regRXLvl:
		return uint16(s.rxCount)
	case regTXLvl:
		return 0
	case regIER2:
		return uint16(s.ier2)
	default:
		return 0
	}
}

func (s *UART750) writeRegisterLocked(offset uint32, value uint16) {
	mode := s.modeLocked()

	switch offset {
	case regRHR:
		if mode != modeOperational {
			s.dll = byte(value)
		} else {
			s.transmitByteLocked(byte(value))
		}
	case regIER:
		if mode != modeOperational {
			s.dlh = byte(value)
		} else {
			s.ier = byte(value)
		}
	case regIIR:
		if mode == modeConfigB {
			s.efr = byte(value)
		} else {
			s.setFCRLocked(byte(value))
		}
	case regLCR:
		s.lcr = value
	case regMCR:
		s.setMCRLocked(byte(value))
	case regSPR:
		s.spr = byte(value)
	case regMDR1:
		s.mdr1 = byte(value) & 0x07
	case regMDR2:
		s.mdr2 = byte(value)
	case regMDR3:
		s.mdr3 = byte(value)
	case regSYSC:
		if value&syscSoftReset != 0 {
			s.softResetLocked()
		}
		s.sysc = value &^ (syscSoftReset | syscResetDone)
	case regIER2:
		s.ier2 = byte(value)
	}
}

func (s *UART750) advanceResetLocked() {
	if s.resetDone || s.faults.ResetStuck {
		return
	}
	if s.resetCountdown > 0 {
		s.resetCountdown--
	}
	if s.resetCountdown == 0 {
		s.resetDone = true
	}
}

func (s *UART750) irqPendingLocked() bool {
	return (s.ier|s.ier2)&ierRHR != 0 && s.rxCount > 0
}

func (s *UART750) interruptIdentificationLocked() byte {
	value := byte(iirNone)
	if s.irqPendingLocked() {
		value = iirRX
	}
	if s.fcr&fcrEnable != 0 {
		value |= 0xC0
	}
	return value
}

func (s *UART750) lineStatusLocked() byte {
	value := byte(lsrTHRE | lsrTEMT)
	if s.rxCount > 0 {
		value |= lsrDataReady
	}
	if s.overrun {
		value |= lsrOverrun
		s.overrun = false
	}
	return value
}

func (s *UART750) transmitByteLocked(value byte) {
	if s.mdr1 == mdr1Disable {
		return
	}
	s.stats.TXBytes++

	if s.mcr&mcrLoop != 0 {
		if s.faults.DropLoopback {
			return
		}
		s.rxByteLocked(value ^ s.faults.LoopbackXOR)
		return
	}
	if s.out != nil {
		_, _ = s.out.Write([]byte{value})
	}
}

func (s *UART750) rxByteLocked(value byte) {
	if s.rxCount >= fifoSize {
		s.overrun = true
		return
	}
	s.rxFIFO[s.rxTail] = value
	s.rxTail = (s.rxTail + 1) % fifoSize
	s.rxCount++
	s.stats.RXBytes++
}

func (s *UART750) readRXByteLocked() byte {
	if s.rxCount == 0 {
		return 0
	}
	value := s.rxFIFO[s.rxHead]
	s.rxHead = (s.rxHead + 1) % fifoSize
	s.rxCount--
	return value
}

func (s *UART750) clearRXLocked() {
	s.rxHead = 0
	s.rxTail = 0
	s.rxCount = 0
	s.overrun = false
}

func (s *UART750) setFCRLocked(value byte) {
	if value&fcrClearRX != 0 {
		s.clearRXLocked()
	}
	s.fcr = value
}

func (s *UART750) setMCRLocked(value byte) {
	prev := s.mcr
	s.mcr = value

	if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
		// Leaving loopback drops anything that was looped back.
		s.clearRXLocked()
	}
	s.updateModemStatusLocked()
}

func (s *UART750) updateModemStatusLocked() {
	if s.mcr&mcrLoop == 0 {
		s.msrStatus = msrCTS | msrDSR | msrDCD
		return
	}
	s.msrStatus = 0
	if s.mcr&mcrDTR != 0 {
		s.msrStatus |= msrDSR
	}
	if s.mcr&mcrRTS != 0 {
		s.msrStatus |= msrCTS
	}
	if s.mcr&mcrOUT1 != 0 {
		s.msrStatus |= msrRI
	}
	if s.mcr&mcrOUT2 != 0 {
		s.msrStatus |= msrDCD
	}
}

// Stats returns current statistics.
func (s *UART750) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

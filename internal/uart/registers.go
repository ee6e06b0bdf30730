package uart

import "fmt"

// Register is a logical register id. The low byte is the physical byte offset;
// (id/256)%3 selects the register bank that must be visible for the access.
type Register uint32

// Bank selects the register set visible at an offset.
type Bank uint8

const (
	// BankOperational needs no bank switch.
	BankOperational Bank = iota
	// BankConfigA is selected by setting the divisor-latch bit in LCR.
	BankConfigA
	// BankConfigB is selected by writing the 0xBF sentinel to LCR.
	BankConfigB
)

const (
	RegRHR       Register = 0x000 // receive holding
	RegTHR       Register = 0x000 // transmit holding
	RegIER       Register = 0x004
	RegIIR       Register = 0x008
	RegFCR       Register = 0x008
	RegLCR       Register = 0x00C // bank control
	RegMCR       Register = 0x010
	RegLSR       Register = 0x014
	RegMSR       Register = 0x018
	RegSPR       Register = 0x01C
	RegMDR1      Register = 0x020
	RegMDR2      Register = 0x024
	RegMDR3      Register = 0x080
	RegSYSC      Register = 0x054
	RegSYSS      Register = 0x058
	RegRXFIFOLvl Register = 0x064
	RegTXFIFOLvl Register = 0x068
	RegDLL       Register = 0x100
	RegDLH       Register = 0x104
	RegEFR       Register = 0x208
)

const (
	// BankControlOffset is the physical offset of LCR.
	BankControlOffset = uint32(RegLCR)

	// bankASelect is ORed into the shadow to expose bank A.
	bankASelect = 0x80
	// bankBSentinel is written to LCR to expose bank B.
	bankBSentinel = 0xBF
)

// Bank returns the bank that must be selected for the access.
func (r Register) Bank() Bank {
	return Bank((r / 256) % 3)
}

// Offset returns the physical byte offset of the register.
func (r Register) Offset() uint32 {
	return uint32(r % 256)
}

var registerNames = map[Register]string{
	RegRHR:       "RHR",
	RegIER:       "IER",
	RegIIR:       "IIR",
	RegLCR:       "LCR",
	RegMCR:       "MCR",
	RegLSR:       "LSR",
	RegMSR:       "MSR",
	RegSPR:       "SPR",
	RegMDR1:      "MDR1",
	RegMDR2:      "MDR2",
	RegMDR3:      "MDR3",
	RegSYSC:      "SYSC",
	RegSYSS:      "SYSS",
	RegRXFIFOLvl: "RXFIFO_LVL",
	RegTXFIFOLvl: "TXFIFO_LVL",
	RegDLL:       "DLL",
	RegDLH:       "DLH",
	RegEFR:       "EFR",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reg(0x%03x)", uint32(r))
}

// NamedRegisters lists every named register in address order.
func NamedRegisters() []Register {
	return []Register{
		RegRHR, RegIER, RegIIR, RegLCR, RegMCR, RegLSR, RegMSR, RegSPR,
		RegMDR1, RegMDR2, RegSYSC, RegSYSS, RegRXFIFOLvl, RegTXFIFOLvl,
		RegMDR3, RegDLL, RegDLH, RegEFR,
	}
}

// Raw offsets used by the interrupt path, which bypasses banking.
const (
	rawIIR          = 0x08
	rawMDR1         = 0x20
	rawIER          = 0x6C
	ierRXData       = 0x01
	mdr1DisableMode = 0x07
)

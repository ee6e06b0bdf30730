package irq

import "errors"

var (
	// ErrBusy reports that a line already has a handler attached.
	ErrBusy = errors.New("irq: line busy")
	// ErrNotFound reports that a line does not exist on this controller.
	ErrNotFound = errors.New("irq: line not found")
)

// Result is returned by a top-half handler.
type Result int

const (
	// None means the interrupt was not raised by this device.
	None Result = iota
	// Handled means the top half finished all work.
	Handled
	// WakeThread asks the controller to run the bottom half.
	WakeThread
)

func (r Result) String() string {
	switch r {
	case None:
		return "none"
	case Handled:
		return "handled"
	case WakeThread:
		return "wake-thread"
	default:
		return "unknown"
	}
}

// Handler is a top half. It must not block.
type Handler func(line int) Result

// ThreadFunc is a bottom half. It may block.
type ThreadFunc func(line int)

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

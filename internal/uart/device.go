package uart

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/uart750/internal/devfs"
	"github.com/tinyrange/uart750/internal/irq"
	"github.com/tinyrange/uart750/internal/mmio"
)

const (
	// DriverName is the name the device node is registered under by default.
	DriverName = "barrometer_uart2"

	// DefaultPhysBase is the physical address of the UART2 register block.
	DefaultPhysBase = 0x48022000
	// DefaultWindowSize is the size of the UART2 register block.
	DefaultWindowSize = 0x1000
	// DefaultBitRate is recorded when no bit rate is configured.
	DefaultBitRate = 115200
)

// State is how far resource acquisition has progressed for a device.
type State int

const (
	StateUnmapped State = iota
	StateMapped
	StateInterruptAttached
	StateRegistersInitialized
	StateCharDeviceRegistered
	StateAttributeRegistered
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateMapped:
		return "mapped"
	case StateInterruptAttached:
		return "interrupt-attached"
	case StateRegistersInitialized:
		return "registers-initialized"
	case StateCharDeviceRegistered:
		return "chardev-registered"
	case StateAttributeRegistered:
		return "attribute-registered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InterruptController attaches handlers to interrupt lines.
type InterruptController interface {
	Attach(line int, top irq.Handler, bottom irq.ThreadFunc, owner any) error
	Detach(line int, owner any)
}

// NodeRegistry publishes byte-level device nodes.
type NodeRegistry interface {
	Register(name string, node io.ReadWriter) error
	Unregister(name string)
}

// AttributeRegistry publishes textual attributes.
type AttributeRegistry interface {
	Register(name string, attr devfs.Attribute) error
	Unregister(name string)
}

// Resources are the collaborators a Device acquires during Probe.
type Resources struct {
	Mapper     mmio.Mapper
	Interrupts InterruptController
	Nodes      NodeRegistry
	Attributes AttributeRegistry
	Log        *slog.Logger
}

// Config parameterizes one Probe.
type Config struct {
	PhysBase uint64
	Length   uint64

	// Interrupts enables the receive interrupt and attaches to IRQ.
	Interrupts bool
	IRQ        int

	// BitRate is recorded only; the self-test programs a fixed divisor.
	BitRate uint32

	// Poller bounds the init polls. Nil spins for DefaultPollTimeout.
	Poller Poller
}

// Device owns every resource of one UART instance: the register window, the
// bank-control shadow, the interrupt attachment and the published endpoints.
type Device struct {
	name string
	res  Resources
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	cfg         Config
	window      *mmio.Window
	regs        *Registers
	gateway     *InterruptGateway
	irqAttached bool
	node        *CharDev
	attr        *LoopbackAttr
	initState   InitState
}

// NewDevice returns an unmapped device. Nil registries are replaced by private
// in-memory ones.
func NewDevice(name string, res Resources) *Device {
	if name == "" {
		name = DriverName
	}
	if res.Log == nil {
		res.Log = slog.Default()
	}
	if res.Nodes == nil {
		res.Nodes = devfs.NewRegistry[io.ReadWriter]()
	}
	if res.Attributes == nil {
		res.Attributes = devfs.NewRegistry[devfs.Attribute]()
	}
	return &Device{
		name: name,
		res:  res,
		log:  res.Log.With("device", name),
	}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// AttributePath returns the name the loopback attribute is registered under.
func (d *Device) AttributePath() string {
	return d.name + "/" + LoopbackAttrName
}

// Probe acquires the device's resources in order: register window, interrupt
// line, self-test, device node, loopback attribute. On failure every step
// already taken is undone in reverse and the device is left unmapped.
func (d *Device) Probe(ctx context.Context, cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateUnmapped {
		return fmt.Errorf("uart: probe %s in state %s: %w", d.name, d.state, ErrAlreadyProbed)
	}
	if cfg.Length == 0 {
		cfg.Length = DefaultWindowSize
	}
	if cfg.BitRate == 0 {
		cfg.BitRate = DefaultBitRate
	}
	d.cfg = cfg
	d.initState = InitStart

	d.log.Info("uart: probing", "base", fmt.Sprintf("0x%08x", cfg.PhysBase), "length", cfg.Length, "bitRate", cfg.BitRate, "interrupts", cfg.Interrupts)

	window, err := mmio.Map(d.res.Mapper, cfg.PhysBase, cfg.Length, d.log)
	if err != nil {
		d.log.Error("uart: failed to map registers", "error", err)
		return fmt.Errorf("uart: probe %s: %w: %w", d.name, ErrMappingFailed, err)
	}
	d.window = window
	d.regs = NewRegisters(window)
	d.gateway = NewInterruptGateway(window, d.log)
	d.state = StateMapped

	if cfg.Interrupts {
		if err := d.attachInterruptLocked(); err != nil {
			d.unwindLocked()
			return fmt.Errorf("uart: probe %s: %w", d.name, err)
		}
		d.state = StateInterruptAttached
	}

	seq := NewSequencer(d.regs, cfg.Poller, d.deinitFunc(window), d.log)
	err = seq.Run(ctx)
	d.initState = seq.State()
	if err != nil {
		d.log.Error("uart: self-test failed", "state", seq.State(), "error", err)
		d.unwindLocked()
		return fmt.Errorf("uart: probe %s: %w", d.name, err)
	}
	d.state = StateRegistersInitialized

	if d.irqAttached {
		// The soft reset in the self-test cleared the interrupt enables.
		if err := d.gateway.EnableRx(); err != nil {
			d.unwindLocked()
			return fmt.Errorf("uart: probe %s: %w", d.name, err)
		}
	}

	node := NewCharDev(d.regs)
	if err := d.res.Nodes.Register(d.name, node); err != nil {
		d.unwindLocked()
		return fmt.Errorf("uart: probe %s: node: %w: %w", d.name, ErrDeviceRegistrationFailed, err)
	}
	d.node = node
	d.state = StateCharDeviceRegistered

	attr := NewLoopbackAttr(d.loopbackApplier(d.regs))
	if err := d.res.Attributes.Register(d.AttributePath(), attr); err != nil {
		d.unwindLocked()
		return fmt.Errorf("uart: probe %s: attribute: %w: %w", d.name, ErrDeviceRegistrationFailed, err)
	}
	d.attr = attr
	d.state = StateAttributeRegistered

	d.log.Info("uart: device ready")
	return nil
}

// Remove releases everything Probe acquired, in reverse order. Removing an
// unmapped device is a no-op.
func (d *Device) Remove() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateUnmapped {
		return
	}
	d.log.Info("uart: removing", "state", d.state)
	d.unwindLocked()
	d.log.Info("uart: device removed")
}

func (d *Device) attachInterruptLocked() error {
	if d.res.Interrupts == nil {
		return fmt.Errorf("line %d: no interrupt controller: %w", d.cfg.IRQ, ErrInterruptUnavailable)
	}
	if err := d.gateway.EnableRx(); err != nil {
		return err
	}
	if err := d.res.Interrupts.Attach(d.cfg.IRQ, d.gateway.TopHalf, d.gateway.BottomHalf, d); err != nil {
		if disableErr := d.gateway.DisableRx(); disableErr != nil {
			d.log.Warn("uart: rollback of rx interrupt enable failed", "error", disableErr)
		}
		d.log.Error("uart: failed to attach interrupt", "irq", d.cfg.IRQ, "error", err)
		return fmt.Errorf("line %d: %w: %w", d.cfg.IRQ, ErrInterruptUnavailable, err)
	}
	d.irqAttached = true
	d.log.Info("uart: interrupt attached", "irq", d.cfg.IRQ)
	return nil
}

// unwindLocked walks the state back to StateUnmapped. Every step is best
// effort: failures are logged and the walk continues.
func (d *Device) unwindLocked() {
	for d.state != StateUnmapped {
		switch d.state {
		case StateAttributeRegistered:
			d.res.Attributes.Unregister(d.AttributePath())
			d.attr = nil
			d.state = StateCharDeviceRegistered
		case StateCharDeviceRegistered:
			d.res.Nodes.Unregister(d.name)
			d.node = nil
			d.state = StateRegistersInitialized
		case StateRegistersInitialized:
			d.state = StateInterruptAttached
		case StateInterruptAttached:
			if d.irqAttached {
				d.res.Interrupts.Detach(d.cfg.IRQ, d)
				d.irqAttached = false
				if err := d.gateway.DisableRx(); err != nil {
					d.log.Warn("uart: disable rx interrupt failed", "error", err)
				}
			}
			d.state = StateMapped
		case StateMapped:
			if err := d.window.Unmap(); err != nil {
				d.log.Warn("uart: unmap failed", "error", err)
			}
			d.window = nil
			d.regs = nil
			d.gateway = nil
			d.state = StateUnmapped
		default:
			d.log.Error("uart: unknown state during unwind", "state", d.state)
			d.state = StateUnmapped
		}
	}
}

func (d *Device) deinitFunc(window *mmio.Window) func() {
	return func() {
		if err := window.Unmap(); err != nil {
			d.log.Warn("uart: deinit unmap failed", "error", err)
		}
	}
}

func (d *Device) loopbackApplier(regs *Registers) func(on bool) error {
	return func(on bool) error {
		mcr, err := regs.Read(RegMCR)
		if err != nil {
			return err
		}
		if on {
			mcr |= mcrLoopback
		} else {
			mcr &^= mcrLoopback
		}
		return regs.Write(RegMCR, mcr)
	}
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// InitState returns where the last self-test stopped.
func (d *Device) InitState() InitState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initState
}

// BitRate returns the bit rate recorded by the last Probe.
func (d *Device) BitRate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.BitRate
}

// Registers returns banked access to the device, or nil when unmapped.
func (d *Device) Registers() *Registers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs
}

// Node returns the published device node, or nil.
func (d *Device) Node() *CharDev {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.node
}

// Loopback returns the published loopback attribute, or nil.
func (d *Device) Loopback() *LoopbackAttr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attr
}

// InterruptCount returns the interrupts handled since the last Probe.
func (d *Device) InterruptCount() uint64 {
	d.mu.Lock()
	gateway := d.gateway
	d.mu.Unlock()
	if gateway == nil {
		return 0
	}
	return gateway.Count()
}

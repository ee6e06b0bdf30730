// Package config loads the YAML description of the UART instances a host
// drives and turns each entry into probe parameters.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/uart750/internal/uart"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "uart750.yaml"

	// DefaultIRQ is the UART2 interrupt line.
	DefaultIRQ = 74

	DefaultPollInterval = time.Millisecond

	// functionalClockHz feeds the baud generator in 16x mode.
	functionalClockHz = 48_000_000
)

type Backend string

const (
	BackendSim    Backend = "sim"
	BackendDevMem Backend = "devmem"
)

type PollMode string

const (
	PollSpin PollMode = "spin"
	PollTick PollMode = "tick"
)

// File is the top-level config document.
type File struct {
	Devices []Device `yaml:"devices"`
}

// Device describes one UART instance.
type Device struct {
	Name    string  `yaml:"name"`
	Backend Backend `yaml:"backend,omitempty"`

	PhysBase uint64 `yaml:"physBase,omitempty"`
	Length   uint64 `yaml:"length,omitempty"`

	IRQ        int  `yaml:"irq,omitempty"`
	Interrupts bool `yaml:"interrupts,omitempty"`

	BitRate uint32 `yaml:"bitRate,omitempty"`

	// MemDevice overrides /dev/mem for the devmem backend.
	MemDevice string `yaml:"memDevice,omitempty"`
	// UIODevice is the interrupt node for the devmem backend.
	UIODevice string `yaml:"uioDevice,omitempty"`

	Poll Poll `yaml:"poll,omitempty"`
}

// Poll bounds the self-test polls. A nil Timeout means uart.DefaultPollTimeout;
// an explicit zero means no bound.
type Poll struct {
	Mode     PollMode       `yaml:"mode,omitempty"`
	Timeout  *time.Duration `yaml:"timeout,omitempty"`
	Interval time.Duration  `yaml:"interval,omitempty"`
}

// Default returns a config with the single UART2 instance on the simulator.
func Default() File {
	f := File{Devices: []Device{{
		Name:       uart.DriverName,
		Backend:    BackendSim,
		IRQ:        DefaultIRQ,
		Interrupts: true,
	}}}
	f.normalize()
	return f
}

func (f *File) normalize() {
	if len(f.Devices) == 1 && f.Devices[0].Name == "" {
		f.Devices[0].Name = uart.DriverName
	}
	for i := range f.Devices {
		f.Devices[i].normalize()
	}
}

func (d *Device) normalize() {
	if d.Backend == "" {
		d.Backend = BackendSim
	}
	if d.PhysBase == 0 {
		d.PhysBase = uart.DefaultPhysBase
	}
	if d.Length == 0 {
		d.Length = uart.DefaultWindowSize
	}
	if d.BitRate == 0 {
		d.BitRate = uart.DefaultBitRate
	}
	if d.Poll.Mode == "" {
		d.Poll.Mode = PollSpin
	}
	if d.Poll.Mode == PollTick && d.Poll.Interval == 0 {
		d.Poll.Interval = DefaultPollInterval
	}
}

// Validate reports every problem in the config at once.
func (f File) Validate() error {
	if len(f.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	var errs []error
	seen := make(map[string]bool)
	for i, d := range f.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true

		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single normalized device entry.
func (d Device) Validate() error {
	var errs []error

	switch d.Backend {
	case BackendSim, BackendDevMem:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", d.Backend))
	}
	if d.PhysBase+d.Length < d.PhysBase {
		errs = append(errs, fmt.Errorf("window 0x%x+0x%x overflows", d.PhysBase, d.Length))
	}
	if d.Interrupts && d.IRQ < 0 {
		errs = append(errs, fmt.Errorf("irq %d is negative", d.IRQ))
	}
	if err := validateBitRate(d.BitRate); err != nil {
		errs = append(errs, err)
	}

	switch d.Poll.Mode {
	case PollSpin, PollTick:
	default:
		errs = append(errs, fmt.Errorf("unknown poll mode %q", d.Poll.Mode))
	}
	if d.Poll.Timeout != nil && *d.Poll.Timeout < 0 {
		errs = append(errs, fmt.Errorf("poll timeout %v is negative", *d.Poll.Timeout))
	}
	if d.Poll.Interval < 0 {
		errs = append(errs, fmt.Errorf("poll interval %v is negative", d.Poll.Interval))
	}
	return errors.Join(errs...)
}

// validateBitRate accepts rates whose 16x divisor fits the 16-bit divisor latch.
func validateBitRate(rate uint32) error {
	if rate == 0 {
		return fmt.Errorf("bit rate is zero")
	}
	divisor := functionalClockHz / (16 * uint64(rate))
	if divisor < 1 || divisor > 0xFFFF {
		return fmt.Errorf("bit rate %d out of range (divisor %d)", rate, divisor)
	}
	return nil
}

// Lookup returns the device called name.
func (f File) Lookup(name string) (Device, error) {
	for _, d := range f.Devices {
		if d.Name == name {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("device %q not configured", name)
}

// Poller builds the self-test poller for the device.
func (d Device) Poller() uart.Poller {
	timeout := uart.DefaultPollTimeout
	if d.Poll.Timeout != nil {
		timeout = *d.Poll.Timeout
	}
	if d.Poll.Mode == PollTick {
		return uart.TickPoller{Interval: d.Poll.Interval, Timeout: timeout}
	}
	return uart.SpinPoller{Timeout: timeout}
}

// ProbeConfig converts the entry into probe parameters.
func (d Device) ProbeConfig() uart.Config {
	return uart.Config{
		PhysBase:   d.PhysBase,
		Length:     d.Length,
		Interrupts: d.Interrupts,
		IRQ:        d.IRQ,
		BitRate:    d.BitRate,
		Poller:     d.Poller(),
	}
}

// Parse decodes, normalizes and validates a config document. Unknown keys are
// rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("invalid config: %w", err)
	}
	return f, nil
}

// Load reads and parses the config at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteTemplate writes f as YAML to path, creating or truncating it.
func WriteTemplate(path string, f File) error {
	f.normalize()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

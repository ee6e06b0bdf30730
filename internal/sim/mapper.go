package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/uart750/internal/mmio"
)

// Mapper places simulated register blocks at physical addresses and hands out
// mmio.Regions over them.
type Mapper struct {
	mu      sync.Mutex
	devices map[uint64]*UART750
	active  map[uint64]int
	fail    error
}

// NewMapper returns a Mapper with no devices.
func NewMapper() *Mapper {
	return &Mapper{
		devices: make(map[uint64]*UART750),
		active:  make(map[uint64]int),
	}
}

// Add places dev at base.
func (m *Mapper) Add(base uint64, dev *UART750) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for existing := range m.devices {
		if base < existing+UART750MMIOSize && existing < base+UART750MMIOSize {
			return fmt.Errorf("sim: block at 0x%x overlaps block at 0x%x", base, existing)
		}
	}
	m.devices[base] = dev
	return nil
}

// SetFailure makes every Map call fail with err until cleared with nil.
func (m *Mapper) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Active returns the number of live regions over the block at base.
func (m *Mapper) Active(base uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[base]
}

// Map implements mmio.Mapper.
func (m *Mapper) Map(base, length uint64) (mmio.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}
	dev, ok := m.devices[base]
	if !ok {
		return nil, fmt.Errorf("sim: no register block at 0x%x", base)
	}
	if length > UART750MMIOSize {
		return nil, fmt.Errorf("sim: length 0x%x exceeds block size 0x%x", length, UART750MMIOSize)
	}
	m.active[base]++
	return &region{owner: m, base: base, dev: dev}, nil
}

func (m *Mapper) release(base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[base] > 0 {
		m.active[base]--
	}
}

type region struct {
	owner *Mapper
	base  uint64
	dev   *UART750

	mu     sync.Mutex
	closed bool
}

// Read16 implements mmio.Region.
func (r *region) Read16(offset uint32) uint16 {
	var buf [2]byte
	if err := r.dev.ReadMMIO(uint64(offset), buf[:]); err != nil {
		return 0
	}
	return uint16(buf[0]) | uint16(buf[1])<<8
}

// Write16 implements mmio.Region.
func (r *region) Write16(offset uint32, value uint16) {
	_ = r.dev.WriteMMIO(uint64(offset), []byte{byte(value), byte(value >> 8)})
}

// Close implements mmio.Region.
func (r *region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.owner.release(r.base)
	return nil
}

var _ mmio.Mapper = (*Mapper)(nil)

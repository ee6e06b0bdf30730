//go:build !linux

package mmio

import (
	"errors"
	"fmt"
)

// DefaultDevMemPath is the physical memory device used by DevMem.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical register windows through /dev/mem. It is only
// functional on linux.
type DevMem struct {
	Path   string
	Offset uint64
}

// Map implements Mapper.
func (d DevMem) Map(base, length uint64) (Region, error) {
	return nil, fmt.Errorf("devmem: map 0x%x: %w", base, errors.ErrUnsupported)
}

var _ Mapper = DevMem{}

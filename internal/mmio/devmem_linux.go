//go:build linux

package mmio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevMemPath is the physical memory device used by DevMem.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical register windows through /dev/mem.
type DevMem struct {
	// Path overrides DefaultDevMemPath (for /dev/uioN map regions or tests).
	Path string
	// Offset is subtracted from the physical base before mapping. UIO devices
	// expose their first map at file offset 0.
	Offset uint64
}

// Map implements Mapper.
func (d DevMem) Map(base, length uint64) (Region, error) {
	path := d.Path
	if path == "" {
		path = DefaultDevMemPath
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer unix.Close(fd)

	if base < d.Offset {
		return nil, fmt.Errorf("base 0x%x below device offset 0x%x", base, d.Offset)
	}
	phys := base - d.Offset

	pageSize := uint64(unix.Getpagesize())
	pageOff := phys & (pageSize - 1)
	mapLen := (pageOff + length + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(fd, int64(phys-pageOff), int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at 0x%x: %w", path, phys-pageOff, err)
	}

	return &devMemRegion{
		mem:     mem,
		pageOff: pageOff,
	}, nil
}

type devMemRegion struct {
	mem     []byte
	pageOff uint64
}

// Read16 implements Region.
func (r *devMemRegion) Read16(offset uint32) uint16 {
	return *(*uint16)(unsafe.Pointer(&r.mem[r.pageOff+uint64(offset)]))
}

// Write16 implements Region.
func (r *devMemRegion) Write16(offset uint32, value uint16) {
	*(*uint16)(unsafe.Pointer(&r.mem[r.pageOff+uint64(offset)])) = value
}

// Close implements Region.
func (r *devMemRegion) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return unix.Munmap(mem)
}

var _ Mapper = DevMem{}

//go:build linux

package irq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// UIO delivers interrupts from Linux userspace I/O devices. Line n is served by
// the device node returned by Path(n); the kernel counts interrupts and masks
// the line until a 1 is written back.
type UIO struct {
	// Path maps an interrupt line to its UIO node. Defaults to /dev/uio<n>.
	Path func(line int) string

	log *slog.Logger

	mu       sync.Mutex
	attached map[int]*uioAttachment
}

type uioAttachment struct {
	owner any
	file  *os.File
	done  chan struct{}
}

// NewUIO builds a UIO controller.
func NewUIO(log *slog.Logger) *UIO {
	if log == nil {
		log = slog.Default()
	}
	return &UIO{
		log:      log,
		attached: make(map[int]*uioAttachment),
	}
}

func (u *UIO) path(line int) string {
	if u.Path != nil {
		return u.Path(line)
	}
	return fmt.Sprintf("/dev/uio%d", line)
}

// Attach opens the UIO node for line and starts the dispatch loop.
func (u *UIO) Attach(line int, top Handler, bottom ThreadFunc, owner any) error {
	if top == nil {
		return fmt.Errorf("irq: attach line %d: nil handler", line)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.attached[line]; ok {
		return fmt.Errorf("irq: attach line %d: %w", line, ErrBusy)
	}

	path := u.path(line)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("irq: attach line %d: %s: %w", line, path, ErrNotFound)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("irq: attach line %d: %s: %w", line, path, ErrBusy)
	case err != nil:
		return fmt.Errorf("irq: attach line %d: %w", line, err)
	}

	a := &uioAttachment{
		owner: owner,
		file:  f,
		done:  make(chan struct{}),
	}
	if err := unmask(f); err != nil {
		f.Close()
		return fmt.Errorf("irq: attach line %d: unmask: %w", line, err)
	}
	u.attached[line] = a

	go u.loop(line, a, top, bottom)
	return nil
}

func (u *UIO) loop(line int, a *uioAttachment, top Handler, bottom ThreadFunc) {
	defer close(a.done)

	var buf [4]byte
	for {
		if _, err := a.file.Read(buf[:]); err != nil {
			if !errors.Is(err, os.ErrClosed) {
				u.log.Warn("irq: uio read failed", "line", line, "error", err)
			}
			return
		}
		u.log.Debug("irq: uio interrupt", "line", line, "count", binary.NativeEndian.Uint32(buf[:]))

		if top(line) == WakeThread && bottom != nil {
			bottom(line)
		}
		if err := unmask(a.file); err != nil {
			if !errors.Is(err, os.ErrClosed) {
				u.log.Warn("irq: uio unmask failed", "line", line, "error", err)
			}
			return
		}
	}
}

// Detach closes the UIO node and waits for the dispatch loop to exit.
func (u *UIO) Detach(line int, owner any) {
	u.mu.Lock()
	a, ok := u.attached[line]
	if !ok || a.owner != owner {
		u.mu.Unlock()
		u.log.Warn("irq: detach without matching handler", "line", line)
		return
	}
	delete(u.attached, line)
	u.mu.Unlock()

	if err := a.file.Close(); err != nil {
		u.log.Warn("irq: close uio node", "line", line, "error", err)
	}
	<-a.done
}

func unmask(f *os.File) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	_, err := f.Write(buf[:])
	return err
}

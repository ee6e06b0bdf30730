package uart

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyrange/uart750/internal/devfs"
)

const (
	LoopbackOn  = "on"
	LoopbackOff = "off"

	// LoopbackAttrName is the attribute name under the device.
	LoopbackAttrName = "loopback"
)

// LoopbackAttr is the textual loopback mode attribute.
type LoopbackAttr struct {
	mu    sync.Mutex
	mode  string
	apply func(on bool) error
}

// NewLoopbackAttr returns an attribute in the "off" mode. apply, when not nil,
// is called before a new mode is stored; if it fails the mode is unchanged.
func NewLoopbackAttr(apply func(on bool) error) *LoopbackAttr {
	return &LoopbackAttr{mode: LoopbackOff, apply: apply}
}

// Show implements devfs.Attribute.
func (a *LoopbackAttr) Show() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode + "\n"
}

// Store implements devfs.Attribute.
func (a *LoopbackAttr) Store(value string) error {
	var mode string
	switch {
	case strings.HasPrefix(value, LoopbackOn):
		mode = LoopbackOn
	case strings.HasPrefix(value, LoopbackOff):
		mode = LoopbackOff
	default:
		return fmt.Errorf("uart: loopback mode %q: %w", value, ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.apply != nil {
		if err := a.apply(mode == LoopbackOn); err != nil {
			return fmt.Errorf("uart: apply loopback %s: %w", mode, err)
		}
	}
	a.mode = mode
	return nil
}

// Mode returns the stored mode.
func (a *LoopbackAttr) Mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

var _ devfs.Attribute = (*LoopbackAttr)(nil)

package irq

import (
	"fmt"
	"log/slog"
	"sync"
)

// Controller is an in-process interrupt controller. Devices drive lines through
// LineInterrupt handles; a rising edge on a line with an attached handler runs
// the top half, and then the bottom half if requested, on a goroutine of its own
// so the raising device never re-enters its own handler.
type Controller struct {
	mu    sync.Mutex
	lines map[int]*lineState
	log   *slog.Logger
}

type lineState struct {
	level    bool
	handler  *attachment
	raised   uint64
	spurious uint64
}

type attachment struct {
	owner  any
	top    Handler
	bottom ThreadFunc

	// inflight counts dispatches started for this attachment.
	inflight sync.WaitGroup
}

// NewController builds a Controller with no lines.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		lines: make(map[int]*lineState),
		log:   log,
	}
}

// AllocateLine declares line and returns a LineInterrupt handle for it.
func (c *Controller) AllocateLine(line int) LineInterrupt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[line]; !ok {
		c.lines[line] = &lineState{}
	}
	return &lineHandle{owner: c, line: line}
}

// Attach installs a top and bottom half on line for owner.
func (c *Controller) Attach(line int, top Handler, bottom ThreadFunc, owner any) error {
	if top == nil {
		return fmt.Errorf("irq: attach line %d: nil handler", line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.lines[line]
	if !ok {
		return fmt.Errorf("irq: attach line %d: %w", line, ErrNotFound)
	}
	if state.handler != nil {
		return fmt.Errorf("irq: attach line %d: %w", line, ErrBusy)
	}
	state.handler = &attachment{
		owner:  owner,
		top:    top,
		bottom: bottom,
	}
	c.log.Debug("irq: handler attached", "line", line)
	return nil
}

// Detach removes the handler owned by owner from line and waits for running
// dispatches to finish. Detaching with a different owner is ignored.
func (c *Controller) Detach(line int, owner any) {
	c.mu.Lock()
	state, ok := c.lines[line]
	if !ok || state.handler == nil || state.handler.owner != owner {
		c.mu.Unlock()
		c.log.Warn("irq: detach without matching handler", "line", line)
		return
	}
	handler := state.handler
	state.handler = nil
	c.mu.Unlock()

	handler.inflight.Wait()
	c.log.Debug("irq: handler detached", "line", line)
}

// Stats returns the number of rising edges and the number of those that found
// no handler (or a top half that returned None).
func (c *Controller) Stats(line int) (raised, spurious uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.lines[line]
	if !ok {
		return 0, 0
	}
	return state.raised, state.spurious
}

func (c *Controller) setLevel(line int, high bool) {
	c.mu.Lock()
	state := c.lines[line]
	if state == nil {
		state = &lineState{}
		c.lines[line] = state
	}
	rising := high && !state.level
	state.level = high
	if !rising {
		c.mu.Unlock()
		return
	}
	c.dispatchLocked(line, state)
	c.mu.Unlock()
}

func (c *Controller) pulse(line int) {
	c.mu.Lock()
	state := c.lines[line]
	if state == nil {
		state = &lineState{}
		c.lines[line] = state
	}
	c.dispatchLocked(line, state)
	c.mu.Unlock()
}

func (c *Controller) dispatchLocked(line int, state *lineState) {
	state.raised++
	handler := state.handler
	if handler == nil {
		state.spurious++
		return
	}
	handler.inflight.Add(1)
	go func() {
		defer handler.inflight.Done()
		switch handler.top(line) {
		case WakeThread:
			if handler.bottom != nil {
				handler.bottom(line)
			}
		case None:
			c.mu.Lock()
			state.spurious++
			c.mu.Unlock()
		}
	}()
}

type lineHandle struct {
	owner *Controller
	line  int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.line)
}

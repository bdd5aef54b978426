package relay

import (
	"sync"
	"time"

	"bundlebridge/internal/clock"
)

// State is the import control's visible state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateWaiting State = "waiting"
	StateSuccess State = "success"
	StateError   State = "error"
)

const (
	SuccessRevert     = 4 * time.Second
	ErrorRevert       = 5 * time.Second
	ConfigErrorRevert = 3 * time.Second
)

const (
	labelIdle    = "Send to site"
	labelLoading = "Sending..."
	labelWaiting = "Waiting for download..."
	labelSuccess = "✓ Sent to site"
)

// Control is the injected import control. Transitions are serialized; timed
// reverts only apply to the state that scheduled them.
type Control struct {
	clock    clock.Clock
	onChange func(State, string)

	mu    sync.Mutex
	state State
	label string
	gen   uint64
	timer clock.Timer
}

// NewControl returns an idle control. onChange, if set, is called after every
// transition outside the control's lock.
func NewControl(clk clock.Clock, onChange func(State, string)) *Control {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Control{clock: clk, onChange: onChange, state: StateIdle, label: labelIdle}
}

// State returns the current state and label.
func (c *Control) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.label
}

// Busy reports whether an import is in flight.
func (c *Control) Busy() bool {
	state, _ := c.State()
	return state == StateLoading || state == StateWaiting
}

// Begin moves the control to loading. It reports false if an import is
// already in flight.
func (c *Control) Begin() bool {
	c.mu.Lock()
	if c.state == StateLoading || c.state == StateWaiting {
		c.mu.Unlock()
		return false
	}
	c.setLocked(StateLoading, labelLoading, 0)
	return c.unlockNotify()
}

// Wait marks the import as queued pending a download URL. It does not revert
// on its own.
func (c *Control) Wait() {
	c.mu.Lock()
	c.setLocked(StateWaiting, labelWaiting, 0)
	c.unlockNotify()
}

// Succeed shows success and reverts to idle after SuccessRevert.
func (c *Control) Succeed() {
	c.mu.Lock()
	c.setLocked(StateSuccess, labelSuccess, SuccessRevert)
	c.unlockNotify()
}

// Fail shows message and reverts to idle. Configuration errors revert sooner.
func (c *Control) Fail(message string, configuration bool) {
	if message == "" {
		message = "Import failed"
	}
	delay := ErrorRevert
	if configuration {
		delay = ConfigErrorRevert
	}
	c.mu.Lock()
	c.setLocked(StateError, "✗ "+message, delay)
	c.unlockNotify()
}

// Reset returns the control to idle immediately.
func (c *Control) Reset() {
	c.mu.Lock()
	c.setLocked(StateIdle, labelIdle, 0)
	c.unlockNotify()
}

func (c *Control) setLocked(state State, label string, revert time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.state = state
	c.label = label
	if revert <= 0 {
		return
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(revert, func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.setLocked(StateIdle, labelIdle, 0)
		c.unlockNotify()
	})
}

func (c *Control) unlockNotify() bool {
	state, label := c.state, c.label
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(state, label)
	}
	return true
}

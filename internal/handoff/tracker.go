// Package handoff moves one shared buffer between the CPU, the GPU and the
// NPU. It tracks who may touch the buffer, drains devices between stages and
// releases everything in reverse acquisition order.
package handoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/uma-handoff/internal/failure"
)

// Device identifies a compute context that can touch a shared buffer.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
	NPU Device = "npu"
)

// State is a buffer's position in the handoff protocol.
type State int

const (
	Unbound State = iota
	Imported
	Computing
	Computed
	Drained
	HostAccess
	Released
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Imported:
		return "imported"
	case Computing:
		return "computing"
	case Computed:
		return "computed"
	case Drained:
		return "drained"
	case HostAccess:
		return "host-access"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Device Device
	At     time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Device)
}

// Tracker enforces the ordering rules for one buffer: a device may only
// touch it after every other device's writes were drained, and the CPU may
// only map it when no device write is outstanding.
type Tracker struct {
	mu       sync.Mutex
	buffer   string
	state    State
	device   Device
	writer   Device
	pending  bool
	hostOpen bool
	imported map[Device]bool
	history  []Transition
}

// NewTracker starts tracking the named buffer in the Unbound state.
func NewTracker(buffer string) *Tracker {
	return &Tracker{buffer: buffer, imported: map[Device]bool{CPU: true}}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending reports the device whose write has not been drained yet.
func (t *Tracker) Pending() (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer, t.pending
}

// Imported reports whether dev holds a handle to the buffer.
func (t *Tracker) Imported(dev Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.imported[dev]
}

// History returns every transition in order.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

func (t *Tracker) move(to State, dev Device) {
	t.history = append(t.history, Transition{From: t.state, To: to, Device: dev, At: time.Now()})
	t.state = to
	t.device = dev
}

// undo reverts the last transition if it entered s.
func (t *Tracker) undo(s State) {
	n := len(t.history)
	if n == 0 || t.state != s {
		return
	}
	t.state = t.history[n-1].From
	t.history = t.history[:n-1]
	t.device = ""
	if n > 1 {
		t.device = t.history[n-2].Device
	}
}

func (t *Tracker) violation(format string, args ...any) error {
	return failure.New(failure.OrderingViolation, "handoff."+t.buffer, format, args...)
}

// Import records that dev now holds a handle to the buffer.
func (t *Tracker) Import(dev Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Released {
		return t.violation("%s import after release", dev)
	}
	t.imported[dev] = true
	if t.state == Unbound {
		t.move(Imported, dev)
	}
	return nil
}

// BeginCompute is called before dev reads or writes the buffer.
func (t *Tracker) BeginCompute(dev Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == Released:
		return t.violation("%s compute after release", dev)
	case !t.imported[dev]:
		return t.violation("%s computes on a buffer it never imported", dev)
	case t.hostOpen:
		return t.violation("%s compute while a CPU mapping is open", dev)
	case t.pending && t.writer != dev:
		return t.violation("%s access before %s write was drained", dev, t.writer)
	}
	t.move(Computing, dev)
	return nil
}

// EndCompute marks dev's work as submitted. The write stays pending until
// Drain(dev).
func (t *Tracker) EndCompute(dev Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Computing || t.device != dev {
		return t.violation("%s ends compute in state %s", dev, t.state)
	}
	t.writer = dev
	t.pending = true
	t.move(Computed, dev)
	return nil
}

// AbortCompute undoes BeginCompute when dev's work was never submitted.
func (t *Tracker) AbortCompute(dev Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == dev {
		t.undo(Computing)
	}
}

// Drain records a completed drain and memory barrier for dev.
func (t *Tracker) Drain(dev Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending && t.writer == dev {
		t.pending = false
		t.move(Drained, dev)
	}
}

// BeginHostAccess is called before the CPU maps the buffer.
func (t *Tracker) BeginHostAccess() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == Released:
		return t.violation("host access after release")
	case t.hostOpen:
		return t.violation("host mapping already open")
	case t.pending && t.writer != CPU:
		return t.violation("host access before %s write was drained", t.writer)
	}
	t.hostOpen = true
	t.move(HostAccess, CPU)
	return nil
}

// EndHostAccess closes CPU access. A write leaves a CPU write pending that
// must be fenced before a device touches the buffer.
func (t *Tracker) EndHostAccess(wrote bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostOpen = false
	if wrote {
		t.writer, t.pending = CPU, true
		t.move(Computed, CPU)
		return
	}
	t.move(Drained, CPU)
}

// AbortHostAccess undoes BeginHostAccess when the mapping was never made.
func (t *Tracker) AbortHostAccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hostOpen {
		t.hostOpen = false
		t.undo(HostAccess)
	}
}

// Release is the final transition. It fails while a CPU mapping is open or a
// device write is outstanding.
func (t *Tracker) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == Released:
		return t.violation("released twice")
	case t.hostOpen:
		return t.violation("release while CPU mapping is open")
	case t.pending && t.writer != CPU:
		return t.violation("release before %s write was drained", t.writer)
	}
	t.pending = false
	t.move(Released, t.device)
	return nil
}

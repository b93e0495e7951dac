// Package iface holds the interface descriptor shared between the
// Supervisor, CmdWorker, and Store collaborators.
package iface

import (
	"sync"
	"time"
)

// State is the connection state of an interface.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateAttempting   State = "ATTEMPTING"
	StateConnected    State = "CONNECTED"
)

// Descriptor is the read-mostly identity and policy record for a single
// interface. Only the Supervisor transitions State; everything else
// (name, target set, reconnect policy) is fixed at construction time and
// safe to read concurrently from CmdWorker and PacketHandler.
type Descriptor struct {
	mu sync.RWMutex

	Name           string
	AutoReconnect  bool
	ReconnectDelay time.Duration
	ReadAllowed    bool

	state   State
	targets []string
}

// NewDescriptor builds a Descriptor in the initial DISCONNECTED state.
func NewDescriptor(name string, targets []string, autoReconnect, readAllowed bool, reconnectDelay time.Duration) *Descriptor {
	d := &Descriptor{
		Name:           name,
		AutoReconnect:  autoReconnect,
		ReconnectDelay: reconnectDelay,
		ReadAllowed:    readAllowed,
		state:          StateDisconnected,
	}
	d.targets = append(d.targets, targets...)
	return d
}

// State returns the current connection state.
func (d *Descriptor) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState transitions the connection state. Only the Supervisor calls this.
func (d *Descriptor) SetState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// Connected reports whether the descriptor currently believes the
// interface is connected.
func (d *Descriptor) Connected() bool {
	return d.State() == StateConnected
}

// TargetNames returns a snapshot of the logical targets this interface serves.
func (d *Descriptor) TargetNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.targets))
	copy(out, d.targets)
	return out
}

// AddTarget appends a new logical target. Intended for use during
// construction only; the target set is otherwise treated as immutable.
func (d *Descriptor) AddTarget(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, name)
}

package scheduler

import "sync"

// NetworkType is the device's current connection class.
type NetworkType int

const (
	NetworkNone NetworkType = iota
	NetworkMetered
	NetworkUnmetered
)

// Constraint is a queue's network requirement, a persisted user preference
// ("any connection" vs. "unmetered only").
type Constraint int

const (
	ConnectionAny Constraint = iota
	ConnectionUnmetered
)

// ParseConstraint maps a configuration string to a Constraint. Unknown
// values fall back to ConnectionAny.
func ParseConstraint(s string) Constraint {
	if s == "unmetered" {
		return ConnectionUnmetered
	}
	return ConnectionAny
}

// Satisfied reports whether the current network meets the constraint.
func (c Constraint) Satisfied(n NetworkType) bool {
	switch c {
	case ConnectionUnmetered:
		return n == NetworkUnmetered
	default:
		return n != NetworkNone
	}
}

// Connectivity reports the device's network state. The queue consults it
// at every dispatch so a lost connection pauses work without dequeueing it.
type Connectivity interface {
	Network() NetworkType
}

// ManualConnectivity is a settable Connectivity, driven by whatever
// platform signal is available (and by tests).
type ManualConnectivity struct {
	mu      sync.Mutex
	network NetworkType
}

// NewManualConnectivity starts in the given state.
func NewManualConnectivity(n NetworkType) *ManualConnectivity {
	return &ManualConnectivity{network: n}
}

// Network implements Connectivity.
func (m *ManualConnectivity) Network() NetworkType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// Set updates the current network state.
func (m *ManualConnectivity) Set(n NetworkType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = n
}

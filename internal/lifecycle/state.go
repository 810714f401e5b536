package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
)

// State is a position in the manager lifecycle.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateSuperseded
	// StateRedundant follows a failed install; installing may be retried from here.
	StateRedundant
)

var stateNames = [...]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActive:     "active",
	StateSuperseded: "superseded",
	StateRedundant:  "redundant",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Serving reports whether fetches may be routed to a manager in this state.
func (s State) Serving() bool {
	return s == StateActive || s == StateSuperseded
}

var (
	// ErrInvalidState is returned when a lifecycle hook runs out of order.
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrInstallFailed wraps the first asset failure of an install.
	ErrInstallFailed = errors.New("install failed")
)

// transition moves the manager to next if its current state is one of from.
func (m *Manager) transition(next State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range from {
		if m.state == s {
			m.logger.Debug("state change", slog.String("from", m.state.String()), slog.String("to", next.String()))
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, next, m.state)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debug("state change", slog.String("from", m.state.String()), slog.String("to", next.String()))
	m.state = next
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

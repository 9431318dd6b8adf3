package tormgr

import (
	"fmt"
	"sync"
)

// DaemonPhase enumerates the daemon half of TorState.
type DaemonPhase string

const (
	// DaemonOff means no tor process is running.
	DaemonOff DaemonPhase = "off"
	// DaemonStarting means the process has been launched but has not yet
	// reported its first bootstrap event.
	DaemonStarting DaemonPhase = "starting"
	// DaemonOn means the process is running and has reported at least
	// one bootstrap event; Bootstrap carries the most recent percentage.
	DaemonOn DaemonPhase = "on"
	// DaemonStopping means a graceful shutdown has been requested and
	// the runtime is waiting for the process to exit.
	DaemonStopping DaemonPhase = "stopping"
)

// NetworkPhase enumerates the network half of TorState, mirroring the
// DisableNetwork configuration option.
type NetworkPhase string

const (
	// NetworkDisabled means tor is not building circuits.
	NetworkDisabled NetworkPhase = "disabled"
	// NetworkEnabled means SETCONF DisableNetwork=0 has succeeded.
	NetworkEnabled NetworkPhase = "enabled"
)

// TorState is a projection of daemon state as the tuple (daemon,
// network). Bootstrap is only meaningful while daemon == DaemonOn; it
// is monotonically non-decreasing between Off->Off cycles and resets to
// 0 on each transition to DaemonStarting.
type TorState struct {
	Daemon    DaemonPhase
	Bootstrap int
	Network   NetworkPhase
}

// String renders the state the way log lines reference it, e.g.
// "on(42)/enabled".
func (s TorState) String() string {
	if s.Daemon == DaemonOn {
		return fmt.Sprintf("%s(%d)/%s", s.Daemon, s.Bootstrap, s.Network)
	}
	return fmt.Sprintf("%s/%s", s.Daemon, s.Network)
}

// stateTracker holds the current TorState behind a mutex and enforces
// the transition/monotonicity invariants from the daemon state machine:
// Off -> Starting -> On(0) -> On(1) ... On(100) -> (Stopping|On) -> Off.
type stateTracker struct {
	mu    sync.Mutex
	state TorState
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: TorState{Daemon: DaemonOff, Network: NetworkDisabled}}
}

// snapshot returns the current state.
func (t *stateTracker) snapshot() TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// toStarting transitions daemon to Starting, resetting Bootstrap to 0 as
// required on every Off->Starting transition.
func (t *stateTracker) toStarting() TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Daemon = DaemonStarting
	t.state.Bootstrap = 0
	return t.state
}

// observeBootstrap records a BootstrapProgress event. The first
// observation after Starting transitions daemon to On; subsequent
// observations update Bootstrap only if it does not decrease, per the
// bootstrap monotonicity invariant.
func (t *stateTracker) observeBootstrap(percent int) TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Daemon == DaemonStarting {
		t.state.Daemon = DaemonOn
	}
	if percent > t.state.Bootstrap {
		t.state.Bootstrap = percent
	}
	return t.state
}

// toStopping transitions daemon to Stopping, regardless of current
// phase (a Stop dequeue always moves the state machine here).
func (t *stateTracker) toStopping() TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Daemon = DaemonStopping
	return t.state
}

// toOff transitions daemon to Off, as observed by the supervisor when
// the process exits, and forces network back to Disabled.
func (t *stateTracker) toOff() TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Daemon = DaemonOff
	t.state.Network = NetworkDisabled
	return t.state
}

// setNetwork flips the network phase, mirroring a successful SETCONF
// DisableNetwork change or a disconnect.
func (t *stateTracker) setNetwork(phase NetworkPhase) TorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Network = phase
	return t.state
}

// isOn reports whether commands may currently be submitted to tor.
func (t *stateTracker) isOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Daemon == DaemonOn
}

// isOff reports whether the daemon is fully stopped.
func (t *stateTracker) isOff() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Daemon == DaemonOff
}

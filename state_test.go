package tormgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTorStateString(t *testing.T) {
	t.Run("should include bootstrap when daemon is on", func(t *testing.T) {
		s := TorState{Daemon: DaemonOn, Bootstrap: 42, Network: NetworkEnabled}
		assert.Equal(t, "on(42)/enabled", s.String())
	})

	t.Run("should omit bootstrap otherwise", func(t *testing.T) {
		s := TorState{Daemon: DaemonOff, Network: NetworkDisabled}
		assert.Equal(t, "off/disabled", s.String())
	})
}

func TestStateTrackerLifecycle(t *testing.T) {
	tr := newStateTracker()
	require.True(t, tr.isOff())

	tr.toStarting()
	s := tr.snapshot()
	assert.Equal(t, DaemonStarting, s.Daemon)
	assert.Equal(t, 0, s.Bootstrap)

	s = tr.observeBootstrap(10)
	assert.Equal(t, DaemonOn, s.Daemon)
	assert.Equal(t, 10, s.Bootstrap)
	require.True(t, tr.isOn())

	s = tr.setNetwork(NetworkEnabled)
	assert.Equal(t, NetworkEnabled, s.Network)

	s = tr.toStopping()
	assert.Equal(t, DaemonStopping, s.Daemon)

	s = tr.toOff()
	assert.Equal(t, DaemonOff, s.Daemon)
	assert.Equal(t, NetworkDisabled, s.Network)
	require.True(t, tr.isOff())
}

func TestStateTrackerBootstrapMonotonic(t *testing.T) {
	tr := newStateTracker()
	tr.toStarting()
	tr.observeBootstrap(50)
	s := tr.observeBootstrap(30)
	assert.Equal(t, 50, s.Bootstrap, "bootstrap must not decrease")
}

func TestStateTrackerResetsBootstrapOnRestart(t *testing.T) {
	tr := newStateTracker()
	tr.toStarting()
	tr.observeBootstrap(100)
	tr.toStopping()
	tr.toOff()

	s := tr.toStarting()
	assert.Equal(t, 0, s.Bootstrap, "bootstrap resets to 0 on transition to Starting")
}

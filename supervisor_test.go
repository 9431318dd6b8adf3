package tormgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSupervisorDefaults(t *testing.T) {
	sv := NewSupervisor(SupervisorConfig{})
	assert.Equal(t, SupervisorIdle, sv.State())
	assert.Equal(t, 0, sv.PID())
}

func TestParseListenerOpened(t *testing.T) {
	kind, addr, ok := parseListenerOpened("Jul 29 10:00:00 [notice] Opened Socks listener connection (ready) on 127.0.0.1:9050")
	require.True(t, ok)
	assert.Equal(t, "Socks", kind)
	assert.Equal(t, "127.0.0.1:9050", addr)

	_, _, ok = parseListenerOpened("Jul 29 10:00:00 [notice] Bootstrapped 100% (done): Done")
	assert.False(t, ok)
}

func TestParseListenerClosed(t *testing.T) {
	kind, addr, ok := parseListenerClosed("Jul 29 10:00:00 [notice] Closing no-longer-configured Control listener connection (waiting for data to send) on 127.0.0.1:9051")
	require.True(t, ok)
	assert.Equal(t, "Control", kind)
	assert.Equal(t, "127.0.0.1:9051", addr)

	_, _, ok = parseListenerClosed("Jul 29 10:00:00 [notice] Closing partially-constructed Socks listener on unix:/tmp/socks.sock")
	assert.True(t, ok)

	_, _, ok = parseListenerClosed("Jul 29 10:00:00 [notice] Some unrelated log line")
	assert.False(t, ok)
}

func TestParseControlPortFileTCP(t *testing.T) {
	ep, err := parseControlPortFile("PORT=127.0.0.1:9051")
	require.NoError(t, err)
	assert.Equal(t, ControlEndpoint{Network: "tcp", Address: "127.0.0.1:9051"}, ep)
}

func TestParseControlPortFileUnix(t *testing.T) {
	ep, err := parseControlPortFile("PORT=unix:/var/lib/tor-app/control.sock")
	require.NoError(t, err)
	assert.Equal(t, ControlEndpoint{Network: "unix", Address: "/var/lib/tor-app/control.sock"}, ep)
}

func TestParseControlPortFileRejectsGarbage(t *testing.T) {
	_, err := parseControlPortFile("not a control port line")
	assert.Error(t, err)

	_, err = parseControlPortFile("PORT=127.0.0.1:not-a-port")
	assert.Error(t, err)
}

func TestWithControlPortWriteToFileReplacesExisting(t *testing.T) {
	cfg, err := NewTorConfig(
		WithControlPortWriteToFile("/old/path"),
		WithSocksPort("9050"),
	)
	require.NoError(t, err)

	rewritten := withControlPortWriteToFile(cfg, "/new/path")
	got := rewritten.Serialize()

	assert.Equal(t, 1, countOccurrences(got, "ControlPortWriteToFile"))
	assert.Contains(t, got, "ControlPortWriteToFile /new/path\n")
	assert.NotContains(t, got, "/old/path")
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}

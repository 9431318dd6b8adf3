package tormgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTorConfigSerialize(t *testing.T) {
	cfg, err := NewTorConfig(
		WithDataDirectory("/var/lib/tor-app"),
		WithSocksPort("9050"),
		WithControlPort("9051"),
		WithLog("notice", "stdout"),
	)
	require.NoError(t, err)

	got := cfg.Serialize()
	assert.Contains(t, got, "DataDirectory /var/lib/tor-app\n")
	assert.Contains(t, got, "SocksPort 9050\n")
	assert.Contains(t, got, "ControlPort 9051\n")
	assert.Contains(t, got, "Log notice stdout\n")
}

func TestWithSettingSingleValueReplacesEarlier(t *testing.T) {
	cfg, err := NewTorConfig(
		WithDataDirectory("/first"),
		WithDataDirectory("/second"),
	)
	require.NoError(t, err)

	got := cfg.Serialize()
	assert.Equal(t, 1, strings.Count(got, "DataDirectory"))
	assert.Contains(t, got, "/second")
	assert.NotContains(t, got, "/first")
}

func TestWithSocksPortAccumulates(t *testing.T) {
	cfg, err := NewTorConfig(
		WithSocksPort("9050"),
		WithSocksPort("9150", "IsolateDestPort"),
	)
	require.NoError(t, err)

	got := cfg.Serialize()
	assert.Equal(t, 2, strings.Count(got, "SocksPort"))
	assert.Contains(t, got, "SocksPort 9150 IsolateDestPort\n")
}

func TestWithHiddenServiceBlockContiguity(t *testing.T) {
	cfg, err := NewTorConfig(
		WithSocksPort("9050"),
		WithHiddenService("/var/lib/tor-app/hs1", 0, map[int]string{80: "127.0.0.1:8080"}),
		WithControlPort("9051"),
	)
	require.NoError(t, err)

	got := cfg.Serialize()
	hsIdx := strings.Index(got, "HiddenServiceDir")
	ctrlIdx := strings.Index(got, "ControlPort")
	require.GreaterOrEqual(t, hsIdx, 0)
	require.GreaterOrEqual(t, ctrlIdx, 0)
	assert.Less(t, hsIdx, ctrlIdx)
	assert.Contains(t, got, "HiddenServiceVersion 3\n")
	assert.Contains(t, got, "HiddenServicePort 80 127.0.0.1:8080\n")
}

func TestWithHiddenServiceRequiresPort(t *testing.T) {
	_, err := NewTorConfig(
		WithHiddenService("/var/lib/tor-app/hs1", 0, nil),
	)
	assert.Error(t, err)
}

func TestWithHiddenServiceExtraRequiresPriorDeclaration(t *testing.T) {
	_, err := NewTorConfig(
		WithHiddenServiceExtra("/nonexistent", KeywordHiddenServiceVersion, LineItem{Args: []string{"3"}}),
	)
	assert.Error(t, err)
}

func TestPortValueValidation(t *testing.T) {
	_, err := NewTorConfig(WithSocksPort("not-a-port"))
	assert.Error(t, err)

	_, err = NewTorConfig(WithSocksPort("auto"))
	assert.NoError(t, err)

	_, err = NewTorConfig(WithDNSPort(`unix:"/tmp/dns.sock"`))
	assert.Error(t, err, "DNSPort does not support unix sockets")
}

type stubPortProber struct {
	unavailable map[string]bool
}

func (p stubPortProber) Available(network, address string) bool {
	return !p.unavailable[address]
}

func TestPortProberRewritesBusyPortToAuto(t *testing.T) {
	prober := stubPortProber{unavailable: map[string]bool{"127.0.0.1:9050": true}}
	cfg, err := NewTorConfig(
		WithPortProber(prober),
		WithSocksPort("9050"),
		WithControlPort("9051"),
	)
	require.NoError(t, err)

	got := cfg.Serialize()
	assert.Contains(t, got, "SocksPort auto\n")
	assert.Contains(t, got, "ControlPort 9051\n")
}

func TestMinimumStartupSubset(t *testing.T) {
	cfg, err := NewTorConfig(
		WithDataDirectory("/var/lib/tor-app"),
		WithSocksPort("9050"),
		WithControlPort("9051"),
		WithControlPortWriteToFile("/var/lib/tor-app/control-port"),
		WithCookieAuthFile("/var/lib/tor-app/cookie"),
		WithLog("notice", "stdout"),
	)
	require.NoError(t, err)

	sub := cfg.MinimumStartupSubset(4242)
	got := sub.Serialize()

	assert.Contains(t, got, "DataDirectory /var/lib/tor-app\n")
	assert.Contains(t, got, "ControlPortWriteToFile /var/lib/tor-app/control-port\n")
	assert.Contains(t, got, "__SocksPort 9050\n")
	assert.Contains(t, got, "__ControlPort 9051\n")
	assert.Contains(t, got, "DisableNetwork 1\n")
	assert.Contains(t, got, "RunAsDaemon 0\n")
	assert.Contains(t, got, "__OwningControllerProcess 4242\n")
	assert.NotContains(t, got, "Log notice stdout", "Log is not part of the minimum startup subset")
}

func TestWithSettingsFromYAMLOverlay(t *testing.T) {
	yamlDoc := strings.NewReader(`
settings:
  - keyword: ClientUseIPv6
    args: ["1"]
`)
	cfg, err := NewTorConfig(
		WithSocksPort("9050"),
		WithSettingsFromYAML(yamlDoc),
	)
	require.NoError(t, err)
	assert.Contains(t, cfg.Serialize(), "ClientUseIPv6 1\n")
}

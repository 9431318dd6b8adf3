package tormgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResourceProvider lets runtime tests drive Supervisor.Launch's
// failure path without spawning a real tor process: TorBinaryPath
// always fails with the configured error.
type fakeResourceProvider struct {
	err error
}

func (p *fakeResourceProvider) TorBinaryPath() (string, error) {
	return "", p.err
}

func (p *fakeResourceProvider) GeoIPFiles() (string, string, error) {
	return "", "", nil
}

func waitJob(t *testing.T, job *EnqueuedJob) (any, error) {
	t.Helper()
	done := make(chan struct{})
	var result any
	var err error
	job.InvokeOnCompletion(func(_ JobState, r any, e error) {
		result, err = r, e
		close(done)
	})
	select {
	case <-done:
		return result, err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete in time")
		return nil, nil
	}
}

func newTestRuntimeConfig(t *testing.T) TorConfig {
	t.Helper()
	cfg, err := NewTorConfig(
		WithDataDirectory(t.TempDir()),
		WithSocksPort("9050"),
	)
	require.NoError(t, err)
	return cfg
}

func TestRuntimeEnqueueRejectsPrivilegedCommand(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { _ = rt.Destroy() })

	job := rt.Enqueue(Command{Kind: CmdAuthenticate})
	_, err := waitJob(t, job)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrInvalidConfig, te.Kind)
}

func TestRuntimeEnqueueFailsWhenNotReady(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { _ = rt.Destroy() })

	job := rt.Enqueue(Command{Kind: CmdInfoGet, Keys: []string{"version"}})
	_, err := waitJob(t, job)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrNotReady, te.Kind)
}

func TestRuntimeStartFailsWithoutTorBinary(t *testing.T) {
	provider := &fakeResourceProvider{err: newError(ErrTorBinaryNotFound, "test", "no tor binary on PATH", nil)}
	rt := NewRuntime(newTestRuntimeConfig(t), WithRuntimeResourceProvider(provider))
	t.Cleanup(func() { _ = rt.Destroy() })

	job := rt.Start()
	_, err := waitJob(t, job)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrTorBinaryNotFound, te.Kind)
	assert.Equal(t, DaemonOff, rt.State().Daemon)
}

func TestRuntimeStartNoopWhenAlreadyOn(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { _ = rt.Destroy() })

	// Drive the state tracker directly to On, bypassing the supervisor,
	// to exercise submitStart's "already On or Starting" short-circuit
	// without spawning a real tor process.
	rt.state.toStarting()
	rt.state.observeBootstrap(1)

	job := rt.Start()
	assert.Equal(t, JobSuccess, job.State())

	result, err := job.Result()
	require.NoError(t, err)
	st, ok := result.(TorState)
	require.True(t, ok)
	assert.Equal(t, DaemonOn, st.Daemon)
}

func TestRuntimeStopOnOffDaemonSucceeds(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { rt.closeOnce.Do(func() { close(rt.closed) }) })

	job := rt.Stop(true)
	_, err := waitJob(t, job)
	assert.NoError(t, err)
	assert.Equal(t, DaemonOff, rt.State().Daemon)
}

func TestRuntimeRestartWhenOffBehavesLikeStart(t *testing.T) {
	provider := &fakeResourceProvider{err: newError(ErrTorBinaryNotFound, "test", "no tor binary on PATH", nil)}
	rt := NewRuntime(newTestRuntimeConfig(t), WithRuntimeResourceProvider(provider))
	t.Cleanup(func() { _ = rt.Destroy() })

	job := rt.Restart()
	_, err := waitJob(t, job)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrTorBinaryNotFound, te.Kind)
}

func TestRuntimeDestroyClearsNonStaticListenersOnly(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))

	var nonStaticFired, staticFired bool
	rt.Subscribe("Probe", func(Frame) { nonStaticFired = true })
	rt.SubscribeStatic("Probe", func(Frame) { staticFired = true })

	require.NoError(t, rt.Destroy())

	rt.registry.dispatch("Probe", Frame{Payload: "after destroy"})
	assert.False(t, nonStaticFired)
	assert.True(t, staticFired)
}

func TestRuntimeApplyFullConfigLoadsConfigAndEnablesNetwork(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	cfg := newTestRuntimeConfig(t)
	rt := NewRuntime(cfg)
	t.Cleanup(func() { _ = rt.Destroy() })

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	require.NoError(t, rt.applyFullConfig(ctx, sess, cfg))

	loaded := srv.LoadedConfig()
	require.NotEmpty(t, loaded)
	assert.Contains(t, strings.Join(loaded, "\n"), "SocksPort 9050")
	assert.Equal(t, NetworkEnabled, rt.State().Network)
}

func TestRuntimeApplyFullConfigHonorsExplicitDisableNetwork(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	cfg, err := NewTorConfig(
		WithDataDirectory(t.TempDir()),
		WithDisableNetwork(true),
	)
	require.NoError(t, err)
	rt := NewRuntime(cfg)
	t.Cleanup(func() { _ = rt.Destroy() })

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	require.NoError(t, rt.applyFullConfig(ctx, sess, cfg))

	assert.Equal(t, NetworkDisabled, rt.State().Network)
}

func TestRuntimeSubscribeTaggedUnsubscribeTag(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { _ = rt.Destroy() })

	var calls int
	rt.SubscribeTagged("Probe", func(Frame) { calls++ }, "ui-screen-1", nil)
	rt.SubscribeTagged("Probe", func(Frame) { calls++ }, "ui-screen-2", nil)

	rt.UnsubscribeTag("ui-screen-1")
	rt.registry.dispatch("Probe", Frame{})

	assert.Equal(t, 1, calls)
}

func TestRuntimeSetConfigReplacesActiveConfig(t *testing.T) {
	rt := NewRuntime(newTestRuntimeConfig(t))
	t.Cleanup(func() { _ = rt.Destroy() })

	next, err := NewTorConfig(WithSocksPort("9150"))
	require.NoError(t, err)
	rt.SetConfig(next)

	assert.Contains(t, rt.Config().Serialize(), "SocksPort 9150\n")
}

package tormgr

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeServer(t *testing.T) *FakeControlServer {
	t.Helper()
	srv, err := NewFakeControlServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestSessionConnectNullAuth(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sess.connect(ctx))
	assert.Equal(t, SessionReady, sess.State())
	assert.True(t, sess.IsConnected())
}

func TestSessionConnectSafeCookie(t *testing.T) {
	srv := newFakeServer(t)
	cookie := make([]byte, safeCookieLen)
	for i := range cookie {
		cookie[i] = byte(i)
	}
	srv.SetAuthMethods("SAFECOOKIE")
	srv.SetCookie(cookie)

	sess := NewSession(SessionConfig{
		Network: "tcp",
		Address: srv.Addr(),
		// Pin the cookie path directly rather than discovering it via
		// PROTOCOLINFO's COOKIEFILE=, since the fake server never wrote
		// one to disk; readCookie will still be called against this path.
		CookiePath: writeTempCookie(t, cookie),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sess.connect(ctx))
	assert.Equal(t, SessionReady, sess.State())
}

func TestSessionConnectAuthFailed(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")
	srv.SetRejectAuthenticate(true)

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sess.connect(ctx)
	assert.Error(t, err)
	assert.Equal(t, SessionAuthFailed, sess.State())

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrAuthFailed, te.Kind)
}

func TestSessionConnectSubscribesEvents(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{
		Network: "tcp",
		Address: srv.Addr(),
		Events:  []string{"BW", "STATUS_CLIENT"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))
}

func TestSessionExecuteGetInfo(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")
	srv.SetInfoValue("version", "0.4.8.10")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	job := sess.execute(Command{Kind: CmdInfoGet, Keys: []string{"version"}})
	result, err := sess.await(ctx, job)
	require.NoError(t, err)
	values, ok := result.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "0.4.8.10", values["version"])
}

func TestSessionExecuteGetConf(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")
	srv.SetConfValue("SocksPort", "9050")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	job := sess.execute(Command{Kind: CmdConfigGet, Keys: []string{"SocksPort"}})
	result, err := sess.await(ctx, job)
	require.NoError(t, err)
	entries, ok := result.([]ConfigEntry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "9050", entries[0].Argument)
}

func TestSessionExecuteAddOnion(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	job := sess.execute(Command{Kind: CmdOnionAdd, OnionAdd: OnionAddSpec{
		Ports: map[int]string{80: "127.0.0.1:8080"},
	}})
	result, err := sess.await(ctx, job)
	require.NoError(t, err)
	entry, ok := result.(HiddenServiceEntry)
	require.True(t, ok)
	assert.NotEmpty(t, entry.PublicKey.String())
	assert.NotNil(t, entry.PrivateKey)
}

func TestSessionExecuteSignal(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	job := sess.execute(Command{Kind: CmdSignal, Signal: SignalNewNym})
	_, err := sess.await(ctx, job)
	assert.NoError(t, err)
}

func TestSessionExecuteSignalNewNymFoldsRateLimitNotice(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	// Push the rate-limit NOTICE right after SIGNAL NEWNYM is sent, well
	// within newNymRateLimitWindow, simulating tor's own ordering.
	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.PushEvent("NOTICE Rate limiting NEWNYM request: delaying by 30 seconds")
	}()

	job := sess.execute(Command{Kind: CmdSignal, Signal: SignalNewNym})
	result, err := sess.await(ctx, job)
	require.NoError(t, err)

	nn, ok := result.(NewNymResult)
	require.True(t, ok)
	assert.True(t, nn.RateLimited)
	assert.Contains(t, nn.Notice, "delaying by 30 seconds")
}

func TestSessionExecuteSignalNewNymNoNoticeMeansNotRateLimited(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	job := sess.execute(Command{Kind: CmdSignal, Signal: SignalNewNym})
	result, err := sess.await(ctx, job)
	require.NoError(t, err)

	nn, ok := result.(NewNymResult)
	require.True(t, ok)
	assert.False(t, nn.RateLimited)
	assert.Empty(t, nn.Notice)
}

func TestSessionEventDispatch(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	var mu sync.Mutex
	var got string
	done := make(chan struct{})
	sess.OnEvent("STATUS_CLIENT", func(f Frame) {
		mu.Lock()
		got = f.Payload
		mu.Unlock()
		close(done)
	})

	srv.PushBootstrap(50)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "BOOTSTRAP")
	assert.Contains(t, got, "PROGRESS=50")
}

func TestSessionDisconnectGraceful(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	var gotErr error
	var called bool
	sess.OnDisconnect(func(err error) {
		called = true
		gotErr = err
	})

	require.NoError(t, sess.disconnectSession(ctx, true))
	assert.Equal(t, SessionClosed, sess.State())
	assert.True(t, called)
	_ = gotErr
}

func TestSessionForcedDisconnectTransitionsClosed(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	require.NoError(t, sess.disconnectSession(ctx, false))
	assert.Equal(t, SessionClosed, sess.State())
}

func TestSessionTransportFailureFailsQueuedCommand(t *testing.T) {
	srv := newFakeServer(t)
	srv.SetAuthMethods("NULL")

	sess := NewSession(SessionConfig{Network: "tcp", Address: srv.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.connect(ctx))

	require.NoError(t, srv.Close())

	job := sess.execute(Command{Kind: CmdInfoGet, Keys: []string{"version"}})
	_, err := sess.await(ctx, job)
	assert.Error(t, err)
}

func writeTempCookie(t *testing.T, cookie []byte) string {
	t.Helper()
	path := t.TempDir() + "/control_auth_cookie"
	require.NoError(t, os.WriteFile(path, cookie, 0o600))
	return path
}

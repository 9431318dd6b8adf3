package tormgr

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	opSession = "Session"

	safeCookieNonceLen = 32
	safeCookieLen      = 32
)

var (
	safeCookieServerKey     = []byte("Tor safe cookie authentication server-to-controller hash")
	safeCookieControllerKey = []byte("Tor safe cookie authentication controller-to-server hash")
)

// SessionState is the Control Session's connection state machine:
// Disconnected -> Connecting -> Authenticating -> Ready -> Closing ->
// Closed, with an AuthFailed branch out of Authenticating, and any state
// falling to Closed on transport error.
type SessionState string

const (
	SessionDisconnected   SessionState = "disconnected"
	SessionConnecting     SessionState = "connecting"
	SessionAuthenticating SessionState = "authenticating"
	SessionReady          SessionState = "ready"
	SessionAuthFailed     SessionState = "auth_failed"
	SessionClosing        SessionState = "closing"
	SessionClosed         SessionState = "closed"
)

// AuthMethod selects how Session.connect authenticates to tor, chosen
// from PROTOCOLINFO's METHODS list per the "cookie first, else password"
// policy, with SAFECOOKIE preferred over plain COOKIE when both are
// offered since it does not require disclosing the cookie bytes.
type AuthMethod string

const (
	AuthSafeCookie AuthMethod = "SAFECOOKIE"
	AuthCookie     AuthMethod = "COOKIE"
	AuthPassword   AuthMethod = "HASHEDPASSWORD"
	AuthNull       AuthMethod = "NULL"
)

// SessionConfig parameterizes Session.connect.
type SessionConfig struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is the dial address: "host:port" for tcp, a path for unix.
	Address string
	// CookiePath, if set, pins the cookie file path instead of
	// discovering it via PROTOCOLINFO.
	CookiePath string
	// Password, if set, is used for HASHEDPASSWORD auth when tor offers
	// no cookie method or the cookie file cannot be read.
	Password string
	// Events lists the async event kinds to subscribe to on connect.
	Events []string
	// TakeOwnership requests owning-controller semantics: tor exits
	// when this control channel closes.
	TakeOwnership bool
	// ConnectTimeout bounds the dial + authenticate handshake.
	ConnectTimeout time.Duration
	// Logger receives structured session log lines, tagged "SESS".
	Logger Logger
	// Metrics receives command-latency and event-count observations.
	Metrics *Metrics
}

// pendingCommand is one entry in the submission queue.
type pendingCommand struct {
	cmd       Command
	job       *EnqueuedJob
	start     time.Time
	cancelled bool
	mu        sync.Mutex
}

func (p *pendingCommand) markCancelled() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *pendingCommand) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Session maintains exactly one authenticated bidirectional channel to
// a running tor process: it demultiplexes command replies from async
// events and serializes command submission with at-most-one-in-flight
// discipline. Session owns the Codec and the channel handle; it owns no
// other state.
type Session struct {
	cfg    SessionConfig
	logger Logger

	mu    sync.Mutex
	state SessionState
	conn  net.Conn

	queue      chan *pendingCommand
	replyDone  chan replyResult
	closeOnce  sync.Once
	closed     chan struct{}
	listeners  *listenerRegistry
	disconnect []func(error)
}

type replyResult struct {
	code  int
	lines []string
	err   error
}

// NewSession constructs a disconnected Session. Call connect to bring it
// to Ready.
func NewSession(cfg SessionConfig) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Session{
		cfg:       cfg,
		logger:    logger,
		state:     SessionDisconnected,
		queue:     make(chan *pendingCommand, 64),
		replyDone: make(chan replyResult, 1),
		closed:    make(chan struct{}),
		listeners: newListenerRegistry(),
	}
}

// State returns the session's current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is in the Ready state.
func (s *Session) IsConnected() bool {
	return s.State() == SessionReady
}

// OnDisconnect registers handler to be invoked exactly once when the
// session transitions to Closed or AuthFailed.
func (s *Session) OnDisconnect(handler func(error)) {
	s.mu.Lock()
	s.disconnect = append(s.disconnect, handler)
	s.mu.Unlock()
}

// OnEvent subscribes handler to events of the given kind; returns a
// cancellation handle.
func (s *Session) OnEvent(kind string, handler func(Frame)) func() {
	return s.listeners.register(kind, handler, false)
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// connect dials the configured endpoint, discovers/performs
// authentication, subscribes to events, and optionally asserts
// ownership, driving the state machine from Disconnected through to
// Ready or AuthFailed.
func (s *Session) connect(ctx context.Context) error {
	s.setState(SessionConnecting)
	s.logger.Log("info", "connecting to tor control channel", "network", s.cfg.Network, "address", s.cfg.Address)

	dialer := &net.Dialer{}
	network := s.cfg.Network
	if network == "" {
		network = "tcp"
	}
	conn, err := dialer.DialContext(ctx, network, s.cfg.Address)
	if err != nil {
		s.setState(SessionDisconnected)
		return newError(ErrLaunchFailed, opSession, "failed to dial control channel", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.writeLoop()

	s.setState(SessionAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		s.setState(SessionAuthFailed)
		s.failAll(err)
		_ = s.closeTransport()
		return err
	}

	if len(s.cfg.Events) > 0 {
		job := s.execute(Command{Kind: CmdSetEvents, Events: s.cfg.Events})
		if _, err := s.await(ctx, job); err != nil {
			s.setState(SessionAuthFailed)
			_ = s.closeTransport()
			return err
		}
	}

	if s.cfg.TakeOwnership {
		job := s.execute(Command{Kind: CmdOwnershipTake})
		if _, err := s.await(ctx, job); err != nil {
			s.setState(SessionAuthFailed)
			_ = s.closeTransport()
			return err
		}
	}

	s.setState(SessionReady)
	s.logger.Log("info", "control session ready")
	return nil
}

// authenticate discovers the supported auth methods via PROTOCOLINFO,
// then runs the chosen handshake: SAFECOOKIE, then COOKIE, unless a
// password is configured and the cookie file cannot be read; then the
// configured password; then NULL.
func (s *Session) authenticate(ctx context.Context) error {
	methods, cookiePath, err := s.protocolInfo(ctx)
	if err != nil {
		return err
	}

	path := s.cfg.CookiePath
	if path == "" {
		path = cookiePath
	}
	cookie, cookieErr := readCookie(path)
	useCookie := cookieErr == nil || s.cfg.Password == ""

	switch {
	case useCookie && contains(methods, string(AuthSafeCookie)):
		return s.authenticateSafeCookie(ctx, path)
	case useCookie && contains(methods, string(AuthCookie)):
		if cookieErr != nil {
			return cookieErr
		}
		return s.authenticateWith(ctx, strings.ToUpper(hex.EncodeToString(cookie)))
	case s.cfg.Password != "":
		return s.authenticateWith(ctx, quoteArg(s.cfg.Password))
	case contains(methods, string(AuthNull)):
		return s.authenticateWith(ctx, "")
	default:
		return newError(ErrAuthFailed, opSession, "no usable authentication method offered by PROTOCOLINFO", nil)
	}
}

// protocolInfo sends PROTOCOLINFO 1 and extracts the supported auth
// methods and cookie file path.
func (s *Session) protocolInfo(ctx context.Context) ([]string, string, error) {
	// PROTOCOLINFO is not a GETINFO variant; it goes over roundTrip, not
	// the execute/queue path, since writeLoop is already running by the
	// time connect reaches authenticate.
	result, err := s.roundTrip(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, "", err
	}

	var methods []string
	var cookiePath string
	for _, line := range result.lines {
		if idx := strings.Index(line, "METHODS="); idx >= 0 {
			rest := line[idx+len("METHODS="):]
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				end = len(rest)
			}
			methods = strings.Split(rest[:end], ",")
		}
		if idx := strings.Index(line, `COOKIEFILE="`); idx >= 0 {
			start := idx + len(`COOKIEFILE="`)
			end := strings.Index(line[start:], `"`)
			if end >= 0 {
				cookiePath = filepath.Clean(line[start : start+end])
			}
		}
	}
	return methods, cookiePath, nil
}

// authenticateSafeCookie performs the AUTHCHALLENGE SAFECOOKIE
// HMAC-SHA256 handshake.
func (s *Session) authenticateSafeCookie(ctx context.Context, cookiePath string) error {
	cookie, err := readCookie(cookiePath)
	if err != nil {
		return err
	}

	clientNonce := make([]byte, safeCookieNonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return newError(ErrAuthFailed, opSession, "failed to generate client nonce", err)
	}

	result, err := s.roundTrip(ctx, fmt.Sprintf("AUTHCHALLENGE SAFECOOKIE %x", clientNonce))
	if err != nil {
		return err
	}

	params := parseSpaceParams(strings.Join(result.lines, " "))
	serverHash, err := decodeHexField(params, "SERVERHASH", sha256.Size)
	if err != nil {
		return err
	}
	serverNonce, err := decodeHexField(params, "SERVERNONCE", safeCookieNonceLen)
	if err != nil {
		return err
	}

	message := bytes.Join([][]byte{cookie, clientNonce, serverNonce}, nil)
	wantServerHash := computeHMAC256(safeCookieServerKey, message)
	if !hmac.Equal(wantServerHash, serverHash) {
		return newError(ErrAuthFailed, opSession, "SAFECOOKIE server hash mismatch", nil)
	}

	clientHash := computeHMAC256(safeCookieControllerKey, message)
	return s.authenticateWith(ctx, fmt.Sprintf("%x", clientHash))
}

// authenticateWith sends AUTHENTICATE with the given (already-encoded)
// token argument.
func (s *Session) authenticateWith(ctx context.Context, token string) error {
	cmd := "AUTHENTICATE"
	if token != "" {
		cmd += " " + token
	}
	_, err := s.roundTrip(ctx, cmd)
	if err != nil {
		return newError(ErrAuthFailed, opSession, "AUTHENTICATE rejected", err)
	}
	return nil
}

func computeHMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

func decodeHexField(params map[string]string, key string, wantLen int) ([]byte, error) {
	v, ok := params[key]
	if !ok {
		return nil, newError(ErrProtocolViolation, opSession, "AUTHCHALLENGE reply missing "+key, nil)
	}
	decoded, err := hex.DecodeString(v)
	if err != nil {
		return nil, newError(ErrProtocolViolation, opSession, "AUTHCHALLENGE "+key+" is not valid hex", err)
	}
	if len(decoded) != wantLen {
		return nil, newError(ErrProtocolViolation, opSession, fmt.Sprintf("AUTHCHALLENGE %s has wrong length", key), nil)
	}
	return decoded, nil
}

func parseSpaceParams(s string) map[string]string {
	params := make(map[string]string)
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		}
	}
	return params
}

func readCookie(path string) ([]byte, error) {
	if path == "" {
		return nil, newError(ErrAuthFailed, opSession, "no cookie file path available", nil)
	}
	// #nosec G304 -- path comes from the control protocol's own PROTOCOLINFO reply or caller config.
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, newError(ErrIO, opSession, "failed to read control auth cookie", err)
	}
	return data, nil
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// execute enqueues cmd and returns a job whose completion carries either
// a typed result (parsed from the reply stream by cmd's per-variant
// parser) or an error. A queued-but-not-yet-written command can be
// cancelled synchronously via the returned job's Cancel.
func (s *Session) execute(cmd Command) *EnqueuedJob {
	pc := &pendingCommand{cmd: cmd}
	pc.job = newJob(func() {
		pc.markCancelled()
		if pc.job.State() == JobEnqueued {
			pc.job.cancel()
		}
	})

	select {
	case s.queue <- pc:
	default:
		pc.job.fail(newError(ErrDisconnected, opSession, "submission queue is full", nil))
	}
	return pc.job
}

// await blocks until job reaches a terminal state or ctx is done,
// returning its result/error.
func (s *Session) await(ctx context.Context, job *EnqueuedJob) (any, error) {
	done := make(chan struct{})
	var result any
	var resultErr error
	job.InvokeOnCompletion(func(_ JobState, r any, e error) {
		result, resultErr = r, e
		close(done)
	})
	select {
	case <-done:
		return result, resultErr
	case <-ctx.Done():
		return nil, newError(ErrTimeout, opSession, "command timed out", ctx.Err())
	}
}

// writeLoop dequeues pending commands one at a time, writes each to the
// wire, and blocks until the reader signals that command's full reply
// has been collected, enforcing the at-most-one-in-flight invariant.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case pc, ok := <-s.queue:
			if !ok {
				return
			}
			if pc.isCancelled() {
				pc.job.cancel()
				continue
			}
			s.runOne(pc)
		}
	}
}

// newNymRateLimitWindow bounds how long runOne waits, after a
// successful SIGNAL NEWNYM reply, for tor to emit the rate-limit
// NOTICE before concluding none is coming.
const newNymRateLimitWindow = 250 * time.Millisecond

func (s *Session) runOne(pc *pendingCommand) {
	pc.job.markExecuting()
	pc.start = time.Now()

	line, err := pc.cmd.encode()
	if err != nil {
		pc.job.fail(err)
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		pc.job.fail(newError(ErrDisconnected, opSession, "session has no transport", nil))
		return
	}

	// SIGNAL NEWNYM's reply never carries the rate-limit indication
	// itself; tor reports it as a subsequent async NOTICE. Register a
	// listener for it before writing the command so a NOTICE racing the
	// reply is never missed.
	var newNymNotice chan string
	if pc.cmd.isNewNymSignal() {
		newNymNotice = make(chan string, 1)
		unregister := s.listeners.register("NOTICE", func(f Frame) {
			// dispatchEvent keys the "NOTICE" listener kind off this
			// frame's leading word but leaves it in Payload, so strip
			// it before matching the rate-limit message text.
			msg := strings.TrimPrefix(f.Payload, "NOTICE ")
			if !strings.HasPrefix(msg, newNymRateLimitPrefix) {
				return
			}
			select {
			case newNymNotice <- msg:
			default:
			}
		}, false)
		defer unregister()
	}

	s.logger.Log("debug", "sending command", "command", pc.cmd.redactedForLog())
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		pc.job.fail(newError(ErrDisconnected, opSession, "failed to write command", err))
		return
	}

	result := <-s.replyDone
	if cfgMetrics := s.cfg.Metrics; cfgMetrics != nil {
		cfgMetrics.observeCommandLatency(pc.cmd.keyword(), time.Since(pc.start).Seconds())
	}

	if pc.isCancelled() {
		pc.job.cancel()
		return
	}
	if result.err != nil {
		pc.job.fail(result.err)
		return
	}
	if result.code >= 400 {
		pc.job.fail(newTorReplyError(opSession, result.code, strings.Join(result.lines, "; ")))
		return
	}
	parsed, err := pc.cmd.parseReply(result.lines)
	if err != nil {
		pc.job.fail(err)
		return
	}
	if newNymNotice != nil {
		parsed = foldNewNymNotice(newNymNotice)
	}
	pc.job.succeed(parsed)
}

// foldNewNymNotice waits up to newNymRateLimitWindow for the rate-limit
// NOTICE registered by runOne, returning the folded NewNymResult either
// way.
func foldNewNymNotice(notice chan string) NewNymResult {
	select {
	case payload := <-notice:
		return NewNymResult{RateLimited: true, Notice: payload}
	case <-time.After(newNymRateLimitWindow):
		return NewNymResult{}
	}
}

// roundTrip is used internally for commands issued directly by the
// session itself during the connect handshake (PROTOCOLINFO,
// AUTHCHALLENGE, AUTHENTICATE), before the writeLoop/queue machinery is
// meaningful to route through.
func (s *Session) roundTrip(ctx context.Context, line string) (replyResult, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return replyResult{}, newError(ErrDisconnected, opSession, "session has no transport", nil)
	}
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return replyResult{}, newError(ErrDisconnected, opSession, "failed to write command", err)
	}
	select {
	case result := <-s.replyDone:
		if result.err != nil {
			return replyResult{}, result.err
		}
		if result.code >= 400 {
			return replyResult{}, newTorReplyError(opSession, result.code, strings.Join(result.lines, "; "))
		}
		return result, nil
	case <-ctx.Done():
		return replyResult{}, newError(ErrTimeout, opSession, "handshake command timed out", ctx.Err())
	}
}

// readLoop reads from conn continuously, feeds the codec, and routes
// decoded frames: event frames to the listener registry, reply frames
// accumulated until end-of-reply and then delivered to whichever
// goroutine is waiting on replyDone (writeLoop's runOne, or roundTrip
// during the connect handshake — only one of which is ever blocked on
// it at a time, preserving at-most-one-in-flight).
func (s *Session) readLoop(conn net.Conn) {
	c := newCodec()
	br := bufio.NewReaderSize(conn, 4096)
	var replyLines []string
	var replyCode int

	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			frames, decodeErr := c.feed(buf[:n])
			for _, f := range frames {
				if f.isEvent() {
					s.dispatchEvent(f)
					continue
				}
				switch f.Kind {
				case FrameReplyLine:
					replyCode = f.Code
					if f.Payload != "" || f.Sep != ' ' {
						replyLines = append(replyLines, f.Payload)
					}
					if f.isReplyEnd() {
						s.replyDone <- replyResult{code: replyCode, lines: replyLines}
						replyLines = nil
					}
				case FrameReplyData:
					replyLines = append(replyLines, f.Payload)
				}
			}
			if decodeErr != nil {
				s.failTransport(decodeErr)
				return
			}
		}
		if err != nil {
			s.failTransport(newError(ErrDisconnected, opSession, "control channel read failed", err))
			return
		}
	}
}

// dispatchEvent routes an EventLine/EventData frame to registered
// listeners keyed by the payload's first word, and increments the event
// counter for that word.
func (s *Session) dispatchEvent(f Frame) {
	kind := strings.Fields(f.Payload)
	tag := ""
	if len(kind) > 0 {
		tag = kind[0]
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.incEvent(tag)
	}
	s.listeners.dispatch(tag, f)
}

// failTransport fails every queued/executing command with Disconnected
// and transitions the session to Closed.
func (s *Session) failTransport(cause error) {
	s.failAll(cause)
	s.setState(SessionClosed)
	s.notifyDisconnect(cause)
	s.closeOnce.Do(func() { close(s.closed) })
}

// failAll drains the submission queue, failing every pending job with
// Disconnected in submission order, and unblocks any goroutine blocked
// on replyDone.
func (s *Session) failAll(cause error) {
	for {
		select {
		case pc := <-s.queue:
			pc.job.fail(newError(ErrDisconnected, opSession, "session closed", cause))
		default:
			select {
			case s.replyDone <- replyResult{err: newError(ErrDisconnected, opSession, "session closed", cause)}:
			default:
			}
			return
		}
	}
}

func (s *Session) notifyDisconnect(cause error) {
	s.mu.Lock()
	handlers := s.disconnect
	s.disconnect = nil
	s.mu.Unlock()
	for _, h := range handlers {
		h(cause)
	}
}

// disconnectSession implements graceful(true)/forced(false) teardown: graceful
// writes QUIT and waits for half-close; forced closes the transport
// immediately. Either way every pending command completes with
// Disconnected in submission order.
func (s *Session) disconnectSession(ctx context.Context, graceful bool) error {
	s.setState(SessionClosing)
	if graceful {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_, _ = conn.Write([]byte("QUIT\r\n"))
		}
		select {
		case <-s.closed:
		case <-ctx.Done():
		}
	}
	err := s.closeTransport()
	s.setState(SessionClosed)
	s.failAll(err)
	s.notifyDisconnect(err)
	return err
}

func (s *Session) closeTransport() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	if conn == nil {
		return nil
	}
	return conn.Close()
}

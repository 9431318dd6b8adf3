package tormgr

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
)

// FakeControlServer is a minimal stand-in for a tor control port,
// driving Session and Runtime tests without spawning a real tor process.
// It understands enough of the wire protocol — AUTHENTICATE,
// AUTHCHALLENGE SAFECOOKIE, PROTOCOLINFO, SETEVENTS, GETINFO, GETCONF,
// SETCONF/RESETCONF, SIGNAL, ADD_ONION, DEL_ONION, the
// ONION_CLIENT_AUTH_* family, TAKEOWNERSHIP/DROPOWNERSHIP, LOADCONF, and
// QUIT — to answer requests the way tor itself would, and can push
// arbitrary asynchronous 6xx event lines to every connected client on
// demand.
type FakeControlServer struct {
	ln net.Listener

	mu           sync.Mutex
	conns        map[*fakeConn]struct{}
	infoValues   map[string]string
	confValues   map[string]string
	authMethods  string
	cookiePath   string
	cookie       []byte
	rejectAuth   bool
	loadedConfig []string
	closed       bool
}

// NewFakeControlServer listens on an ephemeral loopback TCP port and
// starts accepting connections in the background. The caller must Close
// it once done.
func NewFakeControlServer() (*FakeControlServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FakeControlServer{
		ln:          ln,
		conns:       make(map[*fakeConn]struct{}),
		infoValues:  make(map[string]string),
		confValues:  make(map[string]string),
		authMethods: "NULL",
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the "host:port" clients should dial, matching the
// Network/Address pair in a SessionConfig using "tcp".
func (s *FakeControlServer) Addr() string {
	return s.ln.Addr().String()
}

// SetAuthMethods configures the METHODS= list PROTOCOLINFO reports, e.g.
// "SAFECOOKIE,COOKIE" or "HASHEDPASSWORD".
func (s *FakeControlServer) SetAuthMethods(methods string) {
	s.mu.Lock()
	s.authMethods = methods
	s.mu.Unlock()
}

// SetCookiePath configures the COOKIEFILE= path PROTOCOLINFO reports.
// The caller is responsible for writing matching bytes there (or
// pinning CookiePath on the SessionConfig instead).
func (s *FakeControlServer) SetCookiePath(path string) {
	s.mu.Lock()
	s.cookiePath = path
	s.mu.Unlock()
}

// SetCookie configures the cookie bytes used to compute AUTHCHALLENGE
// SAFECOOKIE's SERVERHASH, independent of what SetCookiePath reports;
// tests that exercise the SAFECOOKIE handshake must also make a file
// holding the same bytes reachable, via SetCookiePath or by pinning
// CookiePath on the SessionConfig.
func (s *FakeControlServer) SetCookie(cookie []byte) {
	s.mu.Lock()
	s.cookie = append([]byte(nil), cookie...)
	s.mu.Unlock()
}

// SetRejectAuthenticate makes every subsequent AUTHENTICATE/AUTHCHALLENGE
// fail, for exercising Session's AuthFailed path.
func (s *FakeControlServer) SetRejectAuthenticate(reject bool) {
	s.mu.Lock()
	s.rejectAuth = reject
	s.mu.Unlock()
}

// SetInfoValue configures a fixed GETINFO reply for key.
func (s *FakeControlServer) SetInfoValue(key, value string) {
	s.mu.Lock()
	s.infoValues[key] = value
	s.mu.Unlock()
}

// SetConfValue configures a fixed GETCONF reply for keyword.
func (s *FakeControlServer) SetConfValue(keyword, value string) {
	s.mu.Lock()
	s.confValues[keyword] = value
	s.mu.Unlock()
}

// LoadedConfig returns every LOADCONF body this server has received, in
// arrival order, letting a test assert on the Runtime's config
// reconciliation (the full config, sent after every Start and Restart;
// the minimum startup subset goes to the torrc file, not LOADCONF).
func (s *FakeControlServer) LoadedConfig() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loadedConfig...)
}

// PushEvent writes an async 6xx event line (without the status-code
// prefix, e.g. "STATUS_CLIENT NOTICE BOOTSTRAP PROGRESS=50
// TAG=handshake_dir") to every currently connected client.
func (s *FakeControlServer) PushEvent(payload string) {
	s.broadcast(fmt.Sprintf("650 %s\r\n", payload))
}

// PushBootstrap is a convenience wrapper around PushEvent for a
// bootstrap-progress notice at the given percentage.
func (s *FakeControlServer) PushBootstrap(percent int) {
	s.PushEvent(fmt.Sprintf(`STATUS_CLIENT NOTICE BOOTSTRAP PROGRESS=%d TAG=done SUMMARY="Done"`, percent))
}

// Close stops accepting connections and closes every live connection.
func (s *FakeControlServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*fakeConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	return s.ln.Close()
}

func (s *FakeControlServer) broadcast(line string) {
	s.mu.Lock()
	conns := make([]*fakeConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.write(line)
	}
}

func (s *FakeControlServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		fc := &fakeConn{server: s, conn: conn}
		s.mu.Lock()
		s.conns[fc] = struct{}{}
		s.mu.Unlock()
		go fc.serve()
	}
}

func (s *FakeControlServer) removeConn(fc *fakeConn) {
	s.mu.Lock()
	delete(s.conns, fc)
	s.mu.Unlock()
}

// fakeConn handles one client connection: reads request lines (and the
// multi-line "+LOADCONF\r\n...\r\n.\r\n" data block) and writes the
// matching reply.
type fakeConn struct {
	server  *FakeControlServer
	conn    net.Conn
	writeMu sync.Mutex
}

func (fc *fakeConn) write(raw string) {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	if strings.HasSuffix(raw, "\r\n") {
		_, _ = fc.conn.Write([]byte(raw))
		return
	}
	_, _ = fc.conn.Write([]byte(raw + "\r\n"))
}

func (fc *fakeConn) serve() {
	defer fc.server.removeConn(fc)
	defer fc.conn.Close()

	br := bufio.NewReader(fc.conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(strings.ToUpper(line), "+LOADCONF") {
			var body []string
			for {
				bodyLine, err := br.ReadString('\n')
				if err != nil {
					return
				}
				bodyLine = strings.TrimRight(bodyLine, "\r\n")
				if bodyLine == "." {
					break
				}
				body = append(body, bodyLine)
			}
			fc.server.mu.Lock()
			fc.server.loadedConfig = append(fc.server.loadedConfig, strings.Join(body, "\n"))
			fc.server.mu.Unlock()
			fc.write("250 OK")
			continue
		}

		if strings.EqualFold(line, "QUIT") {
			fc.write("250 closing connection")
			return
		}

		fc.handleLine(line)
	}
}

func (fc *fakeConn) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fc.write("510 Unrecognized command")
		return
	}
	keyword := strings.ToUpper(fields[0])
	args := fields[1:]

	switch keyword {
	case "AUTHENTICATE":
		fc.handleAuthenticate()
	case "AUTHCHALLENGE":
		fc.handleAuthChallenge(args)
	case "PROTOCOLINFO":
		fc.handleProtocolInfo()
	case "SETEVENTS":
		fc.write("250 OK")
	case "GETINFO":
		fc.handleGetInfo(args)
	case "GETCONF":
		fc.handleGetConf(args)
	case "SETCONF", "RESETCONF", "SAVECONF", "SIGNAL", "DEL_ONION",
		"ONION_CLIENT_AUTH_ADD", "ONION_CLIENT_AUTH_REMOVE",
		"TAKEOWNERSHIP", "DROPOWNERSHIP", "DROPGUARDS", "RESOLVE", "HSFETCH":
		fc.write("250 OK")
	case "ONION_CLIENT_AUTH_VIEW":
		fc.write("250 OK")
	case "ADD_ONION":
		fc.handleAddOnion(args)
	case "MAPADDRESS":
		fc.handleMapAddress(line)
	default:
		fc.write("510 Unrecognized command " + keyword)
	}
}

func (fc *fakeConn) handleAuthenticate() {
	fc.server.mu.Lock()
	reject := fc.server.rejectAuth
	fc.server.mu.Unlock()
	if reject {
		fc.write("515 Authentication failed")
		return
	}
	fc.write("250 OK")
}

// handleAuthChallenge computes SERVERHASH/SERVERNONCE against the
// server's configured cookie, the counterpart to Session's
// authenticateSafeCookie handshake.
func (fc *fakeConn) handleAuthChallenge(args []string) {
	fc.server.mu.Lock()
	reject := fc.server.rejectAuth
	cookie := fc.server.cookie
	fc.server.mu.Unlock()
	if reject {
		fc.write("515 Authentication failed")
		return
	}
	if len(args) < 2 || args[0] != string(AuthSafeCookie) {
		fc.write("513 Unrecognized AUTHCHALLENGE type")
		return
	}
	clientNonce, err := hex.DecodeString(args[1])
	if err != nil {
		fc.write("513 Invalid base16 client nonce")
		return
	}

	serverNonce := make([]byte, safeCookieNonceLen)
	if _, err := rand.Read(serverNonce); err != nil {
		fc.write("551 internal error generating nonce")
		return
	}

	message := bytes.Join([][]byte{cookie, clientNonce, serverNonce}, nil)
	serverHash := computeHMAC256(safeCookieServerKey, message)
	fc.write(fmt.Sprintf("250 AUTHCHALLENGE SERVERHASH=%X SERVERNONCE=%X", serverHash, serverNonce))
}

func (fc *fakeConn) handleProtocolInfo() {
	fc.server.mu.Lock()
	methods := fc.server.authMethods
	cookiePath := fc.server.cookiePath
	fc.server.mu.Unlock()

	fc.write("250-PROTOCOLINFO 1")
	fc.write(fmt.Sprintf(`250-AUTH METHODS=%s COOKIEFILE="%s"`, methods, cookiePath))
	fc.write(`250-VERSION Tor="0.4.8.10" OtherTorVersion="0.4.8.10"`)
	fc.write("250 OK")
}

func (fc *fakeConn) handleGetInfo(keys []string) {
	fc.server.mu.Lock()
	values := make(map[string]string, len(fc.server.infoValues))
	for k, v := range fc.server.infoValues {
		values[k] = v
	}
	fc.server.mu.Unlock()

	for _, k := range keys {
		fc.write(fmt.Sprintf("250-%s=%s", k, values[k]))
	}
	fc.write("250 OK")
}

func (fc *fakeConn) handleGetConf(keys []string) {
	fc.server.mu.Lock()
	values := make(map[string]string, len(fc.server.confValues))
	for k, v := range fc.server.confValues {
		values[k] = v
	}
	fc.server.mu.Unlock()

	if len(keys) == 0 {
		fc.write("250 OK")
		return
	}
	for i, k := range keys {
		sep := "-"
		if i == len(keys)-1 {
			sep = " "
		}
		v, ok := values[k]
		if !ok {
			fc.write("250" + sep + k)
			continue
		}
		fc.write(fmt.Sprintf("250%s%s=%s", sep, k, v))
	}
}

// handleAddOnion fabricates a fresh v3 service key pair and replies with
// its ServiceID (and PrivateKey, unless DiscardPK was requested), the
// shape Command.parseReply's parseAddOnionReply expects.
func (fc *fakeConn) handleAddOnion(args []string) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fc.write("551 internal error generating key")
		return
	}
	addr, err := NewOnionAddressFromPublicKey(pub)
	if err != nil {
		fc.write("551 internal error encoding address")
		return
	}

	discardPK := false
	for _, a := range args {
		if strings.Contains(a, "DiscardPK") {
			discardPK = true
		}
	}

	serviceID := strings.TrimSuffix(addr.String(), ".onion")
	fc.write("250-ServiceID=" + serviceID)
	if !discardPK {
		pk := OnionPrivateKey{Algorithm: OnionKeyED25519V3, Raw: priv.Seed()}
		fc.write("250-PrivateKey=" + pk.String())
	}
	fc.write("250 OK")
}

func (fc *fakeConn) handleMapAddress(line string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "MAPADDRESS"))
	fc.write("250 " + rest)
}

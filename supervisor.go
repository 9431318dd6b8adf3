package tormgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const opSupervisor = "Supervisor"

// SupervisorState is the Process Supervisor's own lifecycle, distinct
// from the Runtime's TorState: it tracks the child process, not the
// tor daemon's bootstrap progress.
type SupervisorState string

const (
	SupervisorIdle      SupervisorState = "idle"
	SupervisorLaunching SupervisorState = "launching"
	SupervisorRunning   SupervisorState = "running"
	SupervisorStopping  SupervisorState = "stopping"
	SupervisorStopped   SupervisorState = "stopped"
	SupervisorCrashed   SupervisorState = "crashed"
)

// ControlEndpoint is the dial target the Control Session connects to,
// parsed from the control-port file tor writes once it is listening.
type ControlEndpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

// SupervisorConfig parameterizes a Supervisor. The On* callbacks let
// the Runtime fold process-observed signals into its own state machine
// and event fan-out without the Supervisor depending on Runtime's
// types.
type SupervisorConfig struct {
	Resources      ResourceProvider
	WorkDir        string
	StartupTimeout time.Duration
	GraceTimeout   time.Duration
	Logger         Logger

	// OnLogLine is called for every line tor writes to stdout/stderr,
	// tagged as the Log.Process event source.
	OnLogLine func(line string)
	// OnBootstrap is called when a "Bootstrapped N% (tag): …" line is
	// observed.
	OnBootstrap func(percent int)
	// OnListenerOpened is called for "Opened <Kind> listener … on
	// <address>" lines.
	OnListenerOpened func(kind, address string)
	// OnListenerClosed is called for "Closing … <Kind> listener … on
	// <address>" lines.
	OnListenerClosed func(kind, address string)
	// OnExit is called once, from the monitor goroutine, when the tor
	// process exits. crashed is false only when RequestStop or ForceKill
	// was called before the exit was observed.
	OnExit func(err error, crashed bool)
}

// Supervisor spawns, monitors, and tears down the tor process for one
// run of the Runtime's lifecycle. It owns no state beyond the current
// run: Launch starts a fresh run each time, and a Supervisor is
// reusable across Start/Restart cycles.
type Supervisor struct {
	cfg    SupervisorConfig
	logger Logger

	mu      sync.Mutex
	state   SupervisorState
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error

	torrcPath       string
	controlPortFile string
}

// NewSupervisor constructs an idle Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	if cfg.Resources == nil {
		cfg.Resources = NewLookPathResourceProvider("")
	}
	return &Supervisor{cfg: cfg, logger: logger, state: SupervisorIdle}
}

// State returns the Supervisor's current lifecycle state.
func (sv *Supervisor) State() SupervisorState {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// PID returns the child process's PID, or 0 if not running.
func (sv *Supervisor) PID() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.cmd == nil || sv.cmd.Process == nil {
		return 0
	}
	return sv.cmd.Process.Pid
}

// Launch resolves the tor binary, writes full's MinimumStartupSubset
// torrc to a temp file under WorkDir, spawns tor against it, streams
// its stdout/stderr into OnLogLine (with Bootstrapped/Opened/Closing
// line inspection), and blocks until the control-port file appears and
// parses, or ctx/StartupTimeout elapses.
func (sv *Supervisor) Launch(ctx context.Context, full TorConfig) (ControlEndpoint, error) {
	sv.mu.Lock()
	if sv.state == SupervisorRunning || sv.state == SupervisorLaunching {
		sv.mu.Unlock()
		return ControlEndpoint{}, newError(ErrLaunchFailed, opSupervisor, "supervisor already running", nil)
	}
	sv.state = SupervisorLaunching
	sv.mu.Unlock()

	binPath, err := sv.cfg.Resources.TorBinaryPath()
	if err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, err
	}

	workDir := sv.cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "tormgr-run-*")
		if err != nil {
			sv.setState(SupervisorIdle)
			return ControlEndpoint{}, newError(ErrIO, opSupervisor, "failed to create work directory", err)
		}
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, newError(ErrIO, opSupervisor, "failed to create work directory", err)
	}

	torrcPath := filepath.Join(workDir, "torrc")
	controlPortFile := filepath.Join(workDir, "control-port")

	minimal := full.MinimumStartupSubset(os.Getpid())
	minimal = withControlPortWriteToFile(minimal, controlPortFile)
	if err := os.WriteFile(torrcPath, []byte(minimal.Serialize()), 0o600); err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, newError(ErrIO, opSupervisor, "failed to write torrc", err)
	}
	sv.torrcPath = torrcPath
	sv.controlPortFile = controlPortFile

	_ = os.Remove(controlPortFile)

	args := []string{
		"--defaults-torrc", os.DevNull,
		"-f", torrcPath,
		"--ignore-missing-torrc",
		"--RunAsDaemon", "0",
		"--__OwningControllerProcess", strconv.Itoa(os.Getpid()),
	}

	// #nosec G204 -- binPath/args are fully derived from a validated ResourceProvider and TorConfig.
	cmd := exec.Command(binPath, args...) //nolint:noctx
	cmd.Dir = workDir
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, newError(ErrLaunchFailed, opSupervisor, "failed to attach stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, newError(ErrLaunchFailed, opSupervisor, "failed to attach stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		sv.setState(SupervisorIdle)
		return ControlEndpoint{}, newError(ErrLaunchFailed, opSupervisor, "failed to start tor process", err)
	}

	sv.mu.Lock()
	sv.cmd = cmd
	sv.exited = make(chan struct{})
	sv.mu.Unlock()

	sv.logger.Log("info", "tor process started", "pid", cmd.Process.Pid, "torrc", torrcPath)

	var pump errgroup.Group
	pump.Go(func() error { sv.pumpLines(stdout); return nil })
	pump.Go(func() error { sv.pumpLines(stderr); return nil })

	go sv.monitor(cmd)

	endpoint, err := sv.awaitReadiness(ctx, controlPortFile)
	if err != nil {
		sv.logger.Log("error", "tor did not become ready", "error", err)
		_ = sv.ForceKill()
		return ControlEndpoint{}, err
	}

	sv.setState(SupervisorRunning)
	return endpoint, nil
}

// withControlPortWriteToFile forces the ControlPortWriteToFile value a
// Launch call needs, regardless of what the caller's config declared,
// since the Supervisor is the one polling that exact path.
func withControlPortWriteToFile(cfg TorConfig, path string) TorConfig {
	nodes := make([]configNode, 0, len(cfg.nodes)+1)
	for _, n := range cfg.nodes {
		if n.setting != nil && n.setting.Keyword == KeywordControlPortWriteToFile {
			continue
		}
		nodes = append(nodes, n)
	}
	nodes = append(nodes, configNode{
		setting: &Setting{Keyword: KeywordControlPortWriteToFile, Items: []LineItem{{Args: []string{path}}}},
	})
	return TorConfig{nodes: nodes, prober: cfg.prober}
}

// pumpLines streams r line-by-line into OnLogLine, additionally
// inspecting each line for Bootstrapped/Opened/Closing markers.
func (sv *Supervisor) pumpLines(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if sv.cfg.OnLogLine != nil {
			sv.cfg.OnLogLine(line)
		}
		sv.inspectLine(line)
	}
}

func (sv *Supervisor) inspectLine(line string) {
	if pct, ok := parseBootstrapLine(line); ok && sv.cfg.OnBootstrap != nil {
		sv.cfg.OnBootstrap(pct)
		return
	}
	if kind, addr, ok := parseListenerOpened(line); ok && sv.cfg.OnListenerOpened != nil {
		sv.cfg.OnListenerOpened(kind, addr)
		return
	}
	if kind, addr, ok := parseListenerClosed(line); ok && sv.cfg.OnListenerClosed != nil {
		sv.cfg.OnListenerClosed(kind, addr)
	}
}

// parseListenerOpened matches "Opened <Kind> listener connection
// (ready) on <address>".
func parseListenerOpened(line string) (kind, addr string, ok bool) {
	const marker = "Opened "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := line[idx+len(marker):]
	fields := strings.Fields(rest)
	if len(fields) < 2 || fields[1] != "listener" {
		return "", "", false
	}
	onIdx := strings.LastIndex(rest, " on ")
	if onIdx < 0 {
		return "", "", false
	}
	return fields[0], strings.TrimSpace(rest[onIdx+len(" on "):]), true
}

// parseListenerClosed matches "Closing (no-longer-configured|
// partially-constructed) <Kind> listener … on <address>".
func parseListenerClosed(line string) (kind, addr string, ok bool) {
	const marker = "Closing "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := line[idx+len(marker):]
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return "", "", false
	}
	switch fields[0] {
	case "no-longer-configured", "partially-constructed":
	default:
		return "", "", false
	}
	onIdx := strings.LastIndex(rest, " on ")
	if onIdx < 0 {
		return "", "", false
	}
	return fields[1], strings.TrimSpace(rest[onIdx+len(" on "):]), true
}

// awaitReadiness polls, with small back-off, for the control-port file
// to appear and be non-empty, then parses its content.
func (sv *Supervisor) awaitReadiness(ctx context.Context, path string) (ControlEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, sv.cfg.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sv.earlyExit():
			return ControlEndpoint{}, newError(ErrEarlyExit, opSupervisor, "tor process exited before control port became ready", sv.exitErr)
		case <-ctx.Done():
			return ControlEndpoint{}, newError(ErrReadinessTimeout, opSupervisor, "control port file did not appear in time", ctx.Err())
		case <-ticker.C:
			data, err := os.ReadFile(filepath.Clean(path))
			if err != nil || len(data) == 0 {
				continue
			}
			return parseControlPortFile(strings.TrimSpace(string(data)))
		}
	}
}

func (sv *Supervisor) earlyExit() <-chan struct{} {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.exited == nil {
		ch := make(chan struct{})
		return ch
	}
	return sv.exited
}

// parseControlPortFile parses "PORT=<host>:<port>" or
// "PORT=unix:<path>" strictly; anything else is a ReadinessTimeout-class
// failure per the control-port file format.
func parseControlPortFile(content string) (ControlEndpoint, error) {
	const prefix = "PORT="
	if !strings.HasPrefix(content, prefix) {
		return ControlEndpoint{}, newError(ErrReadinessTimeout, opSupervisor, "control port file has unexpected content: "+content, nil)
	}
	value := content[len(prefix):]
	if strings.HasPrefix(value, "unix:") {
		return ControlEndpoint{Network: "unix", Address: strings.TrimPrefix(value, "unix:")}, nil
	}
	host, portStr, err := splitHostPort(value)
	if err != nil {
		return ControlEndpoint{}, newError(ErrReadinessTimeout, opSupervisor, "control port file has malformed address: "+value, err)
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return ControlEndpoint{}, newError(ErrReadinessTimeout, opSupervisor, "control port file has non-numeric port: "+value, err)
	}
	return ControlEndpoint{Network: "tcp", Address: host + ":" + portStr}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':' in %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// monitor waits for the process to exit and classifies the exit as
// either a requested teardown (Stopping -> Stopped) or an unexpected
// crash (-> Crashed), recording the exit error for awaitReadiness/
// Runtime to observe.
func (sv *Supervisor) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()

	sv.mu.Lock()
	sv.exitErr = err
	wasStopping := sv.state == SupervisorStopping
	if wasStopping {
		sv.state = SupervisorStopped
	} else {
		sv.state = SupervisorCrashed
	}
	exited := sv.exited
	sv.mu.Unlock()

	if exited != nil {
		close(exited)
	}

	if wasStopping {
		sv.logger.Log("info", "tor process exited", "error", err)
	} else {
		sv.logger.Log("error", "tor process exited unexpectedly", "error", err)
	}

	if sv.cfg.OnExit != nil {
		sv.cfg.OnExit(err, !wasStopping)
	}
}

func (sv *Supervisor) setState(s SupervisorState) {
	sv.mu.Lock()
	sv.state = s
	sv.mu.Unlock()
}

// RequestStop marks the Supervisor as expecting the process to exit
// (so monitor classifies the coming exit as Stopped, not Crashed),
// ahead of the Runtime asking the Session to SIGNAL SHUTDOWN.
func (sv *Supervisor) RequestStop() {
	sv.setState(SupervisorStopping)
}

// WaitExit blocks until the process exits or the grace period elapses,
// returning the exit error (nil on a clean exit).
func (sv *Supervisor) WaitExit(ctx context.Context) error {
	sv.mu.Lock()
	exited := sv.exited
	sv.mu.Unlock()
	if exited == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sv.cfg.GraceTimeout)
	defer cancel()
	select {
	case <-exited:
		sv.mu.Lock()
		err := sv.exitErr
		sv.mu.Unlock()
		return err
	case <-ctx.Done():
		return newError(ErrTimeout, opSupervisor, "tor process did not exit within the grace period", ctx.Err())
	}
}

// ForceKill kills the process directly, bypassing any control-channel
// shutdown handshake.
func (sv *Supervisor) ForceKill() error {
	sv.mu.Lock()
	cmd := sv.cmd
	sv.state = SupervisorStopping
	sv.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return newError(ErrIO, opSupervisor, "failed to kill tor process", err)
	}
	return nil
}

// Cleanup removes the torrc and control-port file this run created.
func (sv *Supervisor) Cleanup() {
	sv.mu.Lock()
	torrcPath, controlPortFile := sv.torrcPath, sv.controlPortFile
	sv.mu.Unlock()
	if torrcPath != "" {
		_ = os.Remove(torrcPath)
	}
	if controlPortFile != "" {
		_ = os.Remove(controlPortFile)
	}
}

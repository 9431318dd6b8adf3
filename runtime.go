package tormgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const opRuntime = "Runtime"

// defaultSubscribedEvents is the event set Session.connect's SETEVENTS
// call requests when a Runtime option does not override it.
var defaultSubscribedEvents = []string{
	"STATUS_CLIENT", "STATUS_GENERAL", "STATUS_SERVER",
	"BW", "NOTICE", "WARN", "ERR", "CONF_CHANGED", "NETWORK_LIVENESS",
}

// RuntimeOption configures a Runtime at construction time via
// NewRuntime, mirroring the TorConfigOption functional-options shape
// C1 already uses.
type RuntimeOption func(*runtimeBuilder)

type runtimeBuilder struct {
	logger    Logger
	metrics   *Metrics
	notifier  Notifier
	resources ResourceProvider
	workDir   string
	events    []string
}

// WithRuntimeLogger supplies the Logger the Runtime, Supervisor, and
// Session log through, tagged with their own subsystem prefix.
func WithRuntimeLogger(l Logger) RuntimeOption {
	return func(b *runtimeBuilder) { b.logger = l }
}

// WithRuntimeMetrics supplies the Prometheus instrumentation the
// Runtime records into. Without this option, metrics are recorded into
// an unregistered Metrics instance and never scraped.
func WithRuntimeMetrics(m *Metrics) RuntimeOption {
	return func(b *runtimeBuilder) { b.metrics = m }
}

// WithRuntimeNotifier supplies the platform lifecycle-host hooks the
// Runtime calls at Start/state-change/Stop boundaries.
func WithRuntimeNotifier(n Notifier) RuntimeOption {
	return func(b *runtimeBuilder) { b.notifier = n }
}

// WithRuntimeResourceProvider supplies the tor binary/GeoIP resolver
// the Supervisor uses to launch tor. Defaults to resolving "tor" via
// PATH.
func WithRuntimeResourceProvider(r ResourceProvider) RuntimeOption {
	return func(b *runtimeBuilder) { b.resources = r }
}

// WithRuntimeWorkDir pins the directory each run's torrc and
// control-port file are written under. Defaults to a fresh temp
// directory per Start.
func WithRuntimeWorkDir(dir string) RuntimeOption {
	return func(b *runtimeBuilder) { b.workDir = dir }
}

// WithRuntimeEvents overrides the async event kinds subscribed to on
// connect, replacing defaultSubscribedEvents.
func WithRuntimeEvents(kinds ...string) RuntimeOption {
	return func(b *runtimeBuilder) { b.events = kinds }
}

// actionKind tags one entry in the Runtime's action queue.
type actionKind string

const (
	actionStart   actionKind = "start"
	actionStop    actionKind = "stop"
	actionRestart actionKind = "restart"
	actionCommand actionKind = "command"
)

// queuedAction is one Job sitting in the Runtime's totally ordered
// action queue: either a lifecycle action or a Command submission.
type queuedAction struct {
	kind     actionKind
	job      *EnqueuedJob
	cmd      Command
	graceful bool
}

// newQueuedJob returns a job whose Cancel, while still pending in the
// queue, transitions it straight to Cancelled: queued-but-undispatched
// actions have no side effect to unwind, so cancellation is immediate.
func newQueuedJob() *EnqueuedJob {
	var job *EnqueuedJob
	job = newJob(func() { job.cancel() })
	return job
}

// Runtime is C5: it owns Config, Supervisor, Session, the listener
// Registry, and the daemon state machine, and exposes the public
// lifecycle-action and command API. Actions and commands share a
// single mutex-protected action queue, processed by one worker
// goroutine, realizing the "totally ordered sequence of Jobs"
// invariant.
type Runtime struct {
	cfgMu sync.Mutex
	cfg   TorConfig

	logger    Logger
	metrics   *Metrics
	notifier  Notifier
	resources ResourceProvider
	workDir   string
	events    []string

	state    *stateTracker
	registry *listenerRegistry

	supervisor *Supervisor

	sessMu  sync.Mutex
	session *Session

	mu            sync.Mutex
	pending       []*queuedAction
	currentKind   actionKind
	currentCancel context.CancelFunc
	wake          chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once

	lifecycleGroup singleflight.Group
}

// NewRuntime constructs a Runtime around cfg, in the Off state, and
// starts its action-queue worker goroutine.
func NewRuntime(cfg TorConfig, opts ...RuntimeOption) *Runtime {
	b := &runtimeBuilder{}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}
	if b.notifier == nil {
		b.notifier = noopNotifier{}
	}
	if b.resources == nil {
		b.resources = NewLookPathResourceProvider("")
	}
	if len(b.events) == 0 {
		b.events = defaultSubscribedEvents
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    b.logger,
		metrics:   b.metrics,
		notifier:  b.notifier,
		resources: b.resources,
		workDir:   b.workDir,
		events:    b.events,
		state:     newStateTracker(),
		registry:  newListenerRegistry(),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}

	rt.supervisor = NewSupervisor(SupervisorConfig{
		Resources: rt.resources,
		WorkDir:   rt.workDir,
		Logger:    withSubsystem(rt.logger, "SUPV"),
		OnLogLine: func(line string) {
			rt.registry.dispatch("Log.Process", Frame{Payload: line})
		},
		OnBootstrap:      rt.handleBootstrap,
		OnListenerOpened: rt.handleListenerOpened,
		OnListenerClosed: rt.handleListenerClosed,
		OnExit:           rt.handleExit,
	})

	go rt.worker()
	return rt
}

// State returns the current daemon/bootstrap/network projection.
func (rt *Runtime) State() TorState {
	return rt.state.snapshot()
}

// Config returns the currently active TorConfig.
func (rt *Runtime) Config() TorConfig {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	return rt.cfg
}

// SetConfig replaces the TorConfig a subsequent Start/Restart launches
// with. It does not itself reconfigure a running daemon; call Restart
// to apply it.
func (rt *Runtime) SetConfig(cfg TorConfig) {
	rt.cfgMu.Lock()
	rt.cfg = cfg
	rt.cfgMu.Unlock()
}

// Subscribe registers handler for events of the given kind ("" for
// every kind) and returns a cancellation func. Listeners registered
// this way are cleared on Destroy.
func (rt *Runtime) Subscribe(kind string, handler func(Frame)) func() {
	return rt.registry.register(kind, handler, false)
}

// SubscribeStatic is Subscribe but the listener survives Destroy,
// for host-level observers that outlive any one Runtime lifecycle.
func (rt *Runtime) SubscribeStatic(kind string, handler func(Frame)) func() {
	return rt.registry.register(kind, handler, true)
}

// SubscribeWithExecutor is Subscribe, but handler is invoked via
// executor (e.g. a UI-thread dispatcher) instead of synchronously on
// the dispatching goroutine.
func (rt *Runtime) SubscribeWithExecutor(kind string, handler func(Frame), executor func(func())) func() {
	return rt.registry.registerWithExecutor(kind, handler, false, "", executor)
}

// SubscribeTagged is SubscribeWithExecutor, but the listener is
// additionally tagged for bulk removal via UnsubscribeTag — the
// pattern a UI screen uses to register a batch of listeners on
// appear and tear all of them down on a single disappear call,
// without tracking each individual cancellation func.
func (rt *Runtime) SubscribeTagged(kind string, handler func(Frame), tag string, executor func(func())) func() {
	return rt.registry.registerWithExecutor(kind, handler, false, tag, executor)
}

// UnsubscribeTag removes every listener registered with the given tag
// via SubscribeTagged, across all event kinds.
func (rt *Runtime) UnsubscribeTag(tag string) {
	rt.registry.unregisterTag(tag)
}

// Start requests the daemon transition from Off to On. Per the
// preemption table: a no-op success if already On or Starting,
// otherwise enqueues a Start action. Concurrent Start calls coalesce
// onto a single submission via singleflight.
func (rt *Runtime) Start() *EnqueuedJob {
	v, _, _ := rt.lifecycleGroup.Do("start", func() (any, error) {
		return rt.submitStart(), nil
	})
	return v.(*EnqueuedJob)
}

// Stop requests the daemon shut down. graceful selects SIGNAL SHUTDOWN
// plus a bounded wait over an immediate kill. Stop always preempts:
// every pending non-Stop job is cancelled with Interrupted and any
// in-flight Start/Restart is cancelled.
func (rt *Runtime) Stop(graceful bool) *EnqueuedJob {
	key := fmt.Sprintf("stop:%v", graceful)
	v, _, _ := rt.lifecycleGroup.Do(key, func() (any, error) {
		return rt.submitStop(graceful), nil
	})
	return v.(*EnqueuedJob)
}

// Restart requests the daemon cycle through Off and back to On while
// preserving the original minimum-startup-subset torrc, then
// re-applies the full config via LOADCONF once the new session is
// ready. Equivalent to Start when currently Off.
func (rt *Runtime) Restart() *EnqueuedJob {
	v, _, _ := rt.lifecycleGroup.Do("restart", func() (any, error) {
		return rt.submitRestart(), nil
	})
	return v.(*EnqueuedJob)
}

// Enqueue submits a control command. Privileged command kinds
// (Authenticate, ConfigLoad, OwnershipTake/Drop, SIGNAL
// SHUTDOWN/HALT) are rejected: those are issued internally by the
// Runtime itself. Fails immediately with NotReady unless the daemon
// is On.
func (rt *Runtime) Enqueue(cmd Command) *EnqueuedJob {
	if cmd.privileged() {
		job := newQueuedJob()
		job.fail(newError(ErrInvalidConfig, opRuntime, "command kind is privileged and cannot be submitted externally", nil))
		return job
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.state.isOn() {
		job := newQueuedJob()
		job.fail(newError(ErrNotReady, opRuntime, "daemon is not On", nil))
		return job
	}
	job := newQueuedJob()
	rt.enqueueLocked(&queuedAction{kind: actionCommand, job: job, cmd: cmd})
	return job
}

// Destroy stops the daemon (if running), clears every non-static
// listener, and shuts down the action-queue worker. A Runtime is not
// reusable after Destroy.
func (rt *Runtime) Destroy() error {
	job := rt.Stop(true)
	_, err := rt.awaitJob(job)
	rt.registry.clearNonStatic()
	rt.closeOnce.Do(func() { close(rt.closed) })
	return err
}

func (rt *Runtime) awaitJob(job *EnqueuedJob) (any, error) {
	done := make(chan struct{})
	var result any
	var resultErr error
	job.InvokeOnCompletion(func(_ JobState, r any, e error) {
		result, resultErr = r, e
		close(done)
	})
	<-done
	return result, resultErr
}

// submitStart applies the Start row of the preemption table.
func (rt *Runtime) submitStart() *EnqueuedJob {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st := rt.state.snapshot()
	if st.Daemon == DaemonOn || st.Daemon == DaemonStarting {
		job := newQueuedJob()
		job.markExecuting()
		job.succeed(st)
		return job
	}
	job := newQueuedJob()
	rt.enqueueLocked(&queuedAction{kind: actionStart, job: job})
	return job
}

// submitStop applies the Stop row: cancel every pending non-Stop job,
// interrupt any in-flight Start/Restart, and run immediately ahead of
// whatever else is queued.
func (rt *Runtime) submitStop(graceful bool) *EnqueuedJob {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.cancelPendingLocked(func(k actionKind) bool { return k == actionStop })
	if rt.currentKind != "" && rt.currentKind != actionStop && rt.currentCancel != nil {
		rt.currentCancel()
	}
	job := newQueuedJob()
	rt.enqueueFrontLocked(&queuedAction{kind: actionStop, job: job, graceful: graceful})
	return job
}

// submitRestart applies the Restart rows: equivalent to Start when
// Off, otherwise cancels pending non-Stop/Restart jobs and runs ahead
// of whatever else is queued.
func (rt *Runtime) submitRestart() *EnqueuedJob {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st := rt.state.snapshot()
	if st.Daemon == DaemonOff {
		job := newQueuedJob()
		rt.enqueueLocked(&queuedAction{kind: actionStart, job: job})
		return job
	}

	rt.cancelPendingLocked(func(k actionKind) bool { return k == actionStop || k == actionRestart })
	job := newQueuedJob()
	rt.enqueueFrontLocked(&queuedAction{kind: actionRestart, job: job, graceful: true})
	return job
}

// cancelPendingLocked removes every pending action whose kind does not
// satisfy keep, failing each with Interrupted. Must be called with
// rt.mu held.
func (rt *Runtime) cancelPendingLocked(keep func(actionKind) bool) {
	kept := rt.pending[:0:0]
	for _, a := range rt.pending {
		if keep(a.kind) {
			kept = append(kept, a)
			continue
		}
		a.job.fail(newError(ErrInterrupted, opRuntime, "superseded by a higher-priority lifecycle action", nil))
	}
	rt.pending = kept
	rt.metrics.setActionQueueDepth(len(rt.pending))
}

func (rt *Runtime) enqueueLocked(a *queuedAction) {
	rt.pending = append(rt.pending, a)
	rt.metrics.setActionQueueDepth(len(rt.pending))
	rt.signal()
}

func (rt *Runtime) enqueueFrontLocked(a *queuedAction) {
	rt.pending = append([]*queuedAction{a}, rt.pending...)
	rt.metrics.setActionQueueDepth(len(rt.pending))
	rt.signal()
}

func (rt *Runtime) signal() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// worker is the single goroutine that drains the action queue, one
// Job at a time, realizing the "totally ordered sequence" invariant.
func (rt *Runtime) worker() {
	for {
		rt.mu.Lock()
		if len(rt.pending) == 0 {
			rt.mu.Unlock()
			select {
			case <-rt.wake:
				continue
			case <-rt.closed:
				return
			}
		}
		a := rt.pending[0]
		rt.pending = rt.pending[1:]
		rt.metrics.setActionQueueDepth(len(rt.pending))
		rt.mu.Unlock()

		if a.job.State().isTerminal() {
			continue // cancelled while still queued
		}
		rt.runAction(a)
	}
}

func (rt *Runtime) setCurrent(kind actionKind, cancel context.CancelFunc) {
	rt.mu.Lock()
	rt.currentKind = kind
	rt.currentCancel = cancel
	rt.mu.Unlock()
}

func (rt *Runtime) clearCurrent() {
	rt.mu.Lock()
	rt.currentKind = ""
	rt.currentCancel = nil
	rt.mu.Unlock()
}

func (rt *Runtime) runAction(a *queuedAction) {
	switch a.kind {
	case actionStart:
		rt.runStart(a)
	case actionStop:
		rt.runStop(a)
	case actionRestart:
		rt.runRestart(a)
	case actionCommand:
		rt.runCommand(a)
	}
}

// runStart launches tor via the Supervisor, connects a fresh Session,
// and bridges its events/disconnect into the Runtime's own registry.
func (rt *Runtime) runStart(a *queuedAction) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.setCurrent(actionStart, cancel)
	defer rt.clearCurrent()
	defer cancel()

	rt.runStartWithContext(ctx, a.job)
}

// runStop signals tor to shut down (or kills it outright), tears down
// the session, and returns the daemon to Off.
func (rt *Runtime) runStop(a *queuedAction) {
	a.job.markExecuting()
	rt.state.toStopping()
	rt.dispatchStateChanged()

	rt.sessMu.Lock()
	sess := rt.session
	rt.session = nil
	rt.sessMu.Unlock()

	if sess != nil && sess.IsConnected() {
		if a.graceful {
			job := sess.execute(Command{Kind: CmdSignal, Signal: SignalShutdown})
			_, _ = sess.await(context.Background(), job)
		}
		rt.supervisor.RequestStop()
		ctx, cancel := context.WithTimeout(context.Background(), rt.supervisor.cfg.GraceTimeout)
		err := rt.supervisor.WaitExit(ctx)
		cancel()
		if err != nil {
			_ = rt.supervisor.ForceKill()
		}
		_ = sess.disconnectSession(context.Background(), false)
	} else {
		_ = rt.supervisor.ForceKill()
	}

	rt.supervisor.Cleanup()
	rt.state.toOff()
	rt.notifier.NotifyStopped(nil)
	rt.dispatchStateChanged()
	a.job.succeed(rt.state.snapshot())
}

// runRestart stops the current run (if any) and starts a fresh one;
// runStartWithContext itself launches from the minimum-startup-subset
// torrc and then re-applies the full config via LOADCONF, so a Restart
// ends up in exactly the state a fresh Start would.
func (rt *Runtime) runRestart(a *queuedAction) {
	a.job.markExecuting()

	stopJob := newQueuedJob()
	rt.runStop(&queuedAction{kind: actionStop, job: stopJob, graceful: true})

	startCtx, cancel := context.WithCancel(context.Background())
	rt.setCurrent(actionRestart, cancel)
	defer rt.clearCurrent()
	defer cancel()

	startJob := newQueuedJob()
	rt.runStartWithContext(startCtx, startJob)
	result, err := startJob.Result()
	if err != nil {
		a.job.fail(err)
		return
	}

	a.job.succeed(result)
}

// runStartWithContext is runStart's body parameterized on an
// externally owned context/cancel pair, so Restart can share its own
// cancellation scope across the embedded Start. Per spec.md §4.1, tor
// is launched from MinimumStartupSubset (DisableNetwork=1) so it can
// reach a control-ready state without building circuits; once the
// session is Ready, the full config is pushed via LOADCONF and the
// network is enabled, matching a daemon that had been configured fully
// from the start.
func (rt *Runtime) runStartWithContext(ctx context.Context, job *EnqueuedJob) {
	job.markExecuting()
	rt.state.toStarting()
	rt.notifier.NotifyStarting()
	rt.dispatchStateChanged()

	cfg := rt.Config()
	endpoint, err := rt.supervisor.Launch(ctx, cfg)
	if err != nil {
		rt.metrics.incError(errorKindOf(err))
		rt.state.toOff()
		rt.dispatchStateChanged()
		job.fail(err)
		return
	}

	sess := rt.newSession(endpoint)
	if err := sess.connect(ctx); err != nil {
		rt.metrics.incError(errorKindOf(err))
		_ = rt.supervisor.ForceKill()
		rt.state.toOff()
		rt.dispatchStateChanged()
		job.fail(err)
		return
	}
	rt.bindSession(sess)

	rt.sessMu.Lock()
	rt.session = sess
	rt.sessMu.Unlock()

	if err := rt.applyFullConfig(ctx, sess, cfg); err != nil {
		rt.metrics.incError(errorKindOf(err))
		job.fail(err)
		return
	}

	job.succeed(rt.state.snapshot())
}

// applyFullConfig pushes cfg to the now-Ready session via LOADCONF,
// then flips DisableNetwork to whatever cfg explicitly requests (0,
// i.e. enabled, when cfg never set it), completing the handoff from
// the control-ready-but-networkless MinimumStartupSubset torrc to the
// daemon's real configuration.
func (rt *Runtime) applyFullConfig(ctx context.Context, sess *Session, cfg TorConfig) error {
	loadJob := sess.execute(Command{Kind: CmdConfigLoad, Settings: cfg.Serialize()})
	if _, err := sess.await(ctx, loadJob); err != nil {
		return err
	}

	disableNetwork, _ := cfg.settingValue(KeywordDisableNetwork)
	if disableNetwork == "" {
		disableNetwork = "0"
	}
	netJob := sess.execute(Command{Kind: CmdConfigSet, KeyValues: map[string]string{"DisableNetwork": disableNetwork}})
	if _, err := sess.await(ctx, netJob); err != nil {
		return err
	}
	rt.reflectNetworkState(Command{Kind: CmdConfigSet, KeyValues: map[string]string{"DisableNetwork": disableNetwork}})
	rt.dispatchStateChanged()
	return nil
}

// runCommand routes a Command to the active Session and blocks this
// worker until its reply completes, preserving the action queue's
// total ordering.
func (rt *Runtime) runCommand(a *queuedAction) {
	rt.sessMu.Lock()
	sess := rt.session
	rt.sessMu.Unlock()
	if sess == nil {
		a.job.fail(newError(ErrNotReady, opRuntime, "no active control session", nil))
		return
	}

	a.job.markExecuting()
	job := sess.execute(a.cmd)
	result, err := sess.await(context.Background(), job)
	if err != nil {
		rt.metrics.incError(errorKindOf(err))
		a.job.fail(err)
		return
	}
	if a.cmd.Kind == CmdConfigSet {
		rt.reflectNetworkState(a.cmd)
		if _, ok := a.cmd.KeyValues["DisableNetwork"]; ok {
			rt.notifier.NotifyState(rt.state.snapshot())
		}
	}
	a.job.succeed(result)
}

// newSession constructs a Session for a freshly launched endpoint,
// tagged with the Runtime's configured subsystem logger and metrics.
func (rt *Runtime) newSession(endpoint ControlEndpoint) *Session {
	return NewSession(SessionConfig{
		Network:        endpoint.Network,
		Address:        endpoint.Address,
		Events:         rt.events,
		TakeOwnership:  true,
		ConnectTimeout: 30 * time.Second,
		Logger:         withSubsystem(rt.logger, "SESS"),
		Metrics:        rt.metrics,
	})
}

// bindSession bridges a connected Session's events and disconnect
// notification into the Runtime's own registry and state machine.
func (rt *Runtime) bindSession(sess *Session) {
	sess.OnEvent("", func(f Frame) {
		rt.registry.dispatch(eventTag(f.Payload), f)
	})
	sess.OnDisconnect(func(err error) {
		rt.state.setNetwork(NetworkDisabled)
		rt.notifier.NotifyState(rt.state.snapshot())
		if err != nil {
			rt.metrics.incError(errorKindOf(err))
		}
		rt.registry.dispatch("Disconnected", Frame{Payload: fmt.Sprint(err)})
	})
}

func (rt *Runtime) handleBootstrap(percent int) {
	st := rt.state.observeBootstrap(percent)
	rt.metrics.observeBootstrap(percent)
	rt.notifier.NotifyState(st)
	rt.registry.dispatch("BootstrapProgress", Frame{Payload: fmt.Sprintf("Bootstrapped %d%%", percent), Code: percent})
}

func (rt *Runtime) handleListenerOpened(kind, addr string) {
	rt.registry.dispatch("ListenerOpened", Frame{Payload: kind + " " + addr})
}

func (rt *Runtime) handleListenerClosed(kind, addr string) {
	rt.registry.dispatch("ListenerClosed", Frame{Payload: kind + " " + addr})
}

// handleExit reacts to the Supervisor observing the tor process exit
// outside of a Runtime-initiated Stop/Restart: it forces the daemon
// back to Off and surfaces a Crashed event.
func (rt *Runtime) handleExit(err error, crashed bool) {
	if !crashed {
		return
	}
	rt.state.toOff()
	rt.notifier.NotifyState(rt.state.snapshot())
	rt.notifier.NotifyStopped(err)
	rt.registry.dispatch("Crashed", Frame{Payload: fmt.Sprint(err)})

	rt.sessMu.Lock()
	sess := rt.session
	rt.session = nil
	rt.sessMu.Unlock()
	if sess != nil {
		_ = sess.disconnectSession(context.Background(), false)
	}
}

func (rt *Runtime) dispatchStateChanged() {
	st := rt.state.snapshot()
	rt.notifier.NotifyState(st)
	rt.registry.dispatch("StateChanged", Frame{Payload: st.String()})
}

// reflectNetworkState flips the network phase after a successful
// SETCONF DisableNetwork change, mirroring the control-channel side
// effect into the locally tracked TorState.
func (rt *Runtime) reflectNetworkState(cmd Command) {
	v, ok := cmd.KeyValues["DisableNetwork"]
	if !ok {
		return
	}
	switch v {
	case "1":
		rt.state.setNetwork(NetworkDisabled)
	case "0":
		rt.state.setNetwork(NetworkEnabled)
	}
}

func errorKindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrUnknown
}

func eventTag(payload string) string {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// subsystemLogger tags every log line with a fixed subsystem label,
// the way lnd's per-package btclog loggers are distinguished.
type subsystemLogger struct {
	base Logger
	tag  string
}

func withSubsystem(l Logger, tag string) Logger {
	if l == nil {
		l = noopLogger{}
	}
	return subsystemLogger{base: l, tag: tag}
}

func (s subsystemLogger) Log(level, msg string, kv ...any) {
	s.base.Log(level, msg, append([]any{"subsystem", s.tag}, kv...)...)
}

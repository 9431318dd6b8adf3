// Package tormgr manages the full lifecycle of a tor daemon: building its
// configuration, launching and supervising the process, authenticating to
// its control port, and scheduling the commands and signals sent over that
// control channel while the daemon runs.
//
// # Architecture Overview
//
// Five components cooperate, each independently testable:
//
//   - TorConfig (config.go): an immutable, functional-options-built model of
//     a torrc file. TorConfig.Serialize renders the full config text;
//     TorConfig.MinimumStartupSubset renders just the settings tor needs to
//     bind its control port at launch, before the rest is pushed over the
//     control channel.
//   - Command/Frame (command.go, codec.go): the control protocol's request
//     and reply vocabulary, and the line-oriented codec that turns raw bytes
//     from the wire into Frame values (reply lines, dot-unstuffed data-block
//     bodies, and 6xx asynchronous events).
//   - Session (session.go): one authenticated control channel. It discovers
//     and performs whichever auth method PROTOCOLINFO offers (SAFECOOKIE
//     preferred, then COOKIE, then a configured password, then NULL),
//     enforces at-most-one-command-in-flight, and demultiplexes events to
//     registered listeners.
//   - Supervisor (supervisor.go): owns the tor *os/exec.Cmd itself — writing
//     the startup torrc, launching the process, classifying its exit as a
//     requested stop or a crash, and inspecting its log output for bootstrap
//     progress and listener open/close lines.
//   - Runtime (runtime.go): the component applications actually hold. It
//     owns a single action queue processed by one worker goroutine, so
//     Start/Stop/Restart/Enqueue calls from any number of goroutines are
//     serialized. Stop cancels whatever is currently running; Stop and
//     Restart both cancel pending jobs and run ahead of the rest of the
//     queue.
//
// # Quick Start
//
//	cfg, err := tormgr.NewTorConfig(
//		tormgr.WithSocksPort("9050"),
//		tormgr.WithDataDirectory("/var/lib/tor-app"),
//	)
//	rt := tormgr.NewRuntime(cfg, tormgr.WithRuntimeLogger(logger))
//	start := rt.Start()
//	start.InvokeOnCompletion(func(_ tormgr.JobState, _ any, err error) {
//		if err != nil {
//			log.Fatal(err)
//		}
//	})
//	defer rt.Destroy()
//
//	job := rt.Enqueue(tormgr.Command{Kind: tormgr.CmdInfoGet, Keys: []string{"version"}})
//	result, err := job.Result()
//
// # Concurrency model
//
// Runtime's action queue accepts concurrent callers: Start, Stop, and
// Restart each run through a golang.org/x/sync/singleflight group keyed by
// action kind, so duplicate concurrent calls of the same kind share one
// result instead of running twice, while a Stop arriving mid-Start cancels
// the in-flight launch and preempts the queue rather than waiting behind it.
// Enqueue rejects commands the package reserves for its own internal use
// (AUTHENTICATE, LOADCONF, SIGNAL SHUTDOWN/HALT, ownership transfer) with
// ErrInvalidConfig.
//
// # Observability
//
// Every component logs through the Logger interface (logger.go). The
// default Logger discards everything; an adapter backed by
// github.com/btcsuite/btclog is provided, and the Runtime tags the
// Supervisor's and Session's lines with the SUPV and SESS subsystems.
// Runtime optionally reports to a *Metrics
// (metrics.go, backed by github.com/prometheus/client_golang): command
// latency histograms, event counters, bootstrap-progress and action-queue
// depth gauges.
//
// # Scope
//
// This package supervises and talks to a local tor process over its control
// port. It does not implement a SOCKS client, does not parse or serve
// application traffic, and does not host the daemon's process on behalf of
// a platform lifecycle (an Android foreground service, a systemd unit, a
// desktop tray icon) — a host application that needs that wires its own
// Notifier implementation. Binary extraction/installation is similarly left
// to the host's ResourceProvider implementation.
package tormgr

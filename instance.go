package soloport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/soloport/internal/clock"
	"pkt.systems/soloport/internal/svcfields"
	"pkt.systems/soloport/internal/uuidv7"
)

// wakeDialTimeout bounds the release self-wake dial.
const wakeDialTimeout = 2 * time.Second

// telemetryShutdownTimeout bounds the telemetry flush during Release.
const telemetryShutdownTimeout = 5 * time.Second

// Instance is the host side of an acquired endpoint: the listener, the
// observer registry, the connection counters, and the lifecycle controls.
// Exactly one Instance exists per held endpoint; Release ends it.
type Instance struct {
	id  string
	cfg Config
	clk clock.Clock

	logger      pslog.Logger
	logListener pslog.Logger
	logRelay    pslog.Logger
	logLife     pslog.Logger

	tracer trace.Tracer

	ln   net.Listener
	port int

	mu        sync.Mutex
	listening bool
	clients   int
	pending   []ArgumentSet
	observers []observerEntry
	timerStop chan struct{}
	telemetry *telemetryBundle

	doneCh chan struct{}

	metrics *relayMetrics
}

func newInstance(cfg Config, o options, ln net.Listener) *Instance {
	in := &Instance{
		id:        uuidv7.NewString(),
		cfg:       cfg,
		clk:       o.clock,
		ln:        ln,
		listening: true,
		doneCh:    make(chan struct{}),
		tracer:    otel.Tracer("pkt.systems/soloport"),
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		in.port = addr.Port
	} else {
		in.port = cfg.Port
	}
	in.logger = o.logger.With("instance", in.id)
	in.logListener = svcfields.WithSubsystem(in.logger, "listener")
	in.logRelay = svcfields.WithSubsystem(in.logger, "relay")
	in.logLife = svcfields.WithSubsystem(in.logger, "lifecycle")
	in.metrics = newRelayMetrics(svcfields.WithSubsystem(in.logger, "telemetry"), in)
	return in
}

func (in *Instance) startTelemetry(ctx context.Context) error {
	bundle, err := setupTelemetry(ctx,
		in.cfg.OTLPEndpoint,
		in.cfg.MetricsListen,
		in.cfg.PprofListen,
		in.cfg.EnableProfilingMetrics,
		svcfields.WithSubsystem(in.logger, "telemetry"),
	)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.telemetry = bundle
	in.mu.Unlock()
	return nil
}

// start arms the release timer and launches the accept loop. Called exactly
// once, by Acquire, after a successful bind.
func (in *Instance) start() {
	in.mu.Lock()
	if in.cfg.Timeout > 0 {
		stop := make(chan struct{})
		in.timerStop = stop
		go in.countdown(in.cfg.Timeout, stop)
	}
	in.mu.Unlock()
	go in.serve()
	in.logListener.Info("listener.started", "addr", in.cfg.Addr, "port", in.port)
	if in.cfg.Timeout > 0 {
		in.logLife.Debug("lifecycle.timeout.armed", "timeout", in.cfg.Timeout)
	}
}

func (in *Instance) countdown(d time.Duration, stop <-chan struct{}) {
	select {
	case <-in.clk.After(d):
		in.logLife.Debug("lifecycle.timeout.fired", "timeout", d)
		in.Release()
	case <-stop:
	}
}

// Release stops the listener and frees the endpoint: flip the listening
// flag, cancel the release timer, clear the observer registry, shut down
// telemetry, and wake the blocked accept with a short-lived loopback
// connection carrying nothing. Release is idempotent and safe from any
// goroutine, including an observer mid-delivery. Deliveries already
// snapshotted keep running; nothing new is published afterwards.
func (in *Instance) Release() {
	in.mu.Lock()
	if !in.listening {
		in.mu.Unlock()
		in.logLife.Debug("lifecycle.release.noop")
		return
	}
	in.listening = false
	if in.timerStop != nil {
		close(in.timerStop)
		in.timerStop = nil
	}
	in.observers = nil
	bundle := in.telemetry
	in.telemetry = nil
	clients := in.clients
	in.mu.Unlock()

	in.logLife.Info("lifecycle.release.begin", "clients", clients)
	in.wake()
	if bundle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		_ = bundle.Shutdown(ctx)
		cancel()
	}
	in.logLife.Info("lifecycle.release.complete")
}

// wake nudges the accept loop off its blocking call. The loop notices the
// cleared listening flag, not the connection's payload, so the dial sends
// nothing. A failed dial falls back to closing the listener outright; the
// endpoint must come free either way.
func (in *Instance) wake() {
	conn, err := net.DialTimeout("tcp", in.wakeAddr(), wakeDialTimeout)
	if err != nil {
		in.logLife.Debug("lifecycle.wake.dial_failed", "error", err)
		_ = in.ln.Close()
		return
	}
	_ = conn.Close()
}

// wakeAddr rewrites an unspecified bind address to its loopback equivalent
// so the self-wake dial has somewhere to go.
func (in *Instance) wakeAddr() string {
	host := in.cfg.Addr
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if ip.To4() != nil {
			host = "127.0.0.1"
		} else {
			host = "::1"
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(in.port))
}

// Listening reports whether the endpoint is still held.
func (in *Instance) Listening() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.listening
}

// Clients returns the number of client connections accepted so far. The
// release self-wake is not a client and is never counted.
func (in *Instance) Clients() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.clients
}

// Pending returns the argument sets no observer has consumed yet, oldest
// first. The returned slice is a snapshot; the queue drains into observers
// as soon as any are registered.
func (in *Instance) Pending() []ArgumentSet {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.pending) == 0 {
		return nil
	}
	out := make([]ArgumentSet, len(in.pending))
	copy(out, in.pending)
	return out
}

// Observers returns the number of registered observers.
func (in *Instance) Observers() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.observers)
}

// Addr returns the configured bind address.
func (in *Instance) Addr() string {
	return in.cfg.Addr
}

// Port returns the bound port, with an ephemeral request resolved to the
// port the OS assigned.
func (in *Instance) Port() int {
	return in.port
}

// Done is closed once the accept loop has exited and the endpoint is free
// for the next bidder.
func (in *Instance) Done() <-chan struct{} {
	return in.doneCh
}

// String describes the instance for diagnostics. The secret never appears;
// a configured one is masked.
func (in *Instance) String() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	secret := "none"
	if in.cfg.Secret != "" {
		secret = "***"
	}
	return fmt.Sprintf("soloport.Instance(address=%s, port=%d, listening=%t, clients=%d, observers=%d, pending=%d, secret=%s)",
		in.cfg.Addr, in.port, in.listening, in.clients, len(in.observers), len(in.pending), secret)
}

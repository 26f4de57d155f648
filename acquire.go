package soloport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"pkt.systems/pslog"

	"pkt.systems/soloport/client"
	"pkt.systems/soloport/internal/clock"
	"pkt.systems/soloport/internal/svcfields"
)

// Role is the outcome of the endpoint-mutex race.
type Role int

const (
	// RoleHost marks the instance that bound the endpoint and runs the
	// listener.
	RoleHost Role = iota
	// RoleClient marks an instance that lost the bind and, unless
	// forwarding is disabled, relayed its arguments to the host.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// Acquisition is the explicit result of Acquire: the host side with its
// live Instance, or the client side with the forwarding outcome.
type Acquisition struct {
	// Role reports which side of the race this process landed on.
	Role Role
	// Host is the live instance. Set only for RoleHost.
	Host *Instance
	// Sent reports whether the client-side forward reached the holder.
	// Always false for RoleHost and when forwarding is disabled.
	Sent bool
	// Addr and Port name the endpoint the decision was made against. For
	// RoleHost, Port carries the resolved port when 0 was requested.
	Addr string
	Port int
}

// AlreadyRunningError reports that another instance holds the endpoint.
type AlreadyRunningError struct {
	Addr string
	Port int
	// Sent reports whether this instance's arguments reached the holder.
	Sent bool
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("already bound & listening at %s on port %d", e.Addr, e.Port)
}

type options struct {
	logger pslog.Logger
	clock  clock.Clock
}

// Option adjusts how an acquisition is constructed.
type Option func(*options)

// WithLogger routes diagnostics to the supplied logger. Without it the
// library stays silent unless Config.Verbose is set.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock substitutes the clock driving the release timer. Tests inject a
// manual clock to make timeouts deterministic.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func applyOptions(cfg *Config, opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		if cfg.Verbose {
			o.logger = pslog.NewWithOptions(context.Background(), os.Stderr, pslog.Options{
				Mode:     pslog.ModeConsole,
				MinLevel: pslog.DebugLevel,
			})
		} else {
			o.logger = pslog.NoopLogger()
		}
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	return o
}

// Acquire races for exclusive ownership of the configured endpoint. A
// successful bind starts the host listener, and the telemetry bundle when
// one is configured, and returns a RoleHost result. A bind refused because
// the address is already in use forwards cfg.Args to the holder (unless
// disabled) and returns a RoleClient result. Any other bind failure is a
// configuration or permission problem and comes back as an error.
//
// Acquire itself never terminates the process; AcquireOrExit and
// AcquireHost layer the strict and non-strict policies on top.
func Acquire(ctx context.Context, cfg Config, opts ...Option) (*Acquisition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(&cfg, opts)
	logger := svcfields.WithSubsystem(o.logger, "mutex")
	endpoint := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	logger.Debug("mutex.acquire.begin", "endpoint", endpoint)

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		if !errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("mutex.bind.failed", "endpoint", endpoint, "error", err)
			return nil, fmt.Errorf("bind %s: %w", endpoint, err)
		}
		sent := false
		if !cfg.DisableForward {
			sent = forwardToHost(ctx, cfg, logger)
		}
		logger.Info("mutex.role.client", "endpoint", endpoint, "sent", sent)
		return &Acquisition{Role: RoleClient, Sent: sent, Addr: cfg.Addr, Port: cfg.Port}, nil
	}

	in := newInstance(cfg, o, ln)
	if err := in.startTelemetry(ctx); err != nil {
		_ = ln.Close()
		return nil, err
	}
	in.start()
	logger.Info("mutex.role.host", "endpoint", endpoint, "port", in.Port(), "instance", in.id)
	return &Acquisition{Role: RoleHost, Host: in, Addr: cfg.Addr, Port: in.Port()}, nil
}

// forwardToHost relays cfg.Args and absorbs failures: the lost bind already
// settled the role, and a holder that vanished mid-handoff changes nothing.
func forwardToHost(ctx context.Context, cfg Config, logger pslog.Logger) bool {
	err := client.Forward(ctx, client.Config{
		Addr:   cfg.Addr,
		Port:   cfg.Port,
		Secret: cfg.Secret,
	}, cfg.Args)
	if err != nil {
		logger.Debug("mutex.forward.absorbed", "error", err)
		return false
	}
	logger.Debug("mutex.forward.sent", "args", len(cfg.Args))
	return true
}

// AcquireHost applies the non-strict single-instance policy: the host
// instance, or a catchable *AlreadyRunningError when the endpoint is held
// elsewhere. Argument forwarding still happens before the error returns.
func AcquireHost(ctx context.Context, cfg Config, opts ...Option) (*Instance, error) {
	res, err := Acquire(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if res.Role == RoleClient {
		return nil, &AlreadyRunningError{Addr: res.Addr, Port: res.Port, Sent: res.Sent}
	}
	return res.Host, nil
}

// AcquireOrExit applies the strict single-instance policy: losing the race
// terminates the process immediately with exit code 0 and no output, after
// the usual argument forwarding. Configuration errors still return so the
// caller can report them.
func AcquireOrExit(ctx context.Context, cfg Config, opts ...Option) (*Instance, error) {
	res, err := Acquire(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if res.Role == RoleClient {
		os.Exit(0)
	}
	return res.Host, nil
}

// WithHost scopes an acquisition: fn runs with the host instance and the
// endpoint is released on every exit path, including a panic in fn. Losing
// the race surfaces as *AlreadyRunningError without invoking fn.
func WithHost(ctx context.Context, cfg Config, fn func(*Instance) error, opts ...Option) error {
	in, err := AcquireHost(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer in.Release()
	return fn(in)
}

package soloport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/soloport/wire"
)

// serve runs the accept loop until the instance is released. Connections
// are serviced strictly sequentially: one bounded read, decode, publish,
// then the next accept. FIFO delivery of argument sets depends on that
// ordering, which is why connections never get their own goroutine.
func (in *Instance) serve() {
	defer close(in.doneCh)
	defer func() { _ = in.ln.Close() }()
	for {
		conn, err := in.ln.Accept()
		if err != nil {
			if in.Listening() {
				in.logListener.Warn("listener.accept.failed", "error", err)
				in.Release()
			}
			return
		}
		in.handle(conn)
		if !in.Listening() {
			return
		}
	}
}

// handle services one connection to completion. The stop-flag check runs
// before counting so the release self-wake never disturbs the client
// counter or the thresholds.
func (in *Instance) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if !in.Listening() {
		return
	}
	in.mu.Lock()
	in.clients++
	n := in.clients
	in.mu.Unlock()

	connID := xid.New().String()
	ctx, span := in.tracer.Start(context.Background(), "soloport.relay.connection",
		trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("soloport.conn", connID),
		attribute.Int("soloport.client", n),
	)
	defer span.End()

	in.logListener.Debug("listener.connection", "conn", connID, "client", n, "remote", conn.RemoteAddr().String())

	// Socket deadlines run on wall time regardless of the injected clock.
	_ = conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	buf := make([]byte, in.cfg.ReadBuffer)
	nread, err := conn.Read(buf)

	var outcome string
	switch {
	case nread == 0 && err != nil:
		outcome = "empty"
		if !errors.Is(err, io.EOF) {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "read_failed")
			in.logListener.Debug("listener.read.failed", "conn", connID, "error", err)
		}
	default:
		outcome = in.process(connID, buf[:nread], n)
	}
	if outcome != "error" {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("soloport.outcome", outcome))
	in.metrics.recordConnection(ctx, outcome)

	if in.cfg.ReleaseThreshold > 0 && n >= in.cfg.ReleaseThreshold {
		in.logListener.Info("listener.threshold.release", "clients", n, "threshold", in.cfg.ReleaseThreshold)
		in.Release()
	}
}

// process decodes one payload and queues the resulting argument set. Every
// failure mode is absorbed: a bad payload costs its own delivery, never the
// listener.
func (in *Instance) process(connID string, payload []byte, n int) string {
	if in.cfg.MaxClients > 0 && n > in.cfg.MaxClients {
		in.logListener.Debug("listener.threshold.max_clients", "conn", connID, "client", n, "max", in.cfg.MaxClients)
		return "ignored"
	}
	args, err := wire.Decode(payload, in.cfg.Secret)
	if err != nil {
		in.logRelay.Warn("relay.message.rejected", "conn", connID, "error", err)
		return "rejected"
	}
	if len(args) == 0 {
		return "empty"
	}
	set := ArgumentSet(args)
	in.logRelay.Debug("relay.message.accepted", "conn", connID, "args", len(set))
	in.ingest(set)
	return "accepted"
}

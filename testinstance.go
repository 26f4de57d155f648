package soloport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// StartTestInstance acquires a host on an ephemeral loopback port and tears
// it down with the test. The test fails immediately if the bind is lost or
// rejected. Callers that need a fixed port set cfg.Port themselves.
func StartTestInstance(tb testing.TB, cfg Config, opts ...Option) *Instance {
	tb.Helper()
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	opts = append([]Option{WithLogger(NewTestLogger(tb))}, opts...)
	res, err := Acquire(context.Background(), cfg, opts...)
	if err != nil {
		tb.Fatalf("acquire test instance: %v", err)
	}
	if res.Role != RoleHost {
		tb.Fatalf("test instance lost the bind race on %s:%d", cfg.Addr, cfg.Port)
	}
	tb.Cleanup(res.Host.Release)
	return res.Host
}

// NewTestLogger routes instance diagnostics into the test log at trace
// level.
func NewTestLogger(tb testing.TB) pslog.Logger {
	writer := &testingWriter{t: tb}
	tb.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
}

// SendTestMessage opens one relay connection to addr:port, transmits the
// raw payload, and closes. Tests use it where client.Forward would be too
// well behaved, e.g. for unauthenticated or malformed payloads.
func SendTestMessage(tb testing.TB, addr string, port int, payload []byte) {
	tb.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		tb.Fatalf("dial relay endpoint: %v", err)
	}
	defer conn.Close()
	if len(payload) == 0 {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		tb.Fatalf("send relay payload: %v", err)
	}
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

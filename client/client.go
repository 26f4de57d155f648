// Package client implements the sender side of the relay protocol: connect
// to the host endpoint, transmit one encoded message, close. The host never
// replies; a send is fire and forget.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"pkt.systems/soloport/wire"
)

// DefaultDialTimeout bounds the connect attempt to a host endpoint.
const DefaultDialTimeout = 2 * time.Second

// Config addresses the host endpoint.
type Config struct {
	// Addr is the host address. Defaults to 127.0.0.1.
	Addr string
	// Port is the host port.
	Port int
	// Secret, when set, travels as the leading message segment.
	Secret string
	// DialTimeout bounds the connect attempt. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration
}

// Forward connects to the host endpoint and transmits args as one relay
// message. Zero segments still open and close a connection, which the host
// counts like any other client. The connection is closed immediately after
// the send.
func Forward(ctx context.Context, cfg Config, args []string) error {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1"
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	target := net.JoinHostPort(addr, strconv.Itoa(cfg.Port))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("forward: dial %s: %w", target, err)
	}
	defer conn.Close()

	message := wire.Encode(cfg.Secret, args)
	if len(message) == 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(message); err != nil {
		return fmt.Errorf("forward: send to %s: %w", target, err)
	}
	return nil
}

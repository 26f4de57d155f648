package client_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"pkt.systems/soloport/client"
	"pkt.systems/soloport/wire"
)

func TestForwardDeliversOneMessage(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	cfg := client.Config{
		Addr:   "127.0.0.1",
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Secret: "s3cret",
	}
	if err := client.Forward(context.Background(), cfg, []string{"foo", "bar"}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case payload := <-received:
		if want := wire.Encode("s3cret", []string{"foo", "bar"}); !bytes.Equal(payload, want) {
			t.Fatalf("received %q, want %q", payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestForwardWithoutArgumentsStillConnects(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		close(accepted)
	}()

	cfg := client.Config{Port: ln.Addr().(*net.TCPAddr).Port}
	if err := client.Forward(context.Background(), cfg, nil); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never arrived")
	}
}

func TestForwardReportsDialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := client.Config{Port: port, DialTimeout: 500 * time.Millisecond}
	if err := client.Forward(context.Background(), cfg, []string{"x"}); err == nil {
		t.Fatal("expected dial failure against a closed endpoint")
	}
}

func TestForwardHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := client.Config{Port: ln.Addr().(*net.TCPAddr).Port}
	if err := client.Forward(ctx, cfg, []string{"x"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

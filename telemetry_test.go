package soloport

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want otlpTarget
	}{
		{"bare host", "collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"bare host with port", "collector:9999", otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{"grpc scheme", "grpc://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"grpcs scheme", "grpcs://collector:4000", otlpTarget{protocol: "grpc", endpoint: "collector:4000"}},
		{"http scheme", "http://collector", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{"https with path", "https://collector/v1/traces", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveOTLPTarget(tc.raw)
			if err != nil {
				t.Fatalf("resolve %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("resolved %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveOTLPTargetRejections(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://collector", "grpc://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("endpoint %q unexpectedly accepted", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "", "", "", false, NewTestLogger(t))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatal("expected nil bundle with telemetry disabled")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "", "127.0.0.1:0", "", false, NewTestLogger(t))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle == nil || bundle.metricsLn == nil {
		t.Fatal("metrics listener missing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	url := fmt.Sprintf("http://%s/metrics", bundle.metricsLn.Addr())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status %d", resp.StatusCode)
	}
}

func TestSetupTelemetryServesPprof(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "", "", "127.0.0.1:0", false, NewTestLogger(t))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle == nil || bundle.pprofLn == nil {
		t.Fatal("pprof listener missing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	url := fmt.Sprintf("http://%s/debug/pprof/cmdline", bundle.pprofLn.Addr())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("fetch pprof: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status %d", resp.StatusCode)
	}
}

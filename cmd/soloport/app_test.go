package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/soloport"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestBindConfigMapsViperKeys(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("addr", "0.0.0.0")
	viper.Set("port", 6000)
	viper.Set("timeout", "45s")
	viper.Set("release-threshold", 3)
	viper.Set("max-clients", 7)
	viper.Set("secret", "hunter2")
	viper.Set("no-forward", true)
	viper.Set("read-buffer", "4KiB")
	viper.Set("read-timeout", "2s")
	viper.Set("metrics-listen", "127.0.0.1:9464")
	viper.Set("pprof-listen", "127.0.0.1:6060")
	viper.Set("enable-profiling-metrics", true)
	viper.Set("otlp-endpoint", "grpc://localhost:4317")

	var cfg soloport.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Addr != "0.0.0.0" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.Port != 6000 {
		t.Fatalf("Port=%d", cfg.Port)
	}
	if cfg.Timeout != 45*time.Second {
		t.Fatalf("Timeout=%s", cfg.Timeout)
	}
	if cfg.ReleaseThreshold != 3 {
		t.Fatalf("ReleaseThreshold=%d", cfg.ReleaseThreshold)
	}
	if cfg.MaxClients != 7 {
		t.Fatalf("MaxClients=%d", cfg.MaxClients)
	}
	if cfg.Secret != "hunter2" {
		t.Fatalf("Secret=%q", cfg.Secret)
	}
	if !cfg.DisableForward {
		t.Fatal("DisableForward not set")
	}
	if cfg.ReadBuffer != 4096 {
		t.Fatalf("ReadBuffer=%d", cfg.ReadBuffer)
	}
	if cfg.ReadTimeout != 2*time.Second {
		t.Fatalf("ReadTimeout=%s", cfg.ReadTimeout)
	}
	if cfg.MetricsListen != "127.0.0.1:9464" {
		t.Fatalf("MetricsListen=%q", cfg.MetricsListen)
	}
	if cfg.PprofListen != "127.0.0.1:6060" {
		t.Fatalf("PprofListen=%q", cfg.PprofListen)
	}
	if !cfg.EnableProfilingMetrics {
		t.Fatal("EnableProfilingMetrics not set")
	}
	if cfg.OTLPEndpoint != "grpc://localhost:4317" {
		t.Fatalf("OTLPEndpoint=%q", cfg.OTLPEndpoint)
	}
}

func TestBindConfigRejectsUnparsableReadBuffer(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("read-buffer", "plenty")

	var cfg soloport.Config
	err := bindConfig(&cfg)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse read-buffer") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFlagsBindIntoConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags([]string{"--max-clients", "3", "--timeout", "90s", "--read-buffer", "4KiB"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	var cfg soloport.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.MaxClients != 3 {
		t.Fatalf("MaxClients=%d", cfg.MaxClients)
	}
	if cfg.Timeout != 90*time.Second {
		t.Fatalf("Timeout=%s", cfg.Timeout)
	}
	if cfg.ReadBuffer != 4096 {
		t.Fatalf("ReadBuffer=%d", cfg.ReadBuffer)
	}
}

func TestEnvironmentOverridesFlagDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("SOLOPORT_ADDR", "10.9.8.7")
	t.Setenv("SOLOPORT_MAX_CLIENTS", "4")
	_ = newRootCommand(pslog.NoopLogger())

	var cfg soloport.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Addr != "10.9.8.7" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.MaxClients != 4 {
		t.Fatalf("MaxClients=%d", cfg.MaxClients)
	}
}

func TestRootFlagDefaults(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		want string
	}{
		{name: "addr", want: soloport.DefaultAddr},
		{name: "port", want: strconv.Itoa(soloport.DefaultPort)},
		{name: "timeout", want: "0s"},
		{name: "read-buffer", want: "1.0KiB"},
		{name: "read-timeout", want: "5s"},
		{name: "strict", want: "false"},
		{name: "no-forward", want: "false"},
		{name: "log-level", want: "info"},
		{name: "metrics-listen", want: ""},
	}
	for _, tc := range cases {
		flag := root.Flags().Lookup(tc.name)
		if flag == nil {
			t.Fatalf("flag %q not found", tc.name)
		}
		if flag.DefValue != tc.want {
			t.Fatalf("flag %q default=%q want %q", tc.name, flag.DefValue, tc.want)
		}
	}
	if flag := root.PersistentFlags().ShorthandLookup("c"); flag == nil || flag.Name != "config" {
		t.Fatalf("expected global -c shorthand for --config, got %#v", flag)
	}
}

func TestRootAcceptsArbitraryArguments(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ValidateArgs([]string{"open", "--window=reuse", "document.txt"}); err != nil {
		t.Fatalf("root should accept arbitrary arguments: %v", err)
	}
}

func TestRootRelaysArgumentsToRunningHost(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", t.TempDir())

	in := soloport.StartTestInstance(t, soloport.Config{Port: 0})
	var mu sync.Mutex
	var sets [][]string
	in.Trace(func(d soloport.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		sets = append(sets, append([]string(nil), d.Args...))
	})

	stdout, stderr, err := executeRootCommand(t, "--port", strconv.Itoa(in.Port()), "relay-me", "now")
	if err != nil {
		t.Fatalf("client invocation failed: %v (stdout=%q stderr=%q)", err, stdout, stderr)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 1
	}, "relayed arguments not delivered")
	mu.Lock()
	defer mu.Unlock()
	if got := sets[0]; len(got) != 2 || got[0] != "relay-me" || got[1] != "now" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestRootStrictFailsWhenEndpointHeld(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", t.TempDir())

	in := soloport.StartTestInstance(t, soloport.Config{Port: 0})

	_, _, err := executeRootCommand(t, "--port", strconv.Itoa(in.Port()), "--strict", "--no-forward")
	if err == nil {
		t.Fatal("expected strict acquisition to fail")
	}
	var already *soloport.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("want AlreadyRunningError, got %v", err)
	}
	if already.Port != in.Port() {
		t.Fatalf("error port=%d want %d", already.Port, in.Port())
	}
	if already.Sent {
		t.Fatal("no-forward run should not report a sent relay")
	}
	if !strings.Contains(err.Error(), "already bound & listening") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestSendDeliversToRunningHost(t *testing.T) {
	in := soloport.StartTestInstance(t, soloport.Config{Port: 0, Secret: "swordfish"})
	var mu sync.Mutex
	var sets [][]string
	in.Trace(func(d soloport.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		sets = append(sets, append([]string(nil), d.Args...))
	})

	_, _, err := executeRootCommand(t,
		"send", "--port", strconv.Itoa(in.Port()), "--secret", "swordfish", "ping")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 1
	}, "sent arguments not delivered")
	mu.Lock()
	defer mu.Unlock()
	if got := sets[0]; len(got) != 1 || got[0] != "ping" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestSendFailsWithoutHost(t *testing.T) {
	port := reserveClosedPort(t)
	_, _, err := executeRootCommand(t,
		"send", "--port", strconv.Itoa(port), "--dial-timeout", "250ms", "ping")
	if err == nil {
		t.Fatal("expected send to fail with no host listening")
	}
	if !strings.Contains(err.Error(), "dial") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// reserveClosedPort binds an ephemeral port and immediately releases it so
// the returned port is very likely closed when dialed right after.
func reserveClosedPort(t *testing.T) int {
	t.Helper()
	in := soloport.StartTestInstance(t, soloport.Config{Port: 0})
	port := in.Port()
	in.Release()
	select {
	case <-in.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not release in time")
	}
	return port
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := expandPath("~/soloport.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "soloport.yaml") {
		t.Fatalf("expandPath=%q", got)
	}

	got, err = expandPath("$HOME/soloport.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "soloport.yaml") {
		t.Fatalf("expandPath=%q", got)
	}

	got, err = expandPath("")
	if err != nil || got != "" {
		t.Fatalf("expandPath(\"\")=%q err=%v", got, err)
	}
}

func TestLoadConfigFileReadsExplicitPath(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "soloport.yaml")
	if err := os.WriteFile(path, []byte("addr: 10.1.2.3\nport: 6100\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Set("config", path)

	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded=%q want %q", loaded, path)
	}
	if got := viper.GetString("addr"); got != "10.1.2.3" {
		t.Fatalf("addr=%q", got)
	}
	if got := viper.GetInt("port"); got != 6100 {
		t.Fatalf("port=%d", got)
	}
}

func TestLoadConfigFileMissingExplicitPathFails(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigFileNoCandidateIsQuiet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", t.TempDir())

	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != "" {
		t.Fatalf("expected no config file, got %q", loaded)
	}
}

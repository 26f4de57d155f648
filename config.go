package soloport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultAddr is the loopback bind address.
	DefaultAddr = "127.0.0.1"
	// DefaultPort is the canonical singleton endpoint, sitting in the
	// dynamic range so it does not collide with registered services. The
	// library itself leaves Config.Port alone; this is the value the CLI
	// offers by default.
	DefaultPort = 54321
	// DefaultReadBuffer is the per-connection read size. A relay message is
	// one send, so there is no reassembly beyond this single read.
	DefaultReadBuffer = 1024
	// DefaultReadTimeout bounds the single read so a silent connection
	// cannot park the sequential accept loop.
	DefaultReadTimeout = 5 * time.Second
	// DefaultMetricsListen leaves the Prometheus endpoint disabled.
	DefaultMetricsListen = ""
	// DefaultPprofListen leaves the pprof endpoint disabled.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the YAML file read from DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config carries the parameters of an endpoint acquisition. The zero value
// binds an ephemeral loopback port and holds it until released.
type Config struct {
	// Addr is the bind address, an IP or host name. Defaults to DefaultAddr.
	Addr string
	// Port is the bind port, 0 through 65535. 0 asks the OS for an
	// ephemeral port; the Instance reports the resolved one. Processes
	// that should exclude each other must of course agree on a fixed port,
	// conventionally DefaultPort.
	Port int
	// Args is this invocation's argument list, forwarded to the host when
	// the bind is lost. Nothing is read from os.Args; callers inject
	// exactly what should travel.
	Args []string
	// Timeout releases the endpoint this long after the listener starts.
	// Zero holds the endpoint until Release.
	Timeout time.Duration
	// ReleaseThreshold releases the endpoint once this many client
	// connections have been accepted. Zero never releases on count.
	ReleaseThreshold int
	// MaxClients stops decoding and publishing after this many client
	// connections. Later connections are still accepted and counted, their
	// payloads ignored. Zero processes every connection.
	MaxClients int
	// Secret, when set, must arrive as the first message segment or the
	// payload is discarded. Clients must be configured with the same value.
	Secret string
	// DisableForward skips sending Args to the host when the bind is lost.
	DisableForward bool
	// ReadBuffer is the per-connection read size in bytes. Defaults to
	// DefaultReadBuffer.
	ReadBuffer int
	// ReadTimeout bounds the per-connection read. Defaults to
	// DefaultReadTimeout.
	ReadTimeout time.Duration
	// Verbose routes diagnostics to stderr at debug level when no logger
	// is injected through WithLogger.
	Verbose bool

	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes debug/pprof endpoints when non-empty.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus
	// endpoint. Requires MetricsListen.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when non-empty, e.g.
	// grpc://localhost:4317 or https://collector.example.com/v1/traces.
	OTLPEndpoint string
}

// Validate applies defaults and rejects invalid parameters. Acquire calls
// it before touching any socket.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if !validHost(c.Addr) {
		return fmt.Errorf("config: invalid address %q", c.Addr)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be between 0 and 65535")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be greater than or equal to 0")
	}
	if c.ReleaseThreshold < 0 {
		return fmt.Errorf("config: release-threshold must be greater than or equal to 0")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("config: max-clients must be greater than or equal to 0")
	}
	if c.ReadBuffer < 0 {
		return fmt.Errorf("config: read-buffer must be greater than or equal to 0")
	}
	if c.ReadBuffer == 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("config: read-timeout must be greater than or equal to 0")
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// validHost accepts IP literals and RFC 1123 host names.
func validHost(addr string) bool {
	if net.ParseIP(addr) != nil {
		return true
	}
	if len(addr) > 253 {
		return false
	}
	for _, label := range strings.Split(addr, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			ch := label[i]
			switch {
			case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			case ch == '-' && i > 0 && i < len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}

// DefaultConfigDir returns the default configuration directory,
// $HOME/.soloport.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".soloport"), nil
}

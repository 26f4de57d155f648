package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/soloport"
	"pkt.systems/soloport/internal/pathutil"
	"pkt.systems/soloport/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SOLOPORT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "soloport")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if err != context.Canceled {
			if executed == nil || executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := soloport.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, soloport.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	expanded, err := pathutil.ExpandUserAndEnv(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "soloport [arguments...]",
		Short:         "soloport holds an exclusive loopback endpoint so only one instance runs, relaying later invocations' arguments to it",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		Example: `
  # First invocation binds 127.0.0.1:54321 and becomes the host
  soloport

  # Later invocations relay their arguments to the host and exit 0
  soloport /path/to/document.txt

  # Everything after the first positional token passes through verbatim
  soloport open --window=reuse document.txt

  # Auto-release the endpoint after ten minutes of hosting
  soloport --timeout 10m

  # Refuse to queue behind a running host (exit 1 instead of relaying)
  soloport --strict

  # Require clients to present a shared secret
  SOLOPORT_SECRET=hunter2 soloport
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}

			var cfg soloport.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			cfg.Args = args

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			if configFile != "" {
				cliLogger.Debug("loaded config file", "path", configFile)
			}

			strict := viper.GetBool("strict")

			acq, err := soloport.Acquire(ctx, cfg, soloport.WithLogger(logger))
			if err != nil {
				return err
			}
			if acq.Role == soloport.RoleClient {
				if strict {
					return &soloport.AlreadyRunningError{Addr: acq.Addr, Port: acq.Port, Sent: acq.Sent}
				}
				cliLogger.Debug("arguments handed to running host",
					"addr", acq.Addr, "port", acq.Port, "sent", acq.Sent)
				return nil
			}

			in := acq.Host
			defer in.Release()
			svcfields.WithSubsystem(logger, "host.lifecycle.init").WithLogLevel().Info(
				"welcome to soloport",
				"app", "soloport",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			relayLogger := svcfields.WithSubsystem(logger, "cli.relay")
			in.Trace(func(d soloport.Delivery) {
				relayLogger.Info("arguments received", "args", []string(d.Args))
			})
			go func() {
				<-ctx.Done()
				in.Release()
			}()
			cliLogger.Info("holding endpoint", "addr", in.Addr(), "port", in.Port())
			<-in.Done()
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.soloport/"+soloport.DefaultConfigFileName+")")

	flags := cmd.Flags()
	// Flag parsing stops at the first positional token so relayed
	// arguments pass through verbatim.
	flags.SetInterspersed(false)
	flags.String("addr", soloport.DefaultAddr, "address the endpoint binds to (host) or is reached on (client)")
	flags.Int("port", soloport.DefaultPort, "endpoint port (0 lets the host pick an ephemeral port)")
	flags.Duration("timeout", 0, "auto-release the endpoint after this hosting duration (0 holds until released)")
	flags.Int("release-threshold", 0, "release the endpoint after this many client connections (0 disables)")
	flags.Int("max-clients", 0, "ignore relayed arguments after this many clients (0 disables)")
	flags.String("secret", "", "shared secret relayed messages must lead with")
	flags.Bool("no-forward", false, "connect but relay nothing when another host holds the endpoint")
	flags.String("read-buffer", humanizeBytes(soloport.DefaultReadBuffer), "per-connection read buffer size")
	flags.Duration("read-timeout", soloport.DefaultReadTimeout, "per-connection read deadline")
	flags.Bool("strict", false, "exit non-zero instead of relaying when the endpoint is already held")
	flags.String("log-level", "info", "log level (trace, debug, info)")
	flags.String("metrics-listen", soloport.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables; default off)")
	flags.String("pprof-listen", soloport.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	lookupFlag := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SOLOPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"addr", "port", "timeout", "release-threshold", "max-clients", "secret", "no-forward",
		"read-buffer", "read-timeout", "strict",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newSendCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *soloport.Config) error {
	cfg.Addr = viper.GetString("addr")
	cfg.Port = viper.GetInt("port")
	cfg.Timeout = viper.GetDuration("timeout")
	cfg.ReleaseThreshold = viper.GetInt("release-threshold")
	cfg.MaxClients = viper.GetInt("max-clients")
	cfg.Secret = viper.GetString("secret")
	cfg.DisableForward = viper.GetBool("no-forward")
	if buf := viper.GetString("read-buffer"); buf != "" {
		size, err := humanize.ParseBytes(buf)
		if err != nil {
			return fmt.Errorf("parse read-buffer: %w", err)
		}
		cfg.ReadBuffer = int(size)
	}
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

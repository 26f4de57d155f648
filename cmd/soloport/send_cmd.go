package main

import (
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/soloport"
	"pkt.systems/soloport/client"
	"pkt.systems/soloport/internal/svcfields"
)

func newSendCommand(baseLogger pslog.Logger) *cobra.Command {
	var addr string
	var port int
	var secret string
	var dialTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [arguments...]",
		Short: "Relay arguments to a running host without competing for the endpoint",
		Long: `Send dials the host endpoint directly and delivers its arguments as one
relay message. Unlike the root command it never tries to bind the
endpoint itself, so it fails when no host is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg := client.Config{
				Addr:        addr,
				Port:        port,
				Secret:      secret,
				DialTimeout: dialTimeout,
			}
			if err := client.Forward(cmd.Context(), cfg, args); err != nil {
				return err
			}
			svcfields.WithSubsystem(baseLogger, "cli.send").Debug("arguments relayed",
				"addr", addr, "port", port, "count", len(args))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVar(&addr, "addr", soloport.DefaultAddr, "host address to deliver to")
	flags.IntVar(&port, "port", soloport.DefaultPort, "host port to deliver to")
	flags.StringVar(&secret, "secret", "", "shared secret the host expects")
	flags.DurationVar(&dialTimeout, "dial-timeout", client.DefaultDialTimeout, "dial timeout for reaching the host")
	return cmd
}

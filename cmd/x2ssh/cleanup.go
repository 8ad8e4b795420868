package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokarevart/x2ssh/internal/config"
	"github.com/tokarevart/x2ssh/internal/logging"
	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/vpn"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// newCleanupCommand re-runs a VPN config's pre_down hooks against a server
// that still has a stale /tmp/x2ssh-agent from a crashed session (spec.md
// §6 "Persisted state": the deploy path is an idempotent overwrite, but
// pre_down is the only hook a crash leaves un-run).
func newCleanupCommand() *cobra.Command {
	var configPath, identity string
	var port int

	cmd := &cobra.Command{
		Use:           "cleanup user@host",
		Short:         "Re-run a VPN config's pre_down hooks against a server left in a stale state",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, host, err := splitUserHost(args[0])
			if err != nil {
				return err
			}
			if configPath == "" {
				return xerr.Usage.New("cleanup requires --config")
			}
			file, err := config.Load(configPath)
			if err != nil {
				return xerr.Usage.Newf("%w", err)
			}
			if err := config.FromEnv(file); err != nil {
				return xerr.Usage.Newf("%w", err)
			}
			resolved, err := config.Merge(file, nil)
			if err != nil {
				return xerr.Usage.Newf("%w", err)
			}
			if identity != "" {
				resolved.Connection.IdentityPath = identity
			}
			if port != 0 {
				resolved.Connection.Port = port
			}

			ctx := logging.WithLogger(cmd.Context(), logging.New(os.Stderr, "info"))
			sess, err := transport.Connect(ctx, transport.ConnectConfig{
				Host:           host,
				Port:           resolved.Connection.Port,
				User:           user,
				IdentityPath:   resolved.Connection.IdentityPath,
				ConnectTimeout: 30 * time.Second,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			vpn.RunPreDown(ctx, sess, resolved.VPN.PreDown)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "VPN config file whose pre_down hooks to re-run")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "SSH private key path")
	cmd.Flags().IntVarP(&port, "port", "p", 22, "SSH port")
	return cmd
}

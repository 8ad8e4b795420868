// Command x2ssh is the client CLI: it authenticates an SSH session to
// user@host and then drives either a SOCKS5 proxy or a VPN tunnel over it,
// reconnecting under pkg/supervisor's retry policy (spec.md §1, §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	var opts cliOptions

	cmd := &cobra.Command{
		Use:           "x2ssh [flags] user@host",
		Short:         "Tunnel SOCKS5 or a full VPN over a plain SSH connection",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.userHost = args[0]
			opts.flags = cmd.Flags()
			return run(cmd.Context(), opts)
		},
	}
	cmd.SetContext(rootContext())

	flags := cmd.Flags()
	flags.StringVarP(&opts.socksAddr, "socks", "D", "", "run in SOCKS5 mode, listening on ADDR (ip:port or bare port)")
	flags.BoolVar(&opts.vpn, "vpn", false, "run in VPN mode")
	flags.StringVar(&opts.configPath, "config", "", "VPN mode: path to a TOML config file (spec.md §6)")
	flags.StringVar(&opts.vpnClientAddress, "vpn-client-address", "", "client TUN address, CIDR (e.g. 10.8.0.2/24)")
	flags.StringVar(&opts.vpnServerAddress, "vpn-server-address", "", "agent TUN address, CIDR (e.g. 10.8.0.1/24)")
	flags.StringVar(&opts.vpnClientTun, "vpn-client-tun", "x2ssh0", "client TUN device name")
	flags.IntVar(&opts.vpnMTU, "vpn-mtu", 1400, "TUN MTU")
	flags.StringArrayVar(&opts.vpnExclude, "vpn-exclude", nil, "CIDR to exclude from the default-route override (repeatable)")
	flags.StringArrayVar(&opts.vpnPostUp, "vpn-post-up", nil, "remote command to run after the tunnel is up (repeatable)")
	flags.StringArrayVar(&opts.vpnPreDown, "vpn-pre-down", nil, "remote command to run before tearing the tunnel down (repeatable)")
	flags.BoolVar(&opts.vpnSudo, "vpn-sudo", false, "run the remote agent under sudo")

	flags.IntVarP(&opts.port, "port", "p", 22, "SSH port")
	flags.StringVarP(&opts.identity, "identity", "i", "", "SSH private key path")

	flags.IntVar(&opts.retryMax, "retry-max", -1, "max reconnect attempts (-1 = unbounded)")
	flags.IntVar(&opts.retryDelayMs, "retry-delay", 1000, "initial reconnect delay, ms")
	flags.Float64Var(&opts.retryBackoff, "retry-backoff", 2, "reconnect delay multiplier")
	flags.IntVar(&opts.retryMaxDelayMs, "retry-max-delay", 30000, "max reconnect delay, ms")
	flags.IntVar(&opts.healthIntervalMs, "health-interval", 10000, "keepalive interval, ms")

	flags.StringVar(&opts.logLevel, "log-level", "info", "debug|info|warn|error")

	cmd.AddCommand(newCleanupCommand())
	return cmd
}

// exitCodeFor maps a top-level error to the process exit code of spec.md §6:
// 0 success, 1 generic failure, 2 usage error, 3 retry exhausted.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := xerr.KindOf(err)
	if !ok {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	switch kind {
	case xerr.Usage:
		fmt.Fprintln(os.Stderr, err)
		return 2
	case xerr.Exhausted:
		fmt.Fprintf(os.Stderr, "retry attempts exhausted: %v\n", err)
		return 3
	case xerr.Cancelled:
		return 0
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

// Command x2ssh-agent is the static binary x2ssh deploys to the SSH server
// (spec.md §4.5, §4.6). It has no configuration file and no protocol
// negotiation: it takes one argument, the TUN address with prefix, and pumps
// framed packets between its TUN device and stdio until either side fails.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tokarevart/x2ssh/pkg/vpn/agent"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: x2ssh-agent <tun-address/prefix>")
		os.Exit(1)
	}
	if err := agent.Run(context.Background(), os.Stdin, os.Stdout, os.Args[1]); err != nil {
		agent.Logf("exiting: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

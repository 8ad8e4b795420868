//go:build !linux

package clienttun

import (
	"context"
	"runtime"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// These platforms are not wired up with native route/address tooling
// (spec.md only requires a working client on the platform it's built for);
// every call fails RoutingError rather than silently no-op'ing.

func unsupported() error {
	return xerr.RoutingError.Newf("VPN routing is not implemented on %s", runtime.GOOS)
}

func platformSupported() error { return unsupported() }

func addrCommands(name, cidr string) [][]string { return nil }
func upCommands(name string) [][]string         { return nil }

func defaultGateway(ctx context.Context) (string, error) { return "", unsupported() }

func addRouteViaGateway(ctx context.Context, cidr, gateway string) error { return unsupported() }

func delRoute(ctx context.Context, cidr string) error { return unsupported() }

func currentDefaultRoute(ctx context.Context) (interface{}, error) { return nil, unsupported() }

func replaceDefaultRoute(ctx context.Context, tunName string) error { return unsupported() }

func restoreDefaultRoute(ctx context.Context, orig interface{}) error { return unsupported() }

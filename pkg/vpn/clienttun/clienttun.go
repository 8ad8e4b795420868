// Package clienttun owns the client-side TUN device and the routing table
// mutations spec.md §4.7 and §9 require, following the teacher's
// pkg/client/daemon/outbound_linux.go pattern of shelling out to the
// platform's native tools rather than talking netlink directly.
package clienttun

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/datawire/dlib/dlog"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// Device wraps a tun.Device with the capability set spec.md §9 names:
// {open, read, write, close, set_ip, set_mtu, up}.
type Device struct {
	dev  tun.Device
	name string
}

// Open creates a TUN interface named name with the given MTU. Lack of
// privilege to create a TUN device maps to InsufficientPrivileges per
// spec.md §4.7.
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		if isPermissionErr(err) {
			return nil, xerr.InsufficientPrivileges.Newf("create TUN %s: %w", name, err)
		}
		return nil, xerr.RoutingError.Newf("create TUN %s: %w", name, err)
	}
	actualName, err := dev.Name()
	if err != nil {
		actualName = name
	}
	return &Device{dev: dev, name: actualName}, nil
}

func isPermissionErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "operation not permitted") ||
		strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

// Name returns the OS-assigned interface name (which may differ from the
// requested one on some platforms).
func (d *Device) Name() string { return d.name }

// Read pulls one packet off the TUN device, matching spec.md §4.9's "single
// recv; do not aggregate" rule.
func (d *Device) Read(buf []byte) (int, error) {
	sizes := make([]int, 1)
	bufs := [][]byte{buf}
	n, err := d.dev.Read(bufs, sizes, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sizes[0], nil
}

// Write pushes one raw packet into the TUN device.
func (d *Device) Write(buf []byte) (int, error) {
	_, err := d.dev.Write([][]byte{buf}, 0)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// SetAddress assigns cidr (e.g. "10.8.0.2/24") to the interface by shelling
// out to the platform's address-assignment tool.
func (d *Device) SetAddress(ctx context.Context, cidr string) error {
	if err := platformSupported(); err != nil {
		return err
	}
	return runPlatform(ctx, addrCommands(d.name, cidr))
}

// Up brings the interface up.
func (d *Device) Up() error {
	if err := platformSupported(); err != nil {
		return err
	}
	return runPlatform(context.Background(), upCommands(d.name))
}

// Close destroys the TUN device. The kernel tears down any routes still
// pointing at it, but callers must still call RouteSet.Restore first to
// remove the exclusion routes and default-route override cleanly.
func (d *Device) Close() error {
	dlog.Debugf(context.Background(), "closing TUN device %s", d.name)
	return d.dev.Close()
}

// RouteSet tracks every route mutation InstallRouting made, in the order
// made, so Restore can undo them LIFO (spec.md §9's "Global mutable state:
// OS routing tables" note).
type RouteSet struct {
	undo []func(ctx context.Context) error
}

// InstallRouting adds one route per excluded CIDR via the current default
// gateway, then replaces the default route with one through tunName, per
// spec.md §4.7. It does not add the SSH server itself; callers include its
// address in exclude.
func InstallRouting(ctx context.Context, tunName string, exclude []net.IPNet) (*RouteSet, error) {
	rs := &RouteSet{}

	gw, err := defaultGateway(ctx)
	if err != nil {
		return nil, xerr.RoutingError.Newf("determine default gateway: %w", err)
	}

	for _, cidr := range exclude {
		cidrStr := cidr.String()
		if err := addRouteViaGateway(ctx, cidrStr, gw); err != nil {
			_ = rs.Restore(ctx)
			return nil, xerr.RoutingError.Newf("add exclusion route %s via %s: %w", cidrStr, gw, err)
		}
		excluded := cidrStr
		rs.undo = append(rs.undo, func(ctx context.Context) error {
			return delRoute(ctx, excluded)
		})
	}

	origDefault, err := currentDefaultRoute(ctx)
	if err != nil {
		_ = rs.Restore(ctx)
		return nil, xerr.RoutingError.Newf("read current default route: %w", err)
	}
	if err := replaceDefaultRoute(ctx, tunName); err != nil {
		_ = rs.Restore(ctx)
		return nil, xerr.RoutingError.Newf("replace default route with %s: %w", tunName, err)
	}
	rs.undo = append(rs.undo, func(ctx context.Context) error {
		return restoreDefaultRoute(ctx, origDefault)
	})

	return rs, nil
}

// Restore undoes every route mutation in reverse order. Each step is
// best-effort: an "already absent" failure is treated as success, matching
// spec.md §4.7's idempotent-delete requirement. The first hard failure is
// returned after every remaining undo step has still been attempted.
func (r *RouteSet) Restore(ctx context.Context) error {
	var firstErr error
	for i := len(r.undo) - 1; i >= 0; i-- {
		if err := r.undo[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.undo = nil
	return firstErr
}

func runPlatform(ctx context.Context, cmds [][]string) error {
	for _, args := range cmds {
		if len(args) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

//go:build linux

package clienttun

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func platformSupported() error { return nil }

func addrCommands(name, cidr string) [][]string {
	return [][]string{
		{"ip", "addr", "add", cidr, "dev", name},
	}
}

func upCommands(name string) [][]string {
	return [][]string{
		{"ip", "link", "set", "dev", name, "up"},
	}
}

type defaultRoute struct {
	gateway string
	dev     string
}

func defaultGateway(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", "route", "show", "default").Output()
	if err != nil {
		return "", err
	}
	return parseDefaultGateway(string(out))
}

func parseDefaultGateway(out string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		for i, f := range fields {
			if f == "via" && i+1 < len(fields) {
				return fields[i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no default route found")
}

func addRouteViaGateway(ctx context.Context, cidr, gateway string) error {
	return exec.CommandContext(ctx, "ip", "route", "replace", cidr, "via", gateway).Run()
}

func delRoute(ctx context.Context, cidr string) error {
	if err := exec.CommandContext(ctx, "ip", "route", "del", cidr).Run(); err != nil {
		if isNoSuchProcessErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func currentDefaultRoute(ctx context.Context) (interface{}, error) {
	out, err := exec.CommandContext(ctx, "ip", "route", "show", "default").Output()
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return nil, fmt.Errorf("no default route found")
	}
	return line, nil
}

func replaceDefaultRoute(ctx context.Context, tunName string) error {
	return exec.CommandContext(ctx, "ip", "route", "replace", "default", "dev", tunName).Run()
}

func restoreDefaultRoute(ctx context.Context, orig interface{}) error {
	line, _ := orig.(string)
	if line == "" {
		return nil
	}
	args := append([]string{"route", "replace"}, strings.Fields(line)...)
	return exec.CommandContext(ctx, "ip", args...).Run()
}

func isNoSuchProcessErr(err error) bool {
	return strings.Contains(err.Error(), "No such process") || strings.Contains(err.Error(), "exit status 2")
}

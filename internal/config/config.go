// Package config loads the TOML configuration file described by spec.md §6
// and merges it with CLI flags and (optionally) environment variables,
// following the multi-source assembly idiom of the teacher's
// pkg/client/config.go and pkg/client/envconfig.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"

	"github.com/tokarevart/x2ssh/pkg/retry"
)

// VPNSection mirrors the [vpn] TOML table.
type VPNSection struct {
	ClientAddress string   `toml:"client_address"`
	ServerAddress string   `toml:"server_address"`
	ClientTun     string   `toml:"client_tun"`
	MTU           int      `toml:"mtu"`
	Exclude       []string `toml:"exclude"`
	PostUp        []string `toml:"post_up"`
	PreDown       []string `toml:"pre_down"`
}

// ConnectionSection mirrors the [connection] TOML table.
type ConnectionSection struct {
	Port         int    `toml:"port"`
	IdentityPath string `toml:"identity_path"`
}

// RetrySection mirrors the [retry] TOML table; durations are milliseconds on
// the wire, per spec.md §3.
type RetrySection struct {
	MaxAttempts    int `toml:"max_attempts"`
	DelayMs        int `toml:"delay_ms"`
	BackoffPercent int `toml:"backoff_percent"` // e.g. 200 == 2.0x
	MaxDelayMs     int `toml:"max_delay_ms"`
	HealthMs       int `toml:"health_interval_ms"`
}

// File is the parsed TOML document.
type File struct {
	VPN        VPNSection        `toml:"vpn"`
	Connection ConnectionSection `toml:"connection"`
	Retry      RetrySection      `toml:"retry"`
}

// Load decodes the TOML document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// envOverlay is overlaid beneath CLI/TOML values for the handful of settings
// that are useful to pin via the environment (identity path, retry knobs),
// per SPEC_FULL.md §1.3. It never wins over an explicit CLI flag or TOML
// value — FromEnv only fills fields that are still zero.
type envOverlay struct {
	IdentityPath string `env:"X2SSH_IDENTITY"`
	RetryMax     int    `env:"X2SSH_RETRY_MAX"`
}

// FromEnv loads envOverlay and applies it to f wherever f's value is unset.
func FromEnv(f *File) error {
	var o envOverlay
	if err := envconfig.Process(nil, &o); err != nil {
		return fmt.Errorf("read environment config: %w", err)
	}
	if f.Connection.IdentityPath == "" {
		f.Connection.IdentityPath = o.IdentityPath
	}
	if f.Retry.MaxAttempts == 0 && o.RetryMax != 0 {
		f.Retry.MaxAttempts = o.RetryMax
	}
	return nil
}

// Resolved is the fully merged configuration consumed by the rest of x2ssh.
type Resolved struct {
	VPN        VPNSection
	Connection ConnectionSection
	Retry      retry.Config
}

// Merge applies flags on top of file (file may be nil for SOCKS5 mode, which
// has no config file). Per spec.md §6: any CLI flag that was explicitly set
// (flags.Changed) overrides the file's value; --vpn-post-up/--vpn-pre-down,
// if given at all on the CLI, replace the file's entire list rather than
// appending to it.
func Merge(file *File, flags *pflag.FlagSet) (*Resolved, error) {
	var r Resolved
	if file != nil {
		r.VPN = file.VPN
		r.Connection = file.Connection
		r.Retry = retry.Config{
			MaxAttempts:    file.Retry.MaxAttempts,
			InitialDelay:   time.Duration(file.Retry.DelayMs) * time.Millisecond,
			Backoff:        float64(file.Retry.BackoffPercent) / 100.0,
			MaxDelay:       time.Duration(file.Retry.MaxDelayMs) * time.Millisecond,
			HealthInterval: time.Duration(file.Retry.HealthMs) * time.Millisecond,
		}
	} else {
		r.Retry = defaultRetry()
	}
	if r.Retry.Backoff == 0 {
		r.Retry.Backoff = 2
	}

	overrideString(flags, "vpn-client-address", &r.VPN.ClientAddress)
	overrideString(flags, "vpn-server-address", &r.VPN.ServerAddress)
	overrideString(flags, "vpn-client-tun", &r.VPN.ClientTun)
	overrideInt(flags, "vpn-mtu", &r.VPN.MTU)
	overrideStringSlice(flags, "vpn-exclude", &r.VPN.Exclude)
	overrideStringSlice(flags, "vpn-post-up", &r.VPN.PostUp)
	overrideStringSlice(flags, "vpn-pre-down", &r.VPN.PreDown)

	overrideInt(flags, "port", &r.Connection.Port)
	overrideString(flags, "identity", &r.Connection.IdentityPath)

	overrideIntAttempts(flags, "retry-max", &r.Retry.MaxAttempts)
	overrideDurationMs(flags, "retry-delay", &r.Retry.InitialDelay)
	overrideFloat(flags, "retry-backoff", &r.Retry.Backoff)
	overrideDurationMs(flags, "retry-max-delay", &r.Retry.MaxDelay)
	overrideDurationMs(flags, "health-interval", &r.Retry.HealthInterval)

	if r.Connection.Port == 0 {
		r.Connection.Port = 22
	}
	if r.VPN.MTU == 0 {
		r.VPN.MTU = 1400
	}
	return &r, nil
}

func defaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts:    retry.Unbounded,
		InitialDelay:   time.Second,
		Backoff:        2,
		MaxDelay:       30 * time.Second,
		HealthInterval: 10 * time.Second,
	}
}

func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags == nil {
		return
	}
	if f := flags.Lookup(name); f != nil && f.Changed {
		v, err := flags.GetString(name)
		if err == nil {
			*dst = v
		}
	}
}

func overrideInt(flags *pflag.FlagSet, name string, dst *int) {
	if flags == nil {
		return
	}
	if f := flags.Lookup(name); f != nil && f.Changed {
		v, err := flags.GetInt(name)
		if err == nil {
			*dst = v
		}
	}
}

func overrideIntAttempts(flags *pflag.FlagSet, name string, dst *int) {
	overrideInt(flags, name, dst)
}

func overrideFloat(flags *pflag.FlagSet, name string, dst *float64) {
	if flags == nil {
		return
	}
	if f := flags.Lookup(name); f != nil && f.Changed {
		v, err := flags.GetFloat64(name)
		if err == nil {
			*dst = v
		}
	}
}

func overrideDurationMs(flags *pflag.FlagSet, name string, dst *time.Duration) {
	if flags == nil {
		return
	}
	if f := flags.Lookup(name); f != nil && f.Changed {
		v, err := flags.GetInt(name)
		if err == nil {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
}

func overrideStringSlice(flags *pflag.FlagSet, name string, dst *[]string) {
	if flags == nil {
		return
	}
	if f := flags.Lookup(name); f != nil && f.Changed {
		v, err := flags.GetStringArray(name)
		if err == nil {
			*dst = v
		}
	}
}

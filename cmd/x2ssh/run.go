package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tokarevart/x2ssh/internal/config"
	"github.com/tokarevart/x2ssh/internal/embeddedagent"
	"github.com/tokarevart/x2ssh/internal/logging"
	"github.com/tokarevart/x2ssh/pkg/socks5"
	"github.com/tokarevart/x2ssh/pkg/supervisor"
	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/vpn"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// cliOptions holds every flag newRootCommand registers, plus the resolved
// positional user@host argument, for run to turn into the supervisor.Config
// the two modes share.
type cliOptions struct {
	userHost string
	flags    *pflag.FlagSet

	socksAddr string
	vpn       bool

	configPath        string
	vpnClientAddress  string
	vpnServerAddress  string
	vpnClientTun      string
	vpnMTU            int
	vpnExclude        []string
	vpnPostUp         []string
	vpnPreDown        []string
	vpnSudo           bool

	port     int
	identity string

	retryMax         int
	retryDelayMs     int
	retryBackoff     float64
	retryMaxDelayMs  int
	healthIntervalMs int

	logLevel string
}

// rootContext returns a context cancelled on SIGINT/SIGTERM, so supervisor.Run
// observes Cancel the same way pkg/vpn.Session.Cancel does (spec.md §4.9/§7).
func rootContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx
}

func run(ctx context.Context, opts cliOptions) error {
	ctx = logging.WithLogger(ctx, logging.New(os.Stderr, opts.logLevel))

	user, host, err := splitUserHost(opts.userHost)
	if err != nil {
		return xerr.Usage.Newf("%w", err)
	}

	if opts.socksAddr == "" && !opts.vpn {
		return xerr.Usage.New("exactly one of --socks/-D or --vpn is required")
	}
	if opts.socksAddr != "" && opts.vpn {
		return xerr.Usage.New("--socks/-D and --vpn are mutually exclusive")
	}

	resolved, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	connect := func(ctx context.Context) (*transport.Session, error) {
		return transport.Connect(ctx, transport.ConnectConfig{
			Host:           host,
			Port:           resolved.Connection.Port,
			User:           user,
			IdentityPath:   resolved.Connection.IdentityPath,
			ConnectTimeout: 30 * time.Second,
			HealthInterval: resolved.Retry.HealthInterval,
		})
	}

	var serve supervisor.ServeFunc
	if opts.vpn {
		serve = vpnServeFunc(resolved, host, opts.vpnSudo)
	} else {
		serveSocks, err := socksServeFunc(opts.socksAddr)
		if err != nil {
			return err
		}
		serve = serveSocks
	}

	return supervisor.Run(ctx, supervisor.Config{
		Connect: connect,
		Serve:   serve,
		Retry:   resolved.Retry,
	})
}

func splitUserHost(arg string) (user, host string, err error) {
	parts := strings.SplitN(arg, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", xerr.Usage.Newf("expected user@host, got %q", arg)
	}
	return parts[0], parts[1], nil
}

func resolveConfig(opts cliOptions) (*config.Resolved, error) {
	var file *config.File
	if opts.configPath != "" {
		f, err := config.Load(opts.configPath)
		if err != nil {
			return nil, xerr.Usage.Newf("%w", err)
		}
		file = f
	}
	if file != nil {
		if err := config.FromEnv(file); err != nil {
			return nil, xerr.Usage.Newf("%w", err)
		}
	}
	resolved, err := config.Merge(file, opts.flags)
	if err != nil {
		return nil, xerr.Usage.Newf("%w", err)
	}
	return resolved, nil
}

// socksServeFunc binds the SOCKS5 listener once (it must survive across
// supervisor reconnects, unlike the transport session it dials through) and
// returns a ServeFunc that only ever updates which session new CONNECT
// requests dial through.
func socksServeFunc(addr string) (supervisor.ServeFunc, error) {
	addr = normalizeSocksAddr(addr)
	holder := &sessionHolder{}

	srv, err := socks5.New(addr, holder.dial)
	if err != nil {
		return nil, err
	}

	servedCtx, cancelServe := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	var startOnce sync.Once

	return func(ctx context.Context, sess *transport.Session) error {
		holder.set(sess)
		startOnce.Do(func() {
			go func() { serveErr <- srv.Serve(servedCtx) }()
			go func() { <-ctx.Done(); cancelServe() }()
		})

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-serveErr:
				return err
			case <-ticker.C:
				if !sess.IsAlive() {
					return xerr.SessionDead.New("ssh session lost")
				}
			}
		}
	}, nil
}

func normalizeSocksAddr(addr string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("127.0.0.1", addr)
	}
	return addr
}

// sessionHolder lets the long-lived socks5.Server dial through whichever
// transport.Session is currently live, across supervisor reconnects.
type sessionHolder struct {
	mu   sync.RWMutex
	sess *transport.Session
}

func (h *sessionHolder) set(s *transport.Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

func (h *sessionHolder) dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	h.mu.RLock()
	sess := h.sess
	h.mu.RUnlock()
	if sess == nil || !sess.IsAlive() {
		return nil, xerr.SessionDead.New("no live ssh session")
	}
	return sess.OpenDirectTCPIP(ctx, host, port)
}

// vpnServeFunc builds a fresh vpn.Session per reconnect (the state machine
// of spec.md §4.9 always starts from Idle) bound to sshHost so its /32 gets
// added to the routing exclusion list automatically.
func vpnServeFunc(resolved *config.Resolved, sshHostname string, sudo bool) supervisor.ServeFunc {
	return func(ctx context.Context, sess *transport.Session) error {
		exclude := make([]net.IPNet, 0, len(resolved.VPN.Exclude))
		for _, cidr := range resolved.VPN.Exclude {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				continue
			}
			exclude = append(exclude, *n)
		}

		var sshHost net.IP
		if ips, err := net.LookupIP(sshHostname); err == nil && len(ips) > 0 {
			sshHost = ips[0]
		}

		vpnSess := vpn.New(vpn.Config{
			ClientTunName: resolved.VPN.ClientTun,
			ClientAddress: resolved.VPN.ClientAddress,
			ServerAddress: resolved.VPN.ServerAddress,
			MTU:           resolved.VPN.MTU,
			Exclude:       exclude,
			SSHHost:       sshHost,
			PostUp:        resolved.VPN.PostUp,
			PreDown:       resolved.VPN.PreDown,
			Sudo:          sudo,
			AgentBinary:   embeddedagent.Binary(),
		})

		go func() {
			<-ctx.Done()
			vpnSess.Cancel()
		}()

		return vpnSess.Run(ctx, sess)
	}
}

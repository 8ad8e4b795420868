// Package vpn implements the VPN session state machine, agent deployment,
// and hook running of spec.md §4.5–§4.9, grounded on the teacher's
// pkg/client/daemon/service.go top-level defer-based cleanup chain.
package vpn

import (
	"context"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/tokarevart/x2ssh/pkg/framing"
	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/vpn/clienttun"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// State is one stage of the VPN session's lifecycle (spec.md §4.9).
type State int

const (
	Idle State = iota
	AgentDeployed
	HooksApplied
	Running
	TearingDown
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AgentDeployed:
		return "AgentDeployed"
	case HooksApplied:
		return "HooksApplied"
	case Running:
		return "Running"
	case TearingDown:
		return "TearingDown"
	default:
		return "Done"
	}
}

// Config carries everything one VPN session needs to stand itself up.
type Config struct {
	ClientTunName string
	ClientAddress string // CIDR, e.g. "10.8.0.2/24"
	ServerAddress string // CIDR the agent assigns its own TUN, e.g. "10.8.0.1/24"
	MTU           int
	Exclude       []net.IPNet
	SSHHost       net.IP
	PostUp        []string
	PreDown       []string
	Sudo          bool
	AgentBinary   []byte
}

// Session drives one connect-to-teardown cycle of the VPN mode.
type Session struct {
	cfg Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	device *clienttun.Device
	routes *clienttun.RouteSet
	agent  *agentHandle
}

// New builds a Session in the Idle state.
func New(cfg Config) *Session {
	return &Session{cfg: cfg, state: Idle}
}

// State reports the session's current stage (racy by nature — used for
// logging/diagnostics, not for control flow).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Cancel requests an orderly teardown; Run observes it at the next
// suspension point, bounded by one keepalive interval (spec.md §4.9).
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the full setup → data-plane → teardown cycle against t.
// It returns xerr.Cancelled if the session ended because Cancel was called,
// and any setup or data-plane error otherwise. Teardown always runs,
// regardless of which state was reached, and its own errors are logged, not
// returned (spec.md §4.9).
func (s *Session) Run(ctx context.Context, t *transport.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	runErr := s.setup(ctx, t)
	if runErr == nil {
		runErr = s.pumpDataPlane(ctx, t)
	}

	s.teardown(context.Background(), t)
	s.setState(Done)

	if ctx.Err() != nil {
		return xerr.Cancelled.New("vpn session cancelled")
	}
	return runErr
}

// setup runs the four setup steps of spec.md §4.9 in order (client TUN,
// agent, PostUp, routing), advancing state as each step succeeds; a PostUp
// failure also leaves the state at HooksApplied, so teardown runs PreDown.
func (s *Session) setup(ctx context.Context, t *transport.Session) error {
	dev, err := clienttun.Open(s.cfg.ClientTunName, s.cfg.MTU)
	if err != nil {
		return err
	}
	if err := dev.SetAddress(ctx, s.cfg.ClientAddress); err != nil {
		_ = dev.Close()
		return err
	}
	if err := dev.Up(); err != nil {
		_ = dev.Close()
		return err
	}
	s.device = dev

	handle, err := deployAgent(ctx, t, s.cfg.AgentBinary, s.cfg.ServerAddress, s.cfg.Sudo)
	if err != nil {
		return err
	}
	s.agent = handle
	s.setState(AgentDeployed)

	if err := RunPostUp(ctx, t, s.cfg.PostUp); err != nil {
		// post_up commands before the failing one may have taken effect.
		s.setState(HooksApplied)
		return err
	}
	s.setState(HooksApplied)

	exclude := s.cfg.Exclude
	if s.cfg.SSHHost != nil {
		exclude = append(exclude, net.IPNet{IP: s.cfg.SSHHost, Mask: net.CIDRMask(32, 32)})
	}
	routes, err := clienttun.InstallRouting(ctx, s.device.Name(), exclude)
	if err != nil {
		return err
	}
	s.routes = routes
	s.setState(Running)

	return nil
}

// pumpDataPlane runs the two independent pumps of spec.md §4.9 until either
// fails or ctx is cancelled.
func (s *Session) pumpDataPlane(ctx context.Context, t *transport.Session) error {
	bufSize := s.cfg.MTU + 64
	errc := make(chan error, 2)

	go func() { errc <- pumpTunToAgent(ctx, s.device, s.agent.stdin, bufSize) }()
	go func() { errc <- pumpAgentToTun(ctx, s.agent.stdout, s.device) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

// tunReader/tunWriter are the subset of *clienttun.Device the data-plane
// pumps need, so tests can substitute a fake TUN without root privileges.
type tunReader interface {
	Read([]byte) (int, error)
}

type tunWriter interface {
	Write([]byte) (int, error)
}

func pumpTunToAgent(ctx context.Context, dev tunReader, agentStdin interface {
	Write([]byte) (int, error)
}, bufSize int) error {
	buf := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := dev.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := framing.WriteFrame(writerFunc(agentStdin.Write), buf[:n]); err != nil {
			return err
		}
	}
}

func pumpAgentToTun(ctx context.Context, agentStdout interface {
	Read([]byte) (int, error)
}, dev tunWriter) error {
	r := framing.NewReader(readerFunc(agentStdout.Read))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		payload, err := framing.ReadFrame(r)
		if err != nil {
			return err
		}
		if _, err := dev.Write(payload); err != nil {
			return err
		}
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// teardown runs every cleanup step regardless of how far setup got,
// aggregating errors for a single log line instead of propagating them
// (spec.md §4.9, §7).
func (s *Session) teardown(ctx context.Context, t *transport.Session) {
	reachedHooksApplied := s.State() >= HooksApplied
	s.setState(TearingDown)
	var errs *multierror.Error

	if reachedHooksApplied && t.IsAlive() {
		RunPreDown(ctx, t, s.cfg.PreDown)
	}

	if s.agent != nil {
		if err := s.agent.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if s.routes != nil {
		if err := s.routes.Restore(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := t.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if errs != nil {
		dlog.Errorf(ctx, "vpn teardown: %v", errs)
	}
}

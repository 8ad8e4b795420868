// Package supervisor binds a transport mode to the retry policy, implementing
// spec.md §4.10's connect/serve/retry loop. It is grounded on the teacher's
// top-level dgroup.NewGroup + restart-on-error loop in
// pkg/client/daemon/service.go: one goroutine group owns the process
// lifetime, and individual connect/serve failures never escape it as a
// panic.
package supervisor

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/tokarevart/x2ssh/pkg/retry"
	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// ConnectFunc dials and authenticates a new transport session.
type ConnectFunc func(ctx context.Context) (*transport.Session, error)

// ServeFunc runs one session to completion: a SOCKS5 listener until the
// session dies, or a VPN session until cancelled or dead. It must return
// once sess is no longer usable.
type ServeFunc func(ctx context.Context, sess *transport.Session) error

// Config wires the pieces supervisor.Run needs. Serve is mode-specific
// (pkg/socks5.Server.Serve bound to the new session's dialer, or
// pkg/vpn.Session.Run) — the supervisor itself does not know or care which
// mode it is driving.
type Config struct {
	Connect ConnectFunc
	Serve   ServeFunc
	Retry   retry.Config
}

// Run implements spec.md §4.10's pseudocode literally: connect, serve until
// the session dies, close, back off, repeat; returns Exhausted once the
// retry policy says to stop, or nil if ctx is cancelled while waiting out a
// backoff.
func Run(ctx context.Context, cfg Config) error {
	attempt := 0
	for {
		sess, err := cfg.Connect(ctx)
		if err != nil {
			dlog.Errorf(ctx, "connect attempt %d failed: %v", attempt, err)
		} else {
			serveErr := cfg.Serve(ctx, sess)
			if serveErr != nil {
				dlog.Errorf(ctx, "session ended: %v", serveErr)
			}
			_ = sess.Close()
			if ctx.Err() != nil {
				return nil
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		attempt++
		decision := retry.Next(attempt-1, cfg.Retry)
		if decision.Stop {
			return xerr.Exhausted.New("retry attempts exhausted")
		}

		select {
		case <-time.After(decision.Wait):
		case <-ctx.Done():
			return nil
		}
	}
}

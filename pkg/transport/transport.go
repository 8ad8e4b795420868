// Package transport owns the long-lived, authenticated SSH connection that
// both x2ssh modes multiplex their channels over. It never retries on its
// own (spec.md §4.2): every failure is surfaced with the xerr taxonomy and
// pkg/supervisor decides what to do about it.
//
// The multiplexing model follows spec.md §9's cyclic-ownership note: Session
// owns a dispatch queue that every channel open goes through, so submission
// order is preserved; the keepalive watchdog sends its requests outside that
// queue. The channels handed back hold only their own SSH channel, never the
// Session, mirroring the teacher's pkg/connpool dispatch-table-keyed-by-id
// pattern.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// ConnectConfig describes how to reach and authenticate to the SSH server.
type ConnectConfig struct {
	Host           string
	Port           int
	User           string
	IdentityPath   string        // empty to skip straight to ssh-agent/defaults
	KnownHostsPath string        // empty defaults to ~/.ssh/known_hosts
	ConnectTimeout time.Duration // one retry-policy tick, per spec.md §5
	HealthInterval time.Duration
}

// sendRequest is one unit of work submitted to the session's dispatch queue.
type sendRequest struct {
	do   func() error
	done chan error
}

// Session is an opaque handle over an authenticated SSH connection plus its
// liveness state. Exclusively owned by the supervisor while live; channels
// borrow it with shared-read semantics (spec.md §3).
type Session struct {
	client *ssh.Client
	id     string

	queue     chan sendRequest
	queueDone chan struct{}

	healthInterval time.Duration
	alive          atomic.Bool
	missedBeats    atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// Connect dials host:port, performs the SSH handshake/auth, and starts the
// dispatch-queue and keepalive-watchdog goroutines. It does not retry.
func Connect(ctx context.Context, cfg ConnectConfig) (*Session, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, xerr.HostKeyUnknown.Newf("load known_hosts: %w", err)
	}

	authMethods, err := authMethods(cfg.IdentityPath)
	if err != nil {
		return nil, xerr.AuthFailure.Newf("no usable SSH auth method: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialTimeout := cfg.ConnectTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, xerr.NetworkError.Newf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		if isHostKeyErr(err) {
			return nil, xerr.HostKeyUnknown.Newf("host key verification failed for %s: %w", addr, err)
		}
		if isAuthErr(err) {
			return nil, xerr.AuthFailure.Newf("authentication failed for %s@%s: %w", cfg.User, addr, err)
		}
		return nil, xerr.NetworkError.Newf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	s := &Session{
		client:         client,
		id:             uuid.NewString(),
		queue:          make(chan sendRequest, 64),
		queueDone:      make(chan struct{}),
		healthInterval: cfg.HealthInterval,
	}
	s.alive.Store(true)

	go s.dispatchLoop(ctx)
	go s.keepaliveLoop(ctx)

	dlog.Debugf(ctx, "ssh session established", "session", s.id, "addr", addr)
	return s, nil
}

// submit runs do() on the session's single dispatch goroutine, preserving
// submission order across concurrent callers (spec.md §4.2).
func (s *Session) submit(ctx context.Context, do func() error) error {
	req := sendRequest{do: do, done: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-s.queueDone:
		return xerr.SessionDead.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-s.queueDone:
		return xerr.SessionDead.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case req := <-s.queue:
			req.done <- req.do()
		case <-s.queueDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends an SSH keepalive request every HealthInterval; a
// request without a positive reply within one interval counts as missed.
// Three consecutive misses mark the session dead (spec.md §4.2) and close
// the SSH connection, so channels already open see EOF on read and an error
// on write. This never blocks channel traffic because it only ever uses
// SendRequest, not the dispatch queue a busy channel-open might be sitting
// behind.
func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			replied := make(chan bool, 1)
			go func() {
				ok, _, err := s.client.SendRequest("keepalive@x2ssh", true, nil)
				replied <- err == nil && ok
			}()
			ok := false
			select {
			case ok = <-replied:
			case <-time.After(s.healthInterval):
			}
			if !ok {
				if s.missedBeats.Add(1) >= 3 {
					dlog.Errorf(ctx, "session %s missed 3 keepalives, marking dead", s.id)
					s.alive.Store(false)
					_ = s.client.Close()
					return
				}
				continue
			}
			s.missedBeats.Store(0)
		case <-s.queueDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// IsAlive reports whether the liveness watchdog still considers this
// session usable.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// OpenDirectTCPIP asks the server to open a direct-tcpip channel to
// host:port through ssh.Client.Dial, which sends 0.0.0.0:0 as the
// originator address; host is passed to the server unresolved.
func (s *Session) OpenDirectTCPIP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if !s.IsAlive() {
		return nil, xerr.SessionDead.New("session is dead")
	}
	var conn net.Conn
	err := s.submit(ctx, func() error {
		c, err := s.client.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			return xerr.ChannelOpenRefused.Newf("direct-tcpip to %s:%d: %w", host, port, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ExecChannel is a running remote command with its stdio attached, per
// spec.md §4.2's open_exec contract.
type ExecChannel struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
}

// Wait blocks until the remote command exits and returns its exit code with
// a nil error; for an *ssh.ExitError (which also covers exit by signal) that
// is the status it carries. Any other failure returns -1 with the error.
func (e *ExecChannel) Wait() (int, error) {
	err := e.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

// Close releases the underlying SSH session (and its channel).
func (e *ExecChannel) Close() error {
	return e.session.Close()
}

// OpenExec opens a new SSH session and starts cmd on it, with stdin/stdout/
// stderr captured for the caller (hook runner, agent deployment).
func (s *Session) OpenExec(ctx context.Context, cmd string) (*ExecChannel, error) {
	if !s.IsAlive() {
		return nil, xerr.SessionDead.New("session is dead")
	}
	var ec *ExecChannel
	err := s.submit(ctx, func() error {
		sess, err := s.client.NewSession()
		if err != nil {
			return xerr.ChannelOpenRefused.Newf("exec session for %q: %w", cmd, err)
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			_ = sess.Close()
			return xerr.ChannelOpenRefused.Newf("stdin pipe: %w", err)
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			_ = sess.Close()
			return xerr.ChannelOpenRefused.Newf("stdout pipe: %w", err)
		}
		stderr, err := sess.StderrPipe()
		if err != nil {
			_ = sess.Close()
			return xerr.ChannelOpenRefused.Newf("stderr pipe: %w", err)
		}
		if err := sess.Start(cmd); err != nil {
			_ = sess.Close()
			return xerr.ChannelOpenRefused.Newf("start %q: %w", cmd, err)
		}
		ec = &ExecChannel{session: sess, Stdin: stdin, Stdout: stdout, Stderr: stderr}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// Close tears down the dispatch/keepalive goroutines and the SSH connection.
// Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.queueDone)
		s.alive.Store(false)
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	return cb, nil
}

func isHostKeyErr(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr)
}

func isAuthErr(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// authMethods builds the auth-method list in the order spec.md §4.2
// requires: explicit identity file, then ssh-agent, then default identity
// files. Connect returns AuthFailure when none of them is available, or
// once the server has rejected all of them.
func authMethods(identityPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	tried := 0

	if identityPath != "" {
		signer, err := loadIdentity(identityPath)
		if err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
			tried++
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
			tried++
		}
	}

	if identityPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				p := filepath.Join(home, ".ssh", name)
				if signer, err := loadIdentity(p); err == nil {
					methods = append(methods, ssh.PublicKeys(signer))
					tried++
				}
			}
		}
	}

	if tried == 0 {
		return nil, pkgerrors.New("no identity file, ssh-agent, or default key available")
	}
	return methods, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var passErr *ssh.PassphraseMissingError
	if errors.As(err, &passErr) {
		fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
		pass, readErr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if readErr != nil {
			return nil, readErr
		}
		return ssh.ParsePrivateKeyWithPassphrase(data, pass)
	}
	return nil, err
}

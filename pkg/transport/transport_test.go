package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// testServer is a minimal in-process SSH server accepting any publickey auth
// and serving direct-tcpip forwarding plus a trivial exec handler, enough to
// exercise Session without a real sshd.
type testServer struct {
	listener net.Listener
	hostKey  ssh.Signer
	addr     string
	target   net.Listener // the loopback TCP listener direct-tcpip forwards to
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	srv := &testServer{listener: ln, hostKey: hostSigner, addr: ln.Addr().String(), target: target}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(hostSigner)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, config)
		}
	}()
	return srv
}

func (s *testServer) handleConn(nConn net.Conn, config *ssh.ServerConfig) {
	sConn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			go func() {
				defer ch.Close()
				conn, err := net.Dial("tcp", s.target.Addr().String())
				if err != nil {
					return
				}
				defer conn.Close()
				go io.Copy(conn, ch)
				io.Copy(ch, conn)
			}()
		case "session":
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go func(ch ssh.Channel, in <-chan *ssh.Request) {
				defer ch.Close()
				for req := range in {
					if req.Type == "exec" {
						req.Reply(true, nil)
						ch.Write([]byte("ok\n"))
						ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
						return
					}
					req.Reply(false, nil)
				}
			}(ch, reqs)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
	_ = sConn.Close()
}

func writeKnownHosts(t *testing.T, addr string, pub ssh.PublicKey) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, pub)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

func writeClientKey(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	dir := t.TempDir()
	path := filepath.Join(dir, "id_rsa")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func dialParts(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestConnect_AuthAndHostKeyVerification(t *testing.T) {
	srv := startTestServer(t)
	defer srv.listener.Close()

	knownHosts := writeKnownHosts(t, srv.addr, srv.hostKey.PublicKey())
	keyPath := writeClientKey(t)
	host, port := dialParts(t, srv.addr)

	sess, err := Connect(context.Background(), ConnectConfig{
		Host:           host,
		Port:           port,
		User:           "test",
		IdentityPath:   keyPath,
		KnownHostsPath: knownHosts,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	require.True(t, sess.IsAlive())
}

func TestConnect_UnknownHostKeyRejected(t *testing.T) {
	srv := startTestServer(t)
	defer srv.listener.Close()

	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)
	wrongKnownHosts := writeKnownHosts(t, srv.addr, otherSigner.PublicKey())
	keyPath := writeClientKey(t)
	host, port := dialParts(t, srv.addr)

	_, err = Connect(context.Background(), ConnectConfig{
		Host:           host,
		Port:           port,
		User:           "test",
		IdentityPath:   keyPath,
		KnownHostsPath: wrongKnownHosts,
		ConnectTimeout: 5 * time.Second,
	})
	require.Error(t, err)
	kind, ok := xerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, xerr.HostKeyUnknown, kind)
}

func TestOpenDirectTCPIP_AndOpenExec(t *testing.T) {
	srv := startTestServer(t)
	defer srv.listener.Close()

	knownHosts := writeKnownHosts(t, srv.addr, srv.hostKey.PublicKey())
	keyPath := writeClientKey(t)
	host, port := dialParts(t, srv.addr)

	sess, err := Connect(context.Background(), ConnectConfig{
		Host:           host,
		Port:           port,
		User:           "test",
		IdentityPath:   keyPath,
		KnownHostsPath: knownHosts,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	ctx := context.Background()

	conn, err := sess.OpenDirectTCPIP(ctx, "127.0.0.1", uint16(0))
	require.NoError(t, err)
	_ = conn.Close()

	ec, err := sess.OpenExec(ctx, "noop")
	require.NoError(t, err)
	defer ec.Close()

	buf := make([]byte, 3)
	n, err := io.ReadFull(ec.Stdout, buf)
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(buf[:n]))

	code, err := ec.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := startTestServer(t)
	defer srv.listener.Close()

	knownHosts := writeKnownHosts(t, srv.addr, srv.hostKey.PublicKey())
	keyPath := writeClientKey(t)
	host, port := dialParts(t, srv.addr)

	sess, err := Connect(context.Background(), ConnectConfig{
		Host:           host,
		Port:           port,
		User:           "test",
		IdentityPath:   keyPath,
		KnownHostsPath: knownHosts,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	require.False(t, sess.IsAlive())
}

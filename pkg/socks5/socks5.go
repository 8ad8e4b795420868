// Package socks5 implements the CONNECT-only subset of RFC 1928 that
// spec.md §4.3 requires: no authentication negotiation beyond "no auth
// required", no BIND, no UDP ASSOCIATE. Structured the way the teacher's
// pkg/tun/socks listener is driven from outbound.go: a Server owns a
// net.Listener and a DialFunc, and hands each accepted connection to its own
// goroutine running the RFC 1928 state machine to completion.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/tokarevart/x2ssh/pkg/xerr"
)

const (
	version5 = 0x05

	authNoneRequired = 0x00
	authNoAcceptable = 0xff

	cmdConnect     = 0x01
	cmdBind        = 0x02
	cmdUDPAssoc    = 0x03
	atypIPv4       = 0x01
	atypDomainName = 0x03
	atypIPv6       = 0x04

	repSucceeded            = 0x00
	repGeneralFailure       = 0x01
	repConnNotAllowed       = 0x02
	repNetworkUnreachable   = 0x03
	repHostUnreachable      = 0x04
	repConnectionRefused    = 0x05
	repTTLExpired           = 0x06
	repCommandNotSupported  = 0x07
	repAddrTypeNotSupported = 0x08
)

// DialFunc opens the upstream half of a CONNECT request. The transport
// package's Session.OpenDirectTCPIP satisfies this signature.
type DialFunc func(ctx context.Context, host string, port uint16) (net.Conn, error)

// Server accepts SOCKS5 clients on a local listener and proxies CONNECT
// requests through Dial.
type Server struct {
	Listener net.Listener
	Dial     DialFunc
}

// New binds a TCP listener at listenAddr (e.g. "127.0.0.1:1080") and returns
// a Server ready to Serve.
func New(listenAddr string, dial DialFunc) (*Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, xerr.NetworkError.Newf("listen %s: %w", listenAddr, err)
	}
	return &Server{Listener: ln, Dial: dial}, nil
}

// Serve accepts connections until ctx is cancelled or the listener errors,
// running each client on its own goroutine under a dgroup so a panic or
// leak in one client can't take the others down silently.
func (s *Server) Serve(ctx context.Context) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	grp.Go("accept", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			_ = s.Listener.Close()
		}()
		for {
			conn, err := s.Listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return xerr.NetworkError.Newf("accept: %w", err)
				}
			}
			name := conn.RemoteAddr().String()
			grp.Go("client-"+name, func(ctx context.Context) error {
				defer conn.Close()
				if err := s.handleConn(ctx, conn); err != nil {
					dlog.Debugf(ctx, "socks5 client %s: %v", name, err)
				}
				return nil
			})
		}
	})
	return grp.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	if err := negotiateAuth(conn); err != nil {
		return err
	}
	host, port, err := readConnectRequest(conn)
	if err != nil {
		writeReply(conn, repFromErr(err), nil, 0)
		return err
	}

	upstream, err := s.Dial(ctx, host, port)
	if err != nil {
		writeReply(conn, repFromErr(err), nil, 0)
		return err
	}
	defer upstream.Close()

	if err := writeReply(conn, repSucceeded, net.IPv4zero, 0); err != nil {
		return err
	}

	return pump(conn, upstream)
}

func negotiateAuth(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return xerr.NetworkError.Newf("read method-selection header: %w", err)
	}
	if hdr[0] != version5 {
		return xerr.NetworkError.Newf("unsupported SOCKS version %d", hdr[0])
	}
	nMethods := int(hdr[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return xerr.NetworkError.Newf("read auth methods: %w", err)
	}
	for _, m := range methods {
		if m == authNoneRequired {
			_, err := conn.Write([]byte{version5, authNoneRequired})
			return err
		}
	}
	_, _ = conn.Write([]byte{version5, authNoAcceptable})
	return xerr.Usage.New("client offered no acceptable auth method")
}

// connectErr distinguishes a protocol-level rejection (BIND/UDP ASSOCIATE,
// bad ATYP) from a dial failure, so the caller can pick the right REP byte.
type connectErr struct {
	rep byte
	err error
}

func (e *connectErr) Error() string { return e.err.Error() }
func (e *connectErr) Unwrap() error { return e.err }

func readConnectRequest(conn net.Conn) (string, uint16, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, xerr.NetworkError.Newf("read request header: %w", err)
	}
	if hdr[0] != version5 {
		return "", 0, &connectErr{repGeneralFailure, fmt.Errorf("unsupported SOCKS version %d", hdr[0])}
	}
	if hdr[1] != cmdConnect {
		// BIND and UDP ASSOCIATE are explicit Non-goals (spec.md §7): reject
		// with COMMAND NOT SUPPORTED rather than silently accepting.
		return "", 0, &connectErr{repCommandNotSupported, fmt.Errorf("unsupported command 0x%02x", hdr[1])}
	}

	var host string
	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, xerr.NetworkError.Newf("read IPv4 addr: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomainName:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return "", 0, xerr.NetworkError.Newf("read domain length: %w", err)
		}
		name := make([]byte, lenByte[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", 0, xerr.NetworkError.Newf("read domain name: %w", err)
		}
		host = string(name)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, xerr.NetworkError.Newf("read IPv6 addr: %w", err)
		}
		host = net.IP(addr).String()
	default:
		return "", 0, &connectErr{repAddrTypeNotSupported, fmt.Errorf("unsupported ATYP 0x%02x", hdr[3])}
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return "", 0, xerr.NetworkError.Newf("read port: %w", err)
	}
	return host, binary.BigEndian.Uint16(portBytes), nil
}

func repFromErr(err error) byte {
	var ce *connectErr
	if ok := asConnectErr(err, &ce); ok {
		return ce.rep
	}
	if xerr.Is(err, xerr.NetworkError) {
		return repHostUnreachable
	}
	return repGeneralFailure
}

func asConnectErr(err error, target **connectErr) bool {
	for err != nil {
		if ce, ok := err.(*connectErr); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// writeReply sends the SOCKS5 reply header. BND.ADDR/BND.PORT are always
// 0.0.0.0:0 (spec.md Open Question, resolved in DESIGN.md): x2ssh never
// actually binds a listening socket on the remote side for CONNECT.
func writeReply(conn net.Conn, rep byte, bindAddr net.IP, bindPort uint16) error {
	if bindAddr == nil {
		bindAddr = net.IPv4zero
	}
	ip4 := bindAddr.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	msg := make([]byte, 0, 10)
	msg = append(msg, version5, rep, 0x00, atypIPv4)
	msg = append(msg, ip4...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, bindPort)
	msg = append(msg, portBytes...)
	_, err := conn.Write(msg)
	return err
}

// pump relays bytes in both directions until either side closes, then
// half-closes the other so a one-sided EOF doesn't hang the whole pair.
func pump(a, b net.Conn) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		if cw, ok := a.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		if cw, ok := b.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errc <- err
	}()
	err1 := <-errc
	err2 := <-errc
	if err1 != nil {
		return err1
	}
	return err2
}

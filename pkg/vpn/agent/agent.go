// Package agent is the server-side half of spec.md §4.5: a standalone,
// static binary deployed over SSH exec (§4.6) that owns a TUN device and
// pumps framed packets to/from stdio. It shares no code path with the
// client other than pkg/framing and the TUN wrapper in pkg/vpn/clienttun,
// matching the teacher's convention of small independent cmd/* entry points
// each importing only the packages they need.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tokarevart/x2ssh/pkg/framing"
	"github.com/tokarevart/x2ssh/pkg/vpn/clienttun"
)

const defaultMTU = 1400

// tunDevice is the subset of *clienttun.Device the pumps need; defined here
// so tests can substitute a fake TUN without root privileges.
type tunDevice interface {
	io.Reader
	io.Writer
}

// Run creates a TUN device, assigns addrWithPrefix, brings it up, and runs
// the two pumps of spec.md §4.5 until either one fails or returns a clean
// EOF. It returns nil for a clean shutdown and a non-nil error otherwise;
// cmd/x2ssh-agent maps that to the process exit code.
func Run(ctx context.Context, stdin io.Reader, stdout io.Writer, addrWithPrefix string) error {
	dev, err := clienttun.Open("x2ssh-agent0", defaultMTU)
	if err != nil {
		return fmt.Errorf("open TUN: %w", err)
	}
	defer dev.Close()

	if err := dev.SetAddress(ctx, addrWithPrefix); err != nil {
		return fmt.Errorf("assign address %s: %w", addrWithPrefix, err)
	}
	if err := dev.Up(); err != nil {
		return fmt.Errorf("bring up TUN: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- pumpStdinToTun(ctx, stdin, dev) }()
	go func() { errc <- pumpTunToStdout(ctx, dev, stdout) }()

	// The pump still running may be blocked in a read that ctx cannot
	// interrupt (stdin or the TUN device), so Run returns the first pump's
	// result without waiting for it; the deferred Close releases the TUN.
	err = <-errc
	cancel()
	return err
}

// pumpStdinToTun reads framed packets from stdin and writes their raw bytes
// to the TUN device.
func pumpStdinToTun(ctx context.Context, stdin io.Reader, dev tunDevice) error {
	r := framing.NewReader(stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		payload, err := framing.ReadFrame(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if _, err := dev.Write(payload); err != nil {
			return err
		}
	}
}

// pumpTunToStdout reads one packet at a time from the TUN device (spec.md
// §4.5: "single recv; do not aggregate") and writes it framed to stdout,
// flushing after every frame.
func pumpTunToStdout(ctx context.Context, dev tunDevice, stdout io.Writer) error {
	w := bufio.NewWriterSize(stdout, framing.MaxFrameLen+4)
	buf := make([]byte, framing.MaxFrameLen)
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
		if err := framing.WriteFrame(w, buf[:n]); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// TeeStderrPrefix is the prefix Logf puts on every line cmd/x2ssh-agent
// writes to stderr; pkg/vpn's deploy.go tees each stderr line, whatever its
// prefix, into the client's logger (spec.md §4.6).
const TeeStderrPrefix = "x2ssh-agent"

// Logf writes a single log line to stderr in the same format the client
// side expects to tee, since the agent runs detached from any dlog sink.
func Logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, TeeStderrPrefix+": "+format+"\n", args...)
}

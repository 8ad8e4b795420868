package vpn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/datawire/dlib/dlog"

	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

const agentPath = "/tmp/x2ssh-agent"

// agentHandle is the live, running server agent process: its stdio is the
// client's other end of the data-plane pumps (spec.md §4.9).
type agentHandle struct {
	exec   *transport.ExecChannel
	stdin  io.WriteCloser
	stdout io.Reader
}

// deployAgent uploads binary to the server and starts it against
// serverAddr, per spec.md §4.6. The binary path is fixed and stale
// deployments are overwritten unconditionally.
func deployAgent(ctx context.Context, s *transport.Session, binary []byte, serverAddr string, sudo bool) (*agentHandle, error) {
	uploadCmd := fmt.Sprintf("cat > %s && chmod +x %s", agentPath, agentPath)
	upload, err := s.OpenExec(ctx, uploadCmd)
	if err != nil {
		return nil, xerr.AgentDeployFailed.Newf("open upload channel: %w", err)
	}
	if _, err := io.Copy(upload.Stdin, bytes.NewReader(binary)); err != nil {
		_ = upload.Close()
		return nil, xerr.AgentDeployFailed.Newf("stream agent binary: %w", err)
	}
	if err := upload.Stdin.Close(); err != nil {
		_ = upload.Close()
		return nil, xerr.AgentDeployFailed.Newf("close upload stdin: %w", err)
	}
	code, err := upload.Wait()
	if err != nil {
		return nil, xerr.AgentDeployFailed.Newf("wait for upload: %w", err)
	}
	if code != 0 {
		return nil, xerr.AgentDeployFailed.Newf("upload exited %d", code)
	}
	_ = upload.Close()

	startCmd := fmt.Sprintf("%s %s", agentPath, serverAddr)
	if sudo {
		startCmd = "sudo " + startCmd
	}
	start, err := s.OpenExec(ctx, startCmd)
	if err != nil {
		return nil, xerr.AgentDeployFailed.Newf("start agent: %w", err)
	}

	go teeStderr(ctx, start.Stderr)

	return &agentHandle{exec: start, stdin: start.Stdin, stdout: start.Stdout}, nil
}

// teeStderr streams the agent's stderr into the logger line by line, per
// spec.md §4.6.
func teeStderr(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		dlog.Errorf(ctx, "agent: %s", scanner.Text())
	}
}

func (h *agentHandle) Close() error {
	if err := h.stdin.Close(); err != nil {
		return err
	}
	return h.exec.Close()
}

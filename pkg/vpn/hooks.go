package vpn

import (
	"context"
	"io"

	"github.com/datawire/dlib/dlog"

	"github.com/tokarevart/x2ssh/pkg/transport"
	"github.com/tokarevart/x2ssh/pkg/xerr"
)

// RunPostUp executes cmds strictly in order over one-shot SSH exec
// channels. On the first non-zero exit it stops immediately and returns
// PostUpFailed(index, exit_code, stderr); commands 0..index-1 have already
// taken effect and are addressed by PreDown during teardown (spec.md §4.8).
func RunPostUp(ctx context.Context, s *transport.Session, cmds []string) error {
	for i, cmd := range cmds {
		exitCode, stderr, err := runHookCommand(ctx, s, cmd)
		if err != nil {
			return xerr.AgentDeployFailed.Newf("post_up[%d] %q: %w", i, cmd, err)
		}
		if exitCode != 0 {
			return xerr.NewPostUpFailed(i, cmd, exitCode, stderr)
		}
	}
	return nil
}

// RunPreDown executes cmds best-effort: every command runs regardless of
// prior failures, non-zero exits are logged and ignored, and the overall
// teardown is never failed by this function (spec.md §4.8, §7).
func RunPreDown(ctx context.Context, s *transport.Session, cmds []string) {
	for i, cmd := range cmds {
		exitCode, stderr, err := runHookCommand(ctx, s, cmd)
		if err != nil {
			dlog.Errorf(ctx, "pre_down[%d] %q failed to run: %v", i, cmd, err)
			continue
		}
		if exitCode != 0 {
			dlog.Errorf(ctx, "pre_down[%d] %q exited %d: %s", i, cmd, exitCode, stderr)
		}
	}
}

func runHookCommand(ctx context.Context, s *transport.Session, cmd string) (int, string, error) {
	ec, err := s.OpenExec(ctx, cmd)
	if err != nil {
		return 0, "", err
	}
	defer ec.Close()

	type captured struct {
		data []byte
	}
	stdoutc := make(chan captured, 1)
	stderrc := make(chan captured, 1)
	go func() { b, _ := io.ReadAll(ec.Stdout); stdoutc <- captured{b} }()
	go func() { b, _ := io.ReadAll(ec.Stderr); stderrc <- captured{b} }()

	code, err := ec.Wait()
	stdout := <-stdoutc
	stderr := <-stderrc
	if len(stdout.data) > 0 {
		dlog.Debugf(ctx, "%s: %s", cmd, stdout.data)
	}
	if err != nil {
		return 0, string(stderr.data), err
	}
	return code, string(stderr.data), nil
}

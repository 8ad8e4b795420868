package vpn

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokarevart/x2ssh/pkg/framing"
)

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Idle:          "Idle",
		AgentDeployed: "AgentDeployed",
		HooksApplied:  "HooksApplied",
		Running:       "Running",
		TearingDown:   "TearingDown",
		Done:          "Done",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestNew_StartsIdle(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, Idle, s.State())
}

// fakeTunRW is an in-memory tunReader/tunWriter pair, one packet per Write.
// Read returns io.EOF once closed, so pump goroutines blocked on it can be
// unblocked deterministically from a test.
type fakeTunRW struct {
	packets chan []byte
	closed  chan struct{}
}

func newFakeTunRW() *fakeTunRW {
	return &fakeTunRW{packets: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeTunRW) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.packets <- cp
	return len(p), nil
}

func (f *fakeTunRW) Read(buf []byte) (int, error) {
	select {
	case p := <-f.packets:
		return copy(buf, p), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTunRW) close() { close(f.closed) }

func TestPumpTunToAgent_FramesEachTunRead(t *testing.T) {
	dev := newFakeTunRW()
	dev.packets <- []byte("packet-a")

	agentStdin := &syncWriter{}
	done := make(chan error, 1)
	go func() { done <- pumpTunToAgent(context.Background(), dev, agentStdin, 1500) }()

	require.Eventually(t, func() bool { return agentStdin.len() > 0 }, time.Second, time.Millisecond)
	dev.close()
	require.ErrorIs(t, <-done, io.EOF)

	payload, err := framing.ReadFrame(&agentStdin.buf)
	require.NoError(t, err)
	assert.Equal(t, "packet-a", string(payload))
}

func TestPumpAgentToTun_WritesRawPayload(t *testing.T) {
	var agentStdout bytes.Buffer
	require.NoError(t, framing.WriteFrame(&agentStdout, []byte("from-agent")))

	dev := newFakeTunRW()
	err := pumpAgentToTun(context.Background(), &agentStdout, dev)
	require.ErrorIs(t, err, io.EOF) // clean EOF once the single frame is consumed

	select {
	case p := <-dev.packets:
		assert.Equal(t, "from-agent", string(p))
	default:
		t.Fatal("expected one packet written to TUN")
	}
}

// syncWriter guards a bytes.Buffer so the pump goroutine's writes and the
// test goroutine's length checks don't race.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

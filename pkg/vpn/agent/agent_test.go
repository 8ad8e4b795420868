package agent

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

// fakeTun is an in-memory stand-in for clienttun.Device: writes go onto a
// queue that Read drains one packet at a time, matching the real device's
// "single recv" contract.
type fakeTun struct {
	mu      sync.Mutex
	packets [][]byte
	closed  chan struct{}
}

func newFakeTun() *fakeTun {
	return &fakeTun{closed: make(chan struct{})}
}

func (f *fakeTun) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.mu.Lock()
	f.packets = append(f.packets, cp)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeTun) Read(buf []byte) (int, error) {
	for {
		f.mu.Lock()
		if len(f.packets) > 0 {
			p := f.packets[0]
			f.packets = f.packets[1:]
			f.mu.Unlock()
			n := copy(buf, p)
			return n, nil
		}
		f.mu.Unlock()
		select {
		case <-f.closed:
			return 0, io.EOF
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeTun) inject(p []byte) {
	f.mu.Lock()
	f.packets = append(f.packets, p)
	f.mu.Unlock()
}

func (f *fakeTun) close() { close(f.closed) }

func TestPumpStdinToTun_WritesRawPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, framing.WriteFrame(&buf, []byte("packet-one")))
	require.NoError(t, framing.WriteFrame(&buf, []byte("packet-two")))

	tun := newFakeTun()
	err := pumpStdinToTun(context.Background(), &buf, tun)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("packet-one"), []byte("packet-two")}, tun.packets)
}

func TestPumpStdinToTun_ShortReadIsError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10, 'a', 'b', 'c'}) // declares 10 bytes, supplies 3
	tun := newFakeTun()
	err := pumpStdinToTun(context.Background(), &buf, tun)
	require.Error(t, err)
}

func TestPumpTunToStdout_FramesEachPacketSeparately(t *testing.T) {
	tun := newFakeTun()
	tun.inject([]byte("hello"))
	tun.inject([]byte("world"))

	var mu sync.Mutex
	out := &syncBuffer{mu: &mu}
	done := make(chan error, 1)
	go func() { done <- pumpTunToStdout(context.Background(), tun, out) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return out.buf.Len() >= 2*(4+5)
	}, time.Second, time.Millisecond)
	tun.close()
	err := <-done
	require.ErrorIs(t, err, io.EOF)

	r := framing.NewReader(&out.buf)
	p1, err := framing.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p1))
	p2, err := framing.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(p2))
}

// syncBuffer guards a bytes.Buffer so the pump goroutine's writes and the
// test goroutine's length checks don't race.
type syncBuffer struct {
	mu  *sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

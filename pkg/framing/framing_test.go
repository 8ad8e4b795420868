package framing

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 17, 1400, 1500, 65535, 65536}
	for _, n := range sizes {
		payload := make([]byte, n)
		_, _ = rand.Read(payload)

		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxFrameLen+1)
	err := WriteFrame(&buf, payload)
	require.Error(t, err)

	// Construct a 65537-length header by hand to exercise the reader path
	// independent of the writer's own guard.
	buf.Reset()
	buf.Write([]byte{0x00, 0x01, 0x00, 0x01}) // 65537
	_, err = ReadFrame(&buf)
	require.Error(t, err)
}

func TestShortReadIsUnexpectedEOF(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, 'h', 'i'}) // declares 5, only 2 bytes follow
	_, err := ReadFrame(buf)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestCleanEOFAtBoundary(t *testing.T) {
	buf := bytes.NewReader(nil)
	_, err := ReadFrame(buf)
	require.True(t, errors.Is(err, io.EOF))
}

func TestZeroLengthFrameIsLegal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteFrameFlushesBufferedWriter(t *testing.T) {
	var underlying bytes.Buffer
	w := NewWriter(&underlying)
	require.NoError(t, WriteFrame(w, []byte("hello")))
	// Because WriteFrame flushes, the bytes must already be visible in the
	// underlying buffer without an explicit w.Flush() call here.
	r := NewReader(&underlying)
	got, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

package peer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello"), DefaultMaxFrame))
	require.NoError(t, writeFrame(&buf, []byte("world!"), DefaultMaxFrame))

	p, err := readFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p)

	p, err = readFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, []byte("world!"), p)

	_, err = readFrame(&buf, DefaultMaxFrame)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_TooBig(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, 100), 64)
	var tooBig ErrFrameTooBig
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, uint32(100), tooBig.Size)
	assert.Equal(t, uint32(64), tooBig.Max)
	assert.Zero(t, buf.Len(), "no partial frame on the wire")
}

func TestReadFrame_TooBig(t *testing.T) {
	// Announce an oversized body without sending it: the reader must
	// refuse before allocating.
	var head [frameHeadLen]byte
	binary.BigEndian.PutUint32(head[:], 1<<30)

	_, err := readFrame(bytes.NewReader(head[:]), DefaultMaxFrame)
	var tooBig ErrFrameTooBig
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, uint32(1<<30), tooBig.Size)
}

func TestReadFrame_ZeroLength(t *testing.T) {
	var head [frameHeadLen]byte
	_, err := readFrame(bytes.NewReader(head[:]), DefaultMaxFrame)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello"), DefaultMaxFrame))

	// Cut the body short.
	raw := buf.Bytes()[:frameHeadLen+2]
	_, err := readFrame(bytes.NewReader(raw), DefaultMaxFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Cut the head short.
	_, err = readFrame(bytes.NewReader(raw[:2]), DefaultMaxFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteReadMsg(t *testing.T) {
	var buf bytes.Buffer
	in := &Heartbeat{Nonce: 7}
	require.NoError(t, writeMsg(&buf, in, DefaultMaxFrame))

	out, err := readMsg(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

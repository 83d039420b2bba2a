package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds one frame's body. A frame holds one message;
// the largest legitimate frames are FullDoc states.
const DefaultMaxFrame = 4 << 20

// frameHeadLen is the size of the big-endian length prefix.
const frameHeadLen = 4

// An ErrFrameTooBig reports a frame whose announced length exceeds the
// configured maximum. Oversized frames are a protocol violation: the
// stream cannot be resynchronized past them.
type ErrFrameTooBig struct {
	Size, Max uint32
}

// Error implements the error interface.
func (e ErrFrameTooBig) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds max %d", e.Size, e.Max)
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, p []byte, max uint32) error {
	if uint32(len(p)) > max {
		return ErrFrameTooBig{Size: uint32(len(p)), Max: max}
	}
	var head [frameHeadLen]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(p)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// readFrame reads one length-prefixed frame, enforcing the size bound
// before allocating the body.
func readFrame(r io.Reader, max uint32) ([]byte, error) {
	var head [frameHeadLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	ln := binary.BigEndian.Uint32(head[:])
	if ln == 0 {
		return nil, ErrEmptyMessage
	}
	if ln > max {
		return nil, ErrFrameTooBig{Size: ln, Max: max}
	}
	body := make([]byte, ln)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeMsg encodes and frames one message.
func writeMsg(w io.Writer, m Msg, max uint32) error {
	p, err := Encode(m)
	if err != nil {
		return err
	}
	return writeFrame(w, p, max)
}

// readMsg reads and decodes one framed message.
func readMsg(r io.Reader, max uint32) (Msg, error) {
	p, err := readFrame(r, max)
	if err != nil {
		return nil, err
	}
	return Decode(p)
}

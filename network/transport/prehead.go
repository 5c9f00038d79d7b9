package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PRE_HEAD_SIZE is the fixed size in bytes of the PreHead structure.
const PRE_HEAD_SIZE = 12 // Kind (4 bytes) + BodySize (4 bytes) + reserved (4 bytes)

// Frame kinds carried in PreHead.Kind.
const (
	FrameData      uint32 = 1
	FrameHandshake uint32 = 2
	FrameDatagram  uint32 = 3
	FrameClose     uint32 = 4 // orderly close, for transports without a FIN
)

var (
	// ErrFrameTooLarge is returned for a frame above the configured bound.
	ErrFrameTooLarge = errors.New("frame exceeds max frame size")
	// ErrBadFrame is returned for a frame with an unknown kind.
	ErrBadFrame = errors.New("malformed frame")
)

// PreHead frames every chunk written to a stream connection so the reader can
// tell stream data apart from module control frames.
type PreHead struct {
	Kind     uint32
	BodySize uint32
}

// EncodePreHead serializes hdr little endian into a new buffer.
func EncodePreHead(hdr *PreHead) []byte {
	buf := make([]byte, PRE_HEAD_SIZE)
	PutPreHead(buf, hdr)
	return buf
}

// PutPreHead serializes hdr into buf, which must hold PRE_HEAD_SIZE bytes.
func PutPreHead(buf []byte, hdr *PreHead) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Kind)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.BodySize)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
}

// DecodePreHead deserializes buf. A zero kind is invalid.
func DecodePreHead(buf []byte) (*PreHead, error) {
	if len(buf) < PRE_HEAD_SIZE {
		return nil, errors.New("buffer too small to decode PreHead")
	}
	hdr := &PreHead{
		Kind:     binary.LittleEndian.Uint32(buf[0:4]),
		BodySize: binary.LittleEndian.Uint32(buf[4:8]),
	}
	if hdr.Kind == 0 {
		return nil, fmt.Errorf("%w: zero frame kind", ErrBadFrame)
	}
	return hdr, nil
}

// EncodeFrame returns PreHead followed by body in one buffer.
func EncodeFrame(kind uint32, body []byte) []byte {
	buf := make([]byte, PRE_HEAD_SIZE+len(body))
	PutPreHead(buf, &PreHead{Kind: kind, BodySize: uint32(len(body))})
	copy(buf[PRE_HEAD_SIZE:], body)
	return buf
}

// ReadFrame reads one complete frame from r. The body comes from a shared
// pool; callers that copy it out may return it with ReleaseFrame.
func ReadFrame(r io.Reader, maxBody int) (uint32, []byte, error) {
	var head [PRE_HEAD_SIZE]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	hdr, err := DecodePreHead(head[:])
	if err != nil {
		return 0, nil, err
	}
	if maxBody > 0 && int(hdr.BodySize) > maxBody {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, hdr.BodySize, maxBody)
	}
	body := getFrameBuf(int(hdr.BodySize))
	if _, err := io.ReadFull(r, body); err != nil {
		ReleaseFrame(body)
		return 0, nil, err
	}
	return hdr.Kind, body, nil
}

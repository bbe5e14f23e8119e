// Package protocol implements the length-prefixed frame protocol for lavish-rpc.
//
// It solves the byte stream's sticky packet problem by prefixing every payload with
// its length, encoded as a MessagePack unsigned integer in its most compact form.
// The receiver reads the prefix first to learn the payload length, then waits until
// that many bytes are buffered.
//
// Frame format:
//
//	┌──────────────────────────┬──────────────────────┐
//	│ msgpack uint (1–9 bytes) │ payload (len bytes)  │
//	│ fixint / 0xcc / 0xcd /   │ one encoded Message  │
//	│ 0xce / 0xcf + big-endian │                      │
//	└──────────────────────────┴──────────────────────┘
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"lavish-rpc/rpcerr"
)

// DefaultMaxMessageSize is the largest payload accepted or produced unless configured otherwise.
const DefaultMaxMessageSize = 128 * 1024

// MaxPrefixSize is the longest possible length prefix: a uint64 marker plus 8 bytes.
const MaxPrefixSize = 9

var (
	// ErrNeedMore means the buffer holds a valid but incomplete frame.
	ErrNeedMore = errors.New("protocol: need more data")
	// ErrInvalidPrefix means the stream does not start with a msgpack unsigned integer.
	ErrInvalidPrefix = errors.New("protocol: invalid length prefix")
)

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst []byte, payload []byte) ([]byte, error) {
	var prefix bytes.Buffer
	enc := msgpack.NewEncoder(&prefix)
	if err := enc.EncodeUint(uint64(len(payload))); err != nil {
		return dst, err
	}
	dst = append(dst, prefix.Bytes()...)
	return append(dst, payload...), nil
}

// Encode writes a complete frame (prefix + payload) to w in a single Write call.
// Only one goroutine may write to w at a time, otherwise frames interleave and
// corrupt the stream.
func Encode(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, MaxPrefixSize+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Split looks for one complete frame at the start of buf.
//
// It returns the payload (aliasing buf) and the total number of bytes the frame
// occupies. ErrNeedMore is returned when the prefix or the payload is incomplete,
// never an error: a truncated frame is not an invalid one.
func Split(buf []byte, max int) (payload []byte, consumed int, err error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMore
	}

	prefixLen, err := prefixSize(buf[0])
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < prefixLen {
		return nil, 0, ErrNeedMore
	}

	dec := msgpack.NewDecoder(bytes.NewReader(buf[:prefixLen]))
	length, err := dec.DecodeUint64()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}

	if max > 0 && length > uint64(max) {
		return nil, 0, fmt.Errorf("%w: %d bytes (max %d)", rpcerr.ErrMessageTooLarge, length, max)
	}

	total := uint64(prefixLen) + length
	if uint64(len(buf)) < total {
		return nil, 0, ErrNeedMore
	}
	return buf[prefixLen:total], int(total), nil
}

// prefixSize maps the first byte of a frame to the length of its prefix.
func prefixSize(c byte) (int, error) {
	switch {
	case c <= msgpcode.PosFixedNumHigh:
		return 1, nil
	case c == msgpcode.Uint8:
		return 2, nil
	case c == msgpcode.Uint16:
		return 3, nil
	case c == msgpcode.Uint32:
		return 5, nil
	case c == msgpcode.Uint64:
		return 9, nil
	default:
		return 0, fmt.Errorf("%w: marker 0x%02x", ErrInvalidPrefix, c)
	}
}

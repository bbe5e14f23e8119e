package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"lavish-rpc/rpcerr"
)

func TestEncodeSplit(t *testing.T) {
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	payload, n, err := Split(buf.Bytes(), DefaultMaxMessageSize)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("consumed mismatch: got %d, want %d", n, buf.Len())
	}
	if !bytes.Equal(payload, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(payload), string(body))
	}
}

func TestPrefixIsCompact(t *testing.T) {
	cases := []struct {
		size   int
		prefix int
		marker byte
	}{
		{size: 0, prefix: 1, marker: 0x00},
		{size: 127, prefix: 1, marker: 0x7f},
		{size: 128, prefix: 2, marker: 0xcc},
		{size: 255, prefix: 2, marker: 0xcc},
		{size: 256, prefix: 3, marker: 0xcd},
		{size: 70000, prefix: 5, marker: 0xce},
	}

	for _, c := range cases {
		frame, err := AppendFrame(nil, make([]byte, c.size))
		require.NoError(t, err)
		require.Len(t, frame, c.prefix+c.size, "size %d", c.size)
		require.Equal(t, c.marker, frame[0], "size %d", c.size)

		payload, n, err := Split(frame, 0)
		require.NoError(t, err)
		require.Equal(t, len(frame), n)
		require.Len(t, payload, c.size)
	}
}

func TestSplitUint64Prefix(t *testing.T) {
	frame := []byte{0xcf, 0, 0, 0, 0, 0, 0, 0, 3, 'a', 'b', 'c', 'x'}

	payload, n, err := Split(frame, 0)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, []byte("abc"), payload)
}

// Every strict prefix of a valid frame is incomplete, never invalid.
func TestSplitTruncated(t *testing.T) {
	for _, size := range []int{0, 5, 200, 1000} {
		body := bytes.Repeat([]byte{0xa5}, size)
		frame, err := AppendFrame(nil, body)
		require.NoError(t, err)

		for i := 0; i < len(frame); i++ {
			_, _, err := Split(frame[:i], DefaultMaxMessageSize)
			if !errors.Is(err, ErrNeedMore) {
				t.Fatalf("size %d, offset %d: got %v, want ErrNeedMore", size, i, err)
			}
		}

		payload, n, err := Split(frame, DefaultMaxMessageSize)
		require.NoError(t, err)
		require.Equal(t, len(frame), n)
		require.Equal(t, body, payload)
	}
}

func TestSplitBackToBack(t *testing.T) {
	var stream []byte
	bodies := [][]byte{[]byte("one"), []byte("two"), {}, []byte("three")}
	for _, b := range bodies {
		var err error
		stream, err = AppendFrame(stream, b)
		require.NoError(t, err)
	}

	for _, want := range bodies {
		payload, n, err := Split(stream, 0)
		require.NoError(t, err)
		require.Equal(t, want, payload)
		stream = stream[n:]
	}
	_, _, err := Split(stream, 0)
	require.ErrorIs(t, err, ErrNeedMore)
}

func TestSplitInvalidPrefix(t *testing.T) {
	for _, marker := range []byte{0xa3, 0xd0, 0xc0, 0xff} {
		_, _, err := Split([]byte{marker, 1, 2, 3}, 0)
		require.ErrorIs(t, err, ErrInvalidPrefix, "marker 0x%02x", marker)
	}
}

func TestSplitTooLarge(t *testing.T) {
	frame, err := AppendFrame(nil, make([]byte, 300))
	require.NoError(t, err)

	// The length is rejected as soon as the prefix is readable.
	_, _, err = Split(frame[:3], 256)
	require.ErrorIs(t, err, rpcerr.ErrMessageTooLarge)
}

// trickle hands out one byte per Read call.
type trickle struct {
	data []byte
}

func (r *trickle) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderNext(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 3*minReadSize)

	var stream []byte
	for _, b := range [][]byte{[]byte("first"), big, []byte("last")} {
		var err error
		stream, err = AppendFrame(stream, b)
		require.NoError(t, err)
	}

	fr := NewReader(bytes.NewReader(stream), 0)

	payload, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "first", string(payload))

	payload, err = fr.Next()
	require.NoError(t, err)
	require.Equal(t, big, payload)

	payload, err = fr.Next()
	require.NoError(t, err)
	require.Equal(t, "last", string(payload))

	_, err = fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderByteAtATime(t *testing.T) {
	frame, err := AppendFrame(nil, []byte("slow but steady"))
	require.NoError(t, err)

	fr := NewReader(&trickle{data: frame}, 0)
	payload, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "slow but steady", string(payload))
}

func TestReaderUnexpectedEOF(t *testing.T) {
	frame, err := AppendFrame(nil, []byte("cut short"))
	require.NoError(t, err)

	fr := NewReader(bytes.NewReader(frame[:4]), 0)
	_, err = fr.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderTooLarge(t *testing.T) {
	frame, err := AppendFrame(nil, make([]byte, 512))
	require.NoError(t, err)

	fr := NewReader(bytes.NewReader(frame), 100)
	_, err = fr.Next()
	require.ErrorIs(t, err, rpcerr.ErrMessageTooLarge)
}

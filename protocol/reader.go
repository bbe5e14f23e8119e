package protocol

import (
	"errors"
	"io"
)

const minReadSize = 4096

// Reader buffers a byte stream and yields one frame payload at a time.
// It is not safe for concurrent use: a stream has exactly one reader.
type Reader struct {
	r   io.Reader
	max int
	buf []byte
	off int // start of unconsumed data in buf
	end int // end of buffered data in buf
}

// NewReader returns a Reader that rejects payloads larger than max (0 means unlimited).
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{
		r:   r,
		max: max,
		buf: make([]byte, minReadSize),
	}
}

// Next returns the next frame payload. The slice is only valid until the next call.
//
// io.EOF is returned when the stream ends on a frame boundary, io.ErrUnexpectedEOF
// when it ends in the middle of a frame.
func (fr *Reader) Next() ([]byte, error) {
	for {
		payload, n, err := Split(fr.buf[fr.off:fr.end], fr.max)
		if err == nil {
			fr.off += n
			return payload, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return nil, err
		}

		if err := fr.fill(); err != nil {
			if errors.Is(err, io.EOF) && fr.off != fr.end {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// fill reads at least one more byte into the buffer, compacting or growing it first.
func (fr *Reader) fill() error {
	if fr.off > 0 {
		copy(fr.buf, fr.buf[fr.off:fr.end])
		fr.end -= fr.off
		fr.off = 0
	}
	if fr.end == len(fr.buf) {
		grown := make([]byte, 2*len(fr.buf))
		copy(grown, fr.buf[:fr.end])
		fr.buf = grown
	}

	n, err := fr.r.Read(fr.buf[fr.end:])
	fr.end += n
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// Package codec turns Messages into frame payloads and back.
//
// A payload is a MessagePack array whose first element is the message kind:
//
//	Request:      [0, id, method, params]
//	Response:     [1, id, error|nil, results|nil]
//	Notification: [2, method, params]
//
// A Response carries no method name, so decoding one needs to know which method the
// matching Request used. The caller provides that knowledge through Pending, normally
// backed by the pending-call table.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"lavish-rpc/message"
	"lavish-rpc/protocol"
	"lavish-rpc/rpcerr"
)

// Pending resolves the id of an outstanding call to the method it was issued for.
type Pending interface {
	Resolve(id uint32) (method string, ok bool)
}

// NoPending is a Pending with no outstanding calls: every response is orphaned.
type NoPending struct{}

func (NoPending) Resolve(uint32) (string, bool) { return "", false }

// Codec encodes and decodes messages of one protocol.
type Codec[P, NP, R message.Atom] struct {
	Protocol message.Protocol[P, NP, R]
	// MaxMessageSize bounds payloads in both directions; 0 means protocol.DefaultMaxMessageSize.
	MaxMessageSize int
}

// New returns a Codec for proto using the default maximum message size.
func New[P, NP, R message.Atom](proto message.Protocol[P, NP, R]) *Codec[P, NP, R] {
	return &Codec[P, NP, R]{Protocol: proto}
}

// MaxSize returns the effective payload limit.
func (c *Codec[P, NP, R]) MaxSize() int {
	if c.MaxMessageSize > 0 {
		return c.MaxMessageSize
	}
	return protocol.DefaultMaxMessageSize
}

// Encode serializes m into a payload. []byte fields of atoms are written as bin.
func (c *Codec[P, NP, R]) Encode(m message.Message[P, NP, R]) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.EncodeArrayLen(m.Kind.Arity()); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(m.Kind)); err != nil {
		return nil, err
	}

	switch m.Kind {
	case message.KindRequest:
		if err := enc.EncodeUint(uint64(m.ID)); err != nil {
			return nil, err
		}
		if err := encodeAtom(enc, m.Params); err != nil {
			return nil, err
		}

	case message.KindResponse:
		if err := enc.EncodeUint(uint64(m.ID)); err != nil {
			return nil, err
		}
		var err error
		if m.Error != nil {
			err = enc.EncodeString(*m.Error)
		} else {
			err = enc.EncodeNil()
		}
		if err != nil {
			return nil, err
		}
		if m.HasResults {
			err = enc.Encode(m.Results)
		} else {
			err = enc.EncodeNil()
		}
		if err != nil {
			return nil, err
		}

	case message.KindNotification:
		if err := encodeAtom(enc, m.Notification); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("codec: cannot encode %s", m.Kind)
	}

	return buf.Bytes(), nil
}

// encodeAtom writes the method name followed by the atom's fields.
func encodeAtom(enc *msgpack.Encoder, a message.Atom) error {
	if a == nil {
		return errors.New("codec: cannot encode a nil atom")
	}
	if err := enc.EncodeString(a.Method()); err != nil {
		return err
	}
	return enc.Encode(a)
}

// EncodeFrame serializes m and wraps it in a length-prefixed frame.
// Payloads over the maximum size are rejected, never truncated.
func (c *Codec[P, NP, R]) EncodeFrame(m message.Message[P, NP, R]) ([]byte, error) {
	payload, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > c.MaxSize() {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", rpcerr.ErrMessageTooLarge, m, len(payload), c.MaxSize())
	}
	return protocol.AppendFrame(make([]byte, 0, protocol.MaxPrefixSize+len(payload)), payload)
}

// Decode parses one payload. Response atoms are typed through pending.
//
// Every failure is a *rpcerr.DecodeError. An orphaned response wraps
// rpcerr.ErrOrphanedResponse; the payload was still fully read.
func (c *Codec[P, NP, R]) Decode(payload []byte, pending Pending) (message.Message[P, NP, R], error) {
	var m message.Message[P, NP, R]

	rd := bytes.NewReader(payload)
	dec := msgpack.NewDecoder(rd)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return m, rpcerr.Malformed("", 0, "reading envelope: %v", err)
	}
	if n < 1 {
		return m, rpcerr.Malformed("", 0, "envelope has %d elements", n)
	}

	kind, err := dec.DecodeUint32()
	if err != nil {
		return m, rpcerr.Malformed("", 0, "reading kind: %v", err)
	}
	m.Kind = message.Kind(kind)

	switch m.Kind {
	case message.KindRequest, message.KindResponse, message.KindNotification:
	default:
		return m, rpcerr.Malformed("", 0, "unknown kind %d", kind)
	}
	if n != m.Kind.Arity() {
		return m, rpcerr.Malformed(m.Kind.String(), 0, "%d elements, want %d", n, m.Kind.Arity())
	}

	switch m.Kind {
	case message.KindRequest:
		err = c.decodeRequest(dec, &m)
	case message.KindResponse:
		err = c.decodeResponse(dec, pending, &m)
	case message.KindNotification:
		err = c.decodeNotification(dec, &m)
	}
	if err != nil {
		return m, err
	}

	if rd.Len() != 0 {
		return m, rpcerr.Malformed(m.Kind.String(), m.ID, "%d trailing bytes", rd.Len())
	}
	return m, nil
}

func (c *Codec[P, NP, R]) decodeRequest(dec *msgpack.Decoder, m *message.Message[P, NP, R]) error {
	id, err := dec.DecodeUint32()
	if err != nil {
		return rpcerr.Malformed("request", 0, "reading id: %v", err)
	}
	m.ID = id

	method, err := dec.DecodeString()
	if err != nil {
		return rpcerr.Malformed("request", id, "reading method: %v", err)
	}
	m.Params, err = c.Protocol.Params(method, dec)
	if err != nil {
		return atomError("request", id, method, err)
	}
	return nil
}

func (c *Codec[P, NP, R]) decodeResponse(dec *msgpack.Decoder, pending Pending, m *message.Message[P, NP, R]) error {
	id, err := dec.DecodeUint32()
	if err != nil {
		return rpcerr.Malformed("response", 0, "reading id: %v", err)
	}
	m.ID = id

	isNil, err := peekNil(dec)
	if err != nil {
		return rpcerr.Malformed("response", id, "reading error: %v", err)
	}
	if !isNil {
		desc, err := dec.DecodeString()
		if err != nil {
			return rpcerr.Malformed("response", id, "reading error: %v", err)
		}
		m.Error = &desc
	}

	isNil, err = peekNil(dec)
	if err != nil {
		return rpcerr.Malformed("response", id, "reading results: %v", err)
	}

	method, ok := pending.Resolve(id)
	if !ok {
		orphan := rpcerr.ErrOrphanedResponse
		// Consume the rest so the caller may keep reading the stream.
		if !isNil {
			if err := dec.Skip(); err != nil {
				orphan = fmt.Errorf("%w (skipping results: %v)", rpcerr.ErrOrphanedResponse, err)
			}
		}
		return &rpcerr.DecodeError{Kind: "response", ID: id, Err: orphan}
	}
	if isNil {
		return nil
	}

	m.Results, err = c.Protocol.Results(method, dec)
	if err != nil {
		return atomError("response", id, method, err)
	}
	m.HasResults = true
	return nil
}

func (c *Codec[P, NP, R]) decodeNotification(dec *msgpack.Decoder, m *message.Message[P, NP, R]) error {
	method, err := dec.DecodeString()
	if err != nil {
		return rpcerr.Malformed("notification", 0, "reading method: %v", err)
	}
	m.Notification, err = c.Protocol.Notification(method, dec)
	if err != nil {
		return atomError("notification", 0, method, err)
	}
	return nil
}

// peekNil consumes a nil if it is the next value and reports whether it did.
func peekNil(dec *msgpack.Decoder) (bool, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	if code != msgpcode.Nil {
		return false, nil
	}
	return true, dec.DecodeNil()
}

func atomError(kind string, id uint32, method string, err error) error {
	if errors.Is(err, rpcerr.ErrUnknownMethod) {
		return &rpcerr.DecodeError{Kind: kind, ID: id, Err: err}
	}
	return rpcerr.Malformed(kind, id, "decoding %s: %v", method, err)
}

// DecodeFrame decodes the first frame in buf.
//
// It returns protocol.ErrNeedMore while buf holds only part of a frame. Once a whole
// frame is present, consumed is its length even if decoding the payload failed, so a
// caller that tolerates orphaned responses can skip past them.
func (c *Codec[P, NP, R]) DecodeFrame(buf []byte, pending Pending) (m message.Message[P, NP, R], consumed int, err error) {
	payload, consumed, err := protocol.Split(buf, c.MaxSize())
	if err != nil {
		return m, 0, err
	}
	m, err = c.Decode(payload, pending)
	return m, consumed, err
}

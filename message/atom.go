package message

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"lavish-rpc/rpcerr"
)

// Atom is a value from a closed, schema-defined family of payloads. It knows its own
// method name; the family's DecodeFunc rebuilds it from a method name and a decoder.
//
// Generated code models a family as a sealed interface implemented by one concrete
// struct per declared method. Atoms are encoded with msgpack struct encoding, so
// []byte fields go on the wire as bin, not str.
type Atom interface {
	Method() string
}

// DecodeFunc decodes one atom of a family given the method name it was sent under.
// It must return an error wrapping rpcerr.ErrUnknownMethod for names outside the family.
type DecodeFunc[A Atom] func(method string, dec *msgpack.Decoder) (A, error)

// Protocol bundles the decoders of the three atom families of one schema.
type Protocol[P, NP, R Atom] struct {
	Params       DecodeFunc[P]
	Notification DecodeFunc[NP]
	Results      DecodeFunc[R]
}

var errIncompleteProtocol = errors.New("message: protocol is missing a decoder")

// Validate rejects a protocol that cannot decode every kind of frame.
func (p Protocol[P, NP, R]) Validate() error {
	switch {
	case p.Params == nil:
		return fmt.Errorf("%w: params", errIncompleteProtocol)
	case p.Notification == nil:
		return fmt.Errorf("%w: notification", errIncompleteProtocol)
	case p.Results == nil:
		return fmt.Errorf("%w: results", errIncompleteProtocol)
	}
	return nil
}

// Decode reads a value of type T from dec and returns it as an atom of family A.
// It is the building block of generated DecodeFuncs:
//
//	case "double":
//		return message.Decode[DoubleParams, Params](dec)
func Decode[T any, A Atom](dec *msgpack.Decoder) (A, error) {
	var v T
	var zero A
	if err := dec.Decode(&v); err != nil {
		return zero, err
	}
	a, ok := any(v).(A)
	if !ok {
		return zero, fmt.Errorf("message: %T does not belong to family %T", v, zero)
	}
	return a, nil
}

// UnknownMethod is the error a DecodeFunc returns for a method outside its family.
func UnknownMethod(method string) error {
	return fmt.Errorf("%w: %q", rpcerr.ErrUnknownMethod, method)
}

// Empty is an atom family with no members, for protocols without notifications
// or for peers that never receive calls.
type Empty interface {
	Atom
	empty()
}

// DecodeEmpty is the DecodeFunc of Empty: every method is unknown.
func DecodeEmpty(method string, _ *msgpack.Decoder) (Empty, error) {
	return nil, UnknownMethod(method)
}

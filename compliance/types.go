// Package compliance is the schema that every lavish-rpc implementation must
// agree with on the wire: a doubling call, one identity call per value type and
// a log notification. It is written the way generated code would be.
package compliance

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

// Params is the family of call params.
type Params interface {
	message.Atom
	isParams()
}

// Results is the family of call results.
type Results interface {
	message.Atom
	isResults()
}

// NotificationParams is the family of notification params.
type NotificationParams interface {
	message.Atom
	isNotificationParams()
}

type Handle = transport.Handle[Params, NotificationParams, Results]

// double

type DoubleParams struct {
	X int64 `msgpack:"x"`
}

type DoubleResults struct {
	X int64 `msgpack:"x"`
}

func (DoubleParams) Method() string  { return "double" }
func (DoubleResults) Method() string { return "double" }
func (DoubleParams) isParams()       {}
func (DoubleResults) isResults()     {}

// identity_*

// Value lists the types with an identity call.
type Value interface {
	uint8 | uint16 | uint32 | uint64 |
		int8 | int16 | int32 | int64 |
		bool | string | []byte | time.Time |
		[]string | map[string]bool
}

type IdentityParams[T Value] struct {
	X T `msgpack:"x"`
}

type IdentityResults[T Value] struct {
	X T `msgpack:"x"`
}

func (IdentityParams[T]) Method() string  { return identityMethod[T]() }
func (IdentityResults[T]) Method() string { return identityMethod[T]() }
func (IdentityParams[T]) isParams()       {}
func (IdentityResults[T]) isResults()     {}

func identityMethod[T Value]() string {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return "identity_u8"
	case uint16:
		return "identity_u16"
	case uint32:
		return "identity_u32"
	case uint64:
		return "identity_u64"
	case int8:
		return "identity_i8"
	case int16:
		return "identity_i16"
	case int32:
		return "identity_i32"
	case int64:
		return "identity_i64"
	case bool:
		return "identity_bool"
	case string:
		return "identity_string"
	case []byte:
		return "identity_data"
	case time.Time:
		return "identity_timestamp"
	case []string:
		return "identity_array_string"
	case map[string]bool:
		return "identity_map_string_bool"
	}
	panic("unreachable")
}

// log

type LogParams struct {
	Message string `msgpack:"message"`
}

func (LogParams) Method() string        { return "log" }
func (LogParams) isNotificationParams() {}

type decoders struct {
	params  message.DecodeFunc[Params]
	results message.DecodeFunc[Results]
}

func identity[T Value]() (string, decoders) {
	return identityMethod[T](), decoders{
		params: func(_ string, dec *msgpack.Decoder) (Params, error) {
			return message.Decode[IdentityParams[T], Params](dec)
		},
		results: func(_ string, dec *msgpack.Decoder) (Results, error) {
			return message.Decode[IdentityResults[T], Results](dec)
		},
	}
}

var methods = func() map[string]decoders {
	m := map[string]decoders{
		"double": {
			params: func(_ string, dec *msgpack.Decoder) (Params, error) {
				return message.Decode[DoubleParams, Params](dec)
			},
			results: func(_ string, dec *msgpack.Decoder) (Results, error) {
				return message.Decode[DoubleResults, Results](dec)
			},
		},
	}
	for _, add := range []func() (string, decoders){
		identity[uint8], identity[uint16], identity[uint32], identity[uint64],
		identity[int8], identity[int16], identity[int32], identity[int64],
		identity[bool], identity[string], identity[[]byte], identity[time.Time],
		identity[[]string], identity[map[string]bool],
	} {
		name, d := add()
		m[name] = d
	}
	return m
}()

// Methods returns the number of call methods in the schema.
func Methods() int {
	return len(methods)
}

func decodeParams(method string, dec *msgpack.Decoder) (Params, error) {
	d, ok := methods[method]
	if !ok {
		return nil, message.UnknownMethod(method)
	}
	return d.params(method, dec)
}

func decodeResults(method string, dec *msgpack.Decoder) (Results, error) {
	d, ok := methods[method]
	if !ok {
		return nil, message.UnknownMethod(method)
	}
	return d.results(method, dec)
}

func decodeNotification(method string, dec *msgpack.Decoder) (NotificationParams, error) {
	switch method {
	case "log":
		return message.Decode[LogParams, NotificationParams](dec)
	}
	return nil, message.UnknownMethod(method)
}

// Protocol returns the decoders of the schema.
func Protocol() message.Protocol[Params, NotificationParams, Results] {
	return message.Protocol[Params, NotificationParams, Results]{
		Params:       decodeParams,
		Notification: decodeNotification,
		Results:      decodeResults,
	}
}

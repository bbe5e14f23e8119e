// Package message defines the RPC message model exchanged between two peers.
//
// Message is the "envelope" for every frame. It gets serialized by the codec layer
// and wrapped in a length-prefixed frame for transmission over the byte stream.
//
// Wire shape (a MessagePack array, the first element is the only discriminant):
//
//	Request:      [0, id, method, params]
//	Response:     [1, id, error|nil, results|nil]
//	Notification: [2, method, params]
package message

import "fmt"

// Kind is the wire discriminant of a Message.
type Kind uint32

const (
	KindRequest      Kind = 0 // Caller → callee, expects a Response with the same ID
	KindResponse     Kind = 1 // Callee → caller, carries either an error or results
	KindNotification Kind = 2 // Fire-and-forget, no ID
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Arity returns the fixed number of array elements a kind occupies on the wire.
func (k Kind) Arity() int {
	if k == KindNotification {
		return 3
	}
	return 4
}

// Message carries the data for a single frame.
//
//   - On request:      ID and Params are set.
//   - On response:     ID is set, Error is non-nil if the remote handler failed,
//     Results is meaningful only when HasResults is true.
//   - On notification: Notification is set.
//
// P, NP and R are the three atom families: call params, notification params and call results.
type Message[P, NP, R Atom] struct {
	Kind         Kind
	ID           uint32
	Params       P
	Notification NP
	Error        *string
	Results      R
	HasResults   bool
}

func NewRequest[P, NP, R Atom](id uint32, params P) Message[P, NP, R] {
	return Message[P, NP, R]{Kind: KindRequest, ID: id, Params: params}
}

func NewResponse[P, NP, R Atom](id uint32, results R) Message[P, NP, R] {
	return Message[P, NP, R]{Kind: KindResponse, ID: id, Results: results, HasResults: true}
}

func NewErrorResponse[P, NP, R Atom](id uint32, description string) Message[P, NP, R] {
	return Message[P, NP, R]{Kind: KindResponse, ID: id, Error: &description}
}

func NewNotification[P, NP, R Atom](params NP) Message[P, NP, R] {
	return Message[P, NP, R]{Kind: KindNotification, Notification: params}
}

// Method returns the method name carried by a request or notification, "" for responses.
func (m Message[P, NP, R]) Method() string {
	switch m.Kind {
	case KindRequest:
		return m.Params.Method()
	case KindNotification:
		return m.Notification.Method()
	default:
		return ""
	}
}

func (m Message[P, NP, R]) String() string {
	switch m.Kind {
	case KindRequest:
		return fmt.Sprintf("request(id=%d, method=%s)", m.ID, m.Params.Method())
	case KindResponse:
		if m.Error != nil {
			return fmt.Sprintf("response(id=%d, error=%q)", m.ID, *m.Error)
		}
		return fmt.Sprintf("response(id=%d, results=%t)", m.ID, m.HasResults)
	case KindNotification:
		return fmt.Sprintf("notification(method=%s)", m.Notification.Method())
	default:
		return m.Kind.String()
	}
}

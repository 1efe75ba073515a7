package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParentFrame addresses the relay peer that embeds the current frame.
const ParentFrame = ".."

// Kind tags the variant carried by an Envelope.
type Kind string

const (
	KindNotify   Kind = "notify"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Envelope is the unit that crosses a frame boundary.
type Envelope struct {
	Kind      Kind              `json:"kind"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *WireError        `json:"error,omitempty"`
	Token     string            `json:"token,omitempty"`
}

// WireError is the serialized form of an Error.
type WireError struct {
	Category string `json:"category"`
	Message  string `json:"message,omitempty"`
}

func (w *WireError) err() *Error {
	if w == nil {
		return &Error{Category: CategoryHandlerException}
	}
	return &Error{Category: w.Category, Detail: w.Message}
}

// NewNotify builds a fire-and-forget envelope.
func NewNotify(procedure string, args ...any) (Envelope, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindNotify, Procedure: procedure, Args: encoded}, nil
}

// NewRequest builds an envelope whose reply is correlated by callID.
func NewRequest(callID string, procedure string, args ...any) (Envelope, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindRequest, Procedure: procedure, CallID: callID, Args: encoded}, nil
}

func newResponse(callID string, value any) (Envelope, error) {
	result, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, newErrorf(CategorySerializationError, "result: %v", err)
	}
	return Envelope{Kind: KindResponse, CallID: callID, Result: result}, nil
}

func newErrorEnvelope(callID string, err error) Envelope {
	wire := &WireError{Category: CategoryFromError(err)}
	var categorized *Error
	if errors.As(err, &categorized) {
		wire.Message = categorized.Detail
	} else if err != nil {
		wire.Message = err.Error()
	}
	return Envelope{Kind: KindError, CallID: callID, Error: wire}
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}

	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, newErrorf(CategorySerializationError, "argument %d: %v", i, err)
		}
		encoded[i] = raw
	}
	return encoded, nil
}

// Encode serializes an envelope for a port.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, newErrorf(CategorySerializationError, "envelope: %v", err)
	}
	return data, nil
}

// Decode parses and validates an envelope received from a port.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, newErrorf(CategorySerializationError, "envelope: %v", err)
	}

	switch env.Kind {
	case KindNotify:
		if env.Procedure == "" {
			return Envelope{}, newErrorf(CategorySerializationError, "notify without procedure")
		}
	case KindRequest:
		if env.Procedure == "" || env.CallID == "" {
			return Envelope{}, newErrorf(CategorySerializationError, "request needs procedure and call_id")
		}
	case KindResponse, KindError:
		if env.CallID == "" {
			return Envelope{}, newErrorf(CategorySerializationError, "%s without call_id", env.Kind)
		}
	default:
		return Envelope{}, newErrorf(CategorySerializationError, "unknown kind %q", env.Kind)
	}

	return env, nil
}

// Args is the ordered argument list of one call.
type Args []json.RawMessage

func (a Args) Len() int { return len(a) }

// Expect fails with a handler exception unless exactly n arguments were passed.
func (a Args) Expect(n int) error {
	if len(a) != n {
		return newErrorf(CategoryHandlerException, "expected %d arguments, got %d", n, len(a))
	}
	return nil
}

// AtLeast fails with a handler exception when fewer than n arguments were passed.
func (a Args) AtLeast(n int) error {
	if len(a) < n {
		return newErrorf(CategoryHandlerException, "expected at least %d arguments, got %d", n, len(a))
	}
	return nil
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return newErrorf(CategoryHandlerException, "argument %d missing", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return newErrorf(CategoryHandlerException, "argument %d: %v", i, err)
	}
	return nil
}

// String returns argument i as a string. JSON null becomes "".
func (a Args) String(i int) (string, error) {
	var s *string
	if err := a.Decode(i, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// Values decodes every argument into its generic JSON form.
func (a Args) Values() ([]any, error) {
	values := make([]any, len(a))
	for i := range a {
		if err := a.Decode(i, &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (e Envelope) String() string {
	switch e.Kind {
	case KindNotify, KindRequest:
		return fmt.Sprintf("%s %s(%d args) %s", e.Kind, e.Procedure, len(e.Args), e.CallID)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.CallID)
	}
}

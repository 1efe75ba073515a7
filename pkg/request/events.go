package request

import (
	"encoding/json"
	"time"
)

// Keys are the event bus keys of one request type.
type Keys struct {
	Success    string
	Error      string
	BeforeSend string
	Complete   string
}

// KeysFor derives the event keys for a request name.
func KeysFor(name string) Keys {
	return Keys{
		Success:    name + ".success",
		Error:      name + ".error",
		BeforeSend: name + ".beforeSend",
		Complete:   name + ".complete",
	}
}

// SuccessEvent carries a response payload. FromCache marks payloads served
// from the cache rather than the network.
type SuccessEvent struct {
	Request   string
	Response  json.RawMessage
	FromCache bool
	Params    Params
}

// Decode unmarshals the response payload into v.
func (e SuccessEvent) Decode(v any) error {
	return json.Unmarshal(e.Response, v)
}

// ErrorEvent carries a failed request.
type ErrorEvent struct {
	Request string
	Status  int
	Err     error
	Params  Params
}

// StatusEvent is published on beforeSend and complete. Status, Err and
// Duration are only set on complete.
type StatusEvent struct {
	Request  string
	Method   string
	Params   Params
	Status   int
	Err      error
	Duration time.Duration
}

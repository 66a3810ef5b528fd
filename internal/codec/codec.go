// Package codec defines the narrow boundary between the Dispatch Pipeline
// and the upstream wire format. The upstream binary/event schema itself is
// out of scope here; this package only fixes the shape a Decoder must
// produce so the pipeline never depends on the concrete format.
package codec

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	KindText       EventKind = "text"
	KindToolCall   EventKind = "tool_call"
	KindMeta       EventKind = "meta"
	KindEnd        EventKind = "end"
	KindErr        EventKind = "error"
)

// Event is one decoded unit of an upstream response stream.
type Event struct {
	Kind  EventKind
	Text  string
	Raw   []byte
	Err   error
}

// Decoder turns a raw upstream frame (one SSE "data:" line payload, or one
// binary frame body) into zero or more Events. Implementations are supplied
// by the upstream protocol integration this module depends on; this
// package ships only a reference JSON-over-SSE decoder used by tests and by
// adapters that talk to a plain JSON-streaming backend.
type Decoder interface {
	Decode(frame []byte) ([]Event, error)
}

// Encoder turns a normalized outbound request into the bytes the Upstream
// Transport writes on the wire.
type Encoder interface {
	Encode(model string, payload map[string]any) ([]byte, error)
}

// Codec pairs an Encoder and Decoder for one upstream wire format.
type Codec interface {
	Encoder
	Decoder
}

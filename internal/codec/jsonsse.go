package codec

import (
	"encoding/json"
)

// JSONSSE is a reference Codec that encodes requests as plain JSON and
// decodes each SSE "data:" payload as a JSON object carrying either a
// "text", "tool_call", or "error" field. It grounds the narrow Codec
// interface with something the test suite and the bundled adapters can
// exercise without a real upstream; production deployments supply their
// own Codec for the actual wire format.
type JSONSSE struct{}

type jsonSSEFrame struct {
	Text     string          `json:"text,omitempty"`
	ToolCall json.RawMessage `json:"tool_call,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Encode marshals model+payload into a single JSON object.
func (JSONSSE) Encode(model string, payload map[string]any) ([]byte, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["model"] = model
	return json.Marshal(out)
}

// Decode parses one SSE data payload into zero or one Events.
func (JSONSSE) Decode(frame []byte) ([]Event, error) {
	var f jsonSSEFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, err
	}
	switch {
	case f.Error != "":
		return []Event{{Kind: KindErr, Text: f.Error}}, nil
	case f.Done:
		return []Event{{Kind: KindEnd}}, nil
	case len(f.ToolCall) > 0:
		return []Event{{Kind: KindToolCall, Raw: f.ToolCall}}, nil
	default:
		return []Event{{Kind: KindText, Text: f.Text}}, nil
	}
}

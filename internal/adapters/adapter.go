// Package adapters translates one client-facing wire protocol (OpenAI,
// Anthropic, Gemini-compatible) into the Dispatch Pipeline's normalized
// request/event shape and back. Each protocol's exact JSON schema lives in
// its own file; this file only fixes the shared contract.
package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/requestlog"
)

// Dispatcher is the subset of the Dispatch Pipeline an adapter depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, model string, payload map[string]any) (*dispatch.Result, error)
}

// Adapter normalizes one protocol's inbound request, drives a Dispatcher,
// and renders the outbound response in that protocol's shape.
type Adapter interface {
	// Name identifies the protocol for logging ("openai", "anthropic", "gemini").
	Name() string

	// ServeChat handles one inbound completion/messages request end to end:
	// decode body, dispatch, stream or buffer the response.
	ServeChat(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher)
}

// WriteError renders a minimal JSON error envelope. Protocol adapters wrap
// this with their own error-shape conventions where the upstream API
// requires one.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":` + jsonQuote(message) + `}}`))
}

// recordOutcome writes one entry to rl describing a completed Dispatch call.
// rl may be nil, in which case it is a no-op — request logging is optional
// wiring, not load-bearing for any adapter.
func recordOutcome(rl *requestlog.Logger, protocol, model string, accountID int64, status int, start time.Time, err error) {
	if rl == nil {
		return
	}
	var errText string
	if err != nil {
		errText = err.Error()
	}
	rl.Record(requestlog.Entry{
		Protocol:   protocol,
		Model:      model,
		AccountID:  accountID,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      errText,
	})
}

func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, []byte(string(r))...)
		}
	}
	out = append(out, '"')
	return string(out)
}

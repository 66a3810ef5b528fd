package adapters

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/requestlog"
)

// Anthropic renders /v1/messages responses in Claude's wire shape.
type Anthropic struct {
	Requests *requestlog.Logger
}

func (Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model    string           `json:"model"`
	Stream   bool             `json:"stream"`
	Messages []map[string]any `json:"messages"`
}

type anthropicSSEEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index,omitempty"`
	Delta        map[string]any `json:"delta,omitempty"`
	ContentBlock map[string]any `json:"content_block,omitempty"`
	Message      map[string]any `json:"message,omitempty"`
}

func (a Anthropic) ServeChat(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload := map[string]any{"messages": req.Messages}
	res, err := dispatcher.Dispatch(r.Context(), req.Model, payload)
	if err != nil {
		status := statusFor(err)
		recordOutcome(a.Requests, "anthropic", req.Model, 0, status, start, err)
		WriteError(w, status, err.Error())
		return
	}
	recordOutcome(a.Requests, "anthropic", req.Model, res.AccountID, http.StatusOK, start, nil)

	id := "msg_" + uuid.New().String()
	if req.Stream {
		a.stream(w, id, req.Model, res)
	} else {
		a.buffer(w, id, req.Model, res)
	}
}

func (a Anthropic) stream(w http.ResponseWriter, id, model string, res *dispatch.Result) {
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	writeAnthropicEvent(w, "message_start", anthropicSSEEvent{
		Type:    "message_start",
		Message: map[string]any{"id": id, "model": model, "role": "assistant"},
	})
	writeAnthropicEvent(w, "content_block_start", anthropicSSEEvent{
		Type: "content_block_start", Index: 0, ContentBlock: map[string]any{"type": "text", "text": ""},
	})

	for ev := range res.Response.Events {
		switch ev.Kind {
		case codec.KindErr:
			log.Printf("⚠️ anthropic adapter: stream event error: %v", ev.Err)
			continue
		case codec.KindText:
			writeAnthropicEvent(w, "content_block_delta", anthropicSSEEvent{
				Type: "content_block_delta", Index: 0, Delta: map[string]any{"type": "text_delta", "text": ev.Text},
			})
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeAnthropicEvent(w, "content_block_stop", anthropicSSEEvent{Type: "content_block_stop", Index: 0})
	writeAnthropicEvent(w, "message_delta", anthropicSSEEvent{Type: "message_delta", Delta: map[string]any{"stop_reason": "end_turn"}})
	writeAnthropicEvent(w, "message_stop", anthropicSSEEvent{Type: "message_stop"})
	if flusher != nil {
		flusher.Flush()
	}
}

func (a Anthropic) buffer(w http.ResponseWriter, id, model string, res *dispatch.Result) {
	var text string
	for ev := range res.Response.Events {
		if ev.Kind == codec.KindText {
			text += ev.Text
		}
	}
	resp := map[string]any{
		"id":    id,
		"model": model,
		"role":  "assistant",
		"type":  "message",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeAnthropicEvent(w http.ResponseWriter, event string, payload anthropicSSEEvent) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

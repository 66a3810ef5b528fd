package adapters

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/requestlog"
)

// OpenAI renders chat-completion responses in OpenAI's wire shape. Requests
// may be left nil to skip admin request logging.
type OpenAI struct {
	Requests *requestlog.Logger
}

func (OpenAI) Name() string { return "openai" }

type openAIChatRequest struct {
	Model    string           `json:"model"`
	Stream   bool             `json:"stream"`
	Messages []map[string]any `json:"messages"`
}

type openAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string          `json:"model"`
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta,omitempty"`
	Message      map[string]any `json:"message,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

// ServeChat implements Adapter.
func (a OpenAI) ServeChat(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req openAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload := map[string]any{"messages": req.Messages}
	res, err := dispatcher.Dispatch(r.Context(), req.Model, payload)
	if err != nil {
		status := statusFor(err)
		recordOutcome(a.Requests, "openai", req.Model, 0, status, start, err)
		WriteError(w, status, err.Error())
		return
	}
	recordOutcome(a.Requests, "openai", req.Model, res.AccountID, http.StatusOK, start, nil)

	id := "chatcmpl-" + uuid.New().String()
	if req.Stream {
		a.stream(w, id, req.Model, res)
	} else {
		a.buffer(w, id, req.Model, res)
	}
}

func (a OpenAI) stream(w http.ResponseWriter, id, model string, res *dispatch.Result) {
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	for ev := range res.Response.Events {
		switch ev.Kind {
		case codec.KindErr:
			log.Printf("⚠️ openai adapter: stream event error: %v", ev.Err)
			continue
		case codec.KindText:
			chunk := openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChoice{
				{Delta: map[string]any{"content": ev.Text}},
			}}
			writeSSE(w, chunk)
		case codec.KindEnd:
			reason := "stop"
			chunk := openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChoice{
				{FinishReason: &reason},
			}}
			writeSSE(w, chunk)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func (a OpenAI) buffer(w http.ResponseWriter, id, model string, res *dispatch.Result) {
	var text string
	for ev := range res.Response.Events {
		if ev.Kind == codec.KindText {
			text += ev.Text
		}
	}
	reason := "stop"
	resp := openAIChunk{ID: id, Object: "chat.completion", Model: model, Choices: []openAIChoice{
		{Message: map[string]any{"role": "assistant", "content": text}, FinishReason: &reason},
	}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrAuthFailed):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrUpstreamRejected):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrUpstreamUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

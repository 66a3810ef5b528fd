package adapters

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/requestlog"
)

// Gemini renders generateContent/streamGenerateContent responses in the
// GenAI-compatible wire shape. The model name travels in the URL path
// rather than the JSON body, per the upstream's {model}:generateContent
// route convention.
type Gemini struct {
	Requests *requestlog.Logger
}

func (Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []map[string]any `json:"contents"`
}

type geminiCandidate struct {
	Content      map[string]any `json:"content"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

func (a Gemini) ServeChat(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher) {
	start := time.Now()
	model := chi.URLParam(r, "model")
	stream := strings.HasSuffix(r.URL.Path, "streamGenerateContent")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload := map[string]any{"contents": req.Contents}
	res, err := dispatcher.Dispatch(r.Context(), model, payload)
	if err != nil {
		status := statusFor(err)
		recordOutcome(a.Requests, "gemini", model, 0, status, start, err)
		WriteError(w, status, err.Error())
		return
	}
	recordOutcome(a.Requests, "gemini", model, res.AccountID, http.StatusOK, start, nil)

	if stream {
		a.stream(w, res)
	} else {
		a.buffer(w, res)
	}
}

func (a Gemini) stream(w http.ResponseWriter, res *dispatch.Result) {
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	for ev := range res.Response.Events {
		switch ev.Kind {
		case codec.KindErr:
			log.Printf("⚠️ gemini adapter: stream event error: %v", ev.Err)
			continue
		case codec.KindText:
			chunk := geminiResponse{Candidates: []geminiCandidate{
				{Content: map[string]any{"role": "model", "parts": []map[string]any{{"text": ev.Text}}}},
			}}
			writeSSE(w, chunk)
		case codec.KindEnd:
			chunk := geminiResponse{Candidates: []geminiCandidate{{FinishReason: "STOP"}}}
			writeSSE(w, chunk)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a Gemini) buffer(w http.ResponseWriter, res *dispatch.Result) {
	var text string
	for ev := range res.Response.Events {
		if ev.Kind == codec.KindText {
			text += ev.Text
		}
	}
	resp := geminiResponse{Candidates: []geminiCandidate{
		{Content: map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}, FinishReason: "STOP"},
	}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

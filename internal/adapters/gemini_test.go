package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wirepool/tokengate/internal/dispatch"
)

func newGeminiRequest(method, path, body, model string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("model", model)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGeminiServeChatBufferedOnGenerateContent(t *testing.T) {
	fake := &fakeDispatcher{result: newFakeResult(textThenEnd("hello gemini")...)}
	req := newGeminiRequest("POST", "/genai/v1beta/models/gemini-1.5-pro:generateContent", `{"contents":[]}`, "gemini-1.5-pro")
	w := httptest.NewRecorder()

	Gemini{}.ServeChat(w, req, fake)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp geminiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, w.Body.String())
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("unexpected candidates: %+v", resp.Candidates)
	}
}

func TestGeminiServeChatStreamsOnStreamGenerateContent(t *testing.T) {
	fake := &fakeDispatcher{result: newFakeResult(textThenEnd("hi")...)}
	req := newGeminiRequest("POST", "/genai/v1beta/models/gemini-1.5-pro:streamGenerateContent", `{"contents":[]}`, "gemini-1.5-pro")
	w := httptest.NewRecorder()

	Gemini{}.ServeChat(w, req, fake)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"text":"hi"`) {
		t.Fatalf("expected a text part in stream, got: %s", body)
	}
	if !strings.Contains(body, `"finishReason":"STOP"`) {
		t.Fatalf("expected a STOP finishReason chunk, got: %s", body)
	}
}

func TestGeminiServeChatMapsDispatchErrorToStatus(t *testing.T) {
	fake := &fakeDispatcher{err: dispatch.ErrUpstreamUnreachable}
	req := newGeminiRequest("POST", "/genai/v1beta/models/gemini-1.5-pro:generateContent", `{"contents":[]}`, "gemini-1.5-pro")
	w := httptest.NewRecorder()

	Gemini{}.ServeChat(w, req, fake)

	if w.Code != 503 {
		t.Fatalf("status = %d, want 503 for ErrUpstreamUnreachable", w.Code)
	}
}

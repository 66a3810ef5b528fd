package adapters

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wirepool/tokengate/internal/dispatch"
)

func TestAnthropicServeChatBuffered(t *testing.T) {
	fake := &fakeDispatcher{result: newFakeResult(textThenEnd("hello claude")...)}
	req := httptest.NewRequest("POST", "/anthropic/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet-latest","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()

	Anthropic{}.ServeChat(w, req, fake)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, w.Body.String())
	}
	if resp["type"] != "message" {
		t.Fatalf("type = %v, want message", resp["type"])
	}
	content, ok := resp["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("unexpected content: %+v", resp["content"])
	}
	block := content[0].(map[string]any)
	if block["text"] != "hello claude" {
		t.Fatalf("text = %v, want hello claude", block["text"])
	}
}

func TestAnthropicServeChatStreamingEmitsFullEventSequence(t *testing.T) {
	fake := &fakeDispatcher{result: newFakeResult(textThenEnd("hi")...)}
	req := httptest.NewRequest("POST", "/anthropic/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet-latest","stream":true,"messages":[]}`))
	w := httptest.NewRecorder()

	Anthropic{}.ServeChat(w, req, fake)

	body := w.Body.String()
	for _, want := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in stream, got: %s", want, body)
		}
	}
}

func TestAnthropicServeChatMapsDispatchErrorToStatus(t *testing.T) {
	fake := &fakeDispatcher{err: dispatch.ErrAuthFailed}
	req := httptest.NewRequest("POST", "/anthropic/v1/messages", strings.NewReader(`{"model":"claude-3-5-sonnet-latest","messages":[]}`))
	w := httptest.NewRecorder()

	Anthropic{}.ServeChat(w, req, fake)

	if w.Code != 502 {
		t.Fatalf("status = %d, want 502 for ErrAuthFailed", w.Code)
	}
}

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wirepool/tokengate/internal/codec"
)

func TestSendFallsBackPastRateLimitedEndpoint(t *testing.T) {
	var secondHit bool
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer failing.Close()

	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHit = true
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"text\":\"hi\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"done\":true}\n\n"))
	}))
	defer working.Close()

	c := NewClient([]string{failing.URL, working.URL}, 5*time.Second)
	res, err := c.Send(context.Background(), "token", []byte("{}"), codec.JSONSSE{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !secondHit {
		t.Fatal("expected fallback to reach the second endpoint")
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Response.StatusCode)
	}

	var sawText, sawEnd bool
	for ev := range res.Events {
		switch ev.Kind {
		case codec.KindText:
			sawText = true
		case codec.KindEnd:
			sawEnd = true
		}
	}
	if !sawText || !sawEnd {
		t.Fatalf("expected a text event and an end event, sawText=%v sawEnd=%v", sawText, sawEnd)
	}
}

func TestSendReturnsClosedStreamOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, 5*time.Second)
	res, err := c.Send(context.Background(), "token", []byte("{}"), codec.JSONSSE{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.Response.StatusCode)
	}
	if _, ok := <-res.Events; ok {
		t.Fatal("expected an already-closed events channel")
	}
	if string(res.Body) != `{"error":"invalid_token"}` {
		t.Fatalf("body = %q, want the response payload", res.Body)
	}
}

func TestSendCapturesQuotaExhaustedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"No remaining quota for this account"}`))
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, 5*time.Second)
	res, err := c.Send(context.Background(), "token", []byte("{}"), codec.JSONSSE{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Body) == 0 {
		t.Fatal("expected a non-empty body for classification")
	}
}

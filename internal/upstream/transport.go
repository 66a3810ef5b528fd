// Package upstream is the single channel through which the gateway talks to
// the upstream service. The Dispatch Pipeline is the only caller; no
// protocol adapter may hold a *Client directly.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/wirepool/tokengate/internal/codec"
)

// DefaultUserAgent identifies this gateway to the upstream service.
const DefaultUserAgent = "tokengate/1.0"

// Client issues streaming requests against a prioritized list of upstream
// base URLs, falling back to the next URL on rate-limit/forbidden/5xx
// responses.
type Client struct {
	httpClient *http.Client
	baseURLs   []string
	userAgent  string
}

// NewClient builds a Client. baseURLs are tried in order; at least one is
// required.
func NewClient(baseURLs []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURLs:   baseURLs,
		userAgent:  DefaultUserAgent,
	}
}

// StreamResult is what Send hands back to the Dispatch Pipeline: the raw
// HTTP response (for status/header inspection and retry-delay parsing) plus
// a lazily-read channel of decoded events.
type StreamResult struct {
	Response *http.Response
	Events   <-chan codec.Event
	// Body holds the fully-read response body for non-200 responses, so the
	// Dispatch Pipeline can classify the failure (quota text, retry-delay
	// JSON) without the connection staying open. Empty for 200 responses,
	// whose body is instead streamed lazily through Events.
	Body []byte
}

// Send issues one streaming POST with fallback across c.baseURLs, decoding
// the SSE body through dec as it arrives. The returned channel is closed
// when the stream ends or ctx is cancelled; cancellation frees the
// underlying connection within one scanner read.
func (c *Client) Send(ctx context.Context, accessToken string, payload []byte, dec codec.Decoder) (*StreamResult, error) {
	resp, err := c.doRequestWithFallback(ctx, accessToken, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("upstream: read response body: %w", readErr)
		}
		return &StreamResult{Response: resp, Events: closedEventChan(), Body: body}, nil
	}

	events := make(chan codec.Event, 16)
	go streamDecode(ctx, resp.Body, dec, events)
	return &StreamResult{Response: resp, Events: events}, nil
}

func closedEventChan() <-chan codec.Event {
	ch := make(chan codec.Event)
	close(ch)
	return ch
}

// streamDecode reads resp.Body line by line, decoding each SSE "data:"
// payload through dec, emitting events until EOF, ctx cancellation, or a
// scanner error. Adapted from the SSE consumption loop used to merge
// streaming chunks for non-streaming callers.
func streamDecode(ctx context.Context, body io.ReadCloser, dec codec.Decoder, out chan<- codec.Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		events, err := dec.Decode([]byte(data))
		if err != nil {
			select {
			case out <- codec.Event{Kind: codec.KindErr, Err: err}:
			case <-ctx.Done():
			}
			continue
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == codec.KindEnd {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case out <- codec.Event{Kind: codec.KindErr, Err: err}:
		case <-ctx.Done():
		}
	}
}

// doRequestWithFallback tries every base URL in order, advancing past
// rate-limited/forbidden/5xx responses and returning immediately on success
// or on any other terminal status.
func (c *Client) doRequestWithFallback(ctx context.Context, accessToken string, payload []byte) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for i, base := range c.baseURLs {
		resp, err := c.doRequest(ctx, base, accessToken, payload)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ upstream endpoint %d (%s) failed: %v", i+1, base, err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if i > 0 {
				log.Printf("✅ upstream fallback to endpoint %d succeeded", i+1)
			}
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
			log.Printf("⚠️ upstream endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			lastResp = resp
			lastErr = fmt.Errorf("endpoint %d returned %d", i+1, resp.StatusCode)
			continue
		}

		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, baseURL, accessToken string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	return resp, nil
}

// CopyStream relays a raw upstream response to w, flushing after every
// chunk when w supports http.Flusher, without passing through the codec. No
// route in this module calls it.
func CopyStream(w http.ResponseWriter, resp *http.Response) error {
	for k, values := range resp.Header {
		canonical := http.CanonicalHeaderKey(k)
		if skipResponseHeader(canonical) {
			continue
		}
		for _, v := range values {
			w.Header().Add(canonical, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	flusher, canFlush := w.(http.Flusher)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func skipResponseHeader(header string) bool {
	switch header {
	case "Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding", "Te", "Trailer", "Upgrade",
		"Proxy-Authenticate", "Proxy-Authorization":
		return true
	default:
		return false
	}
}

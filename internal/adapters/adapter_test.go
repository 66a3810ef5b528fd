package adapters

import (
	"context"
	"net/http"

	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/dispatch"
	"github.com/wirepool/tokengate/internal/upstream"
)

// fakeDispatcher satisfies Dispatcher with a canned result or error, letting
// each adapter's ServeChat be exercised without a real pool or upstream.
type fakeDispatcher struct {
	result *dispatch.Result
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, model string, payload map[string]any) (*dispatch.Result, error) {
	return f.result, f.err
}

func newFakeResult(events ...codec.Event) *dispatch.Result {
	ch := make(chan codec.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &dispatch.Result{
		AccountID: 1,
		Response: &upstream.StreamResult{
			Response: &http.Response{StatusCode: http.StatusOK},
			Events:   ch,
		},
	}
}

func textThenEnd(text string) []codec.Event {
	return []codec.Event{
		{Kind: codec.KindText, Text: text},
		{Kind: codec.KindEnd},
	}
}

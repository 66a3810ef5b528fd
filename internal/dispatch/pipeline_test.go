package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wirepool/tokengate/internal/account"
	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/upstream"
)

func testJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test jwt: %v", err)
	}
	return signed
}

var testDBCounter int

func newTestStore(t *testing.T) *account.Store {
	t.Helper()
	box, err := account.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	testDBCounter++
	dsn := fmt.Sprintf("file:dispatch-test-%d?mode=memory&cache=shared", testDBCounter)
	store, err := account.Open(dsn, box)
	if err != nil {
		t.Fatalf("account.Open: %v", err)
	}
	return store
}

func TestDispatchSucceedsOnFirstAccount(t *testing.T) {
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer refresh.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"text\":\"hello\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"done\":true}\n\n"))
	}))
	defer up.Close()

	store := newTestStore(t)
	if _, err := store.Insert("refresh-token", "only"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher(refresh.URL, 5*time.Second)
	transport := upstream.NewClient([]string{up.URL}, 5*time.Second)

	p := New(store, selector, refresher, transport, codec.JSONSSE{}, nil, Config{})

	res, err := p.Dispatch(context.Background(), "gpt-4o", map[string]any{"messages": []string{"hi"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.AccountID == 0 {
		t.Fatal("expected a non-zero account id")
	}

	var text string
	for ev := range res.Response.Events {
		if ev.Kind == codec.KindText {
			text += ev.Text
		}
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
}

func TestDispatchReturnsErrUnavailableWithEmptyPool(t *testing.T) {
	store := newTestStore(t)
	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher("http://unused.invalid", time.Second)
	transport := upstream.NewClient([]string{"http://unused.invalid"}, time.Second)

	p := New(store, selector, refresher, transport, codec.JSONSSE{}, nil, Config{})

	if _, err := p.Dispatch(context.Background(), "gpt-4o", map[string]any{}); err != ErrUnavailable {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestDispatchReturnsErrAuthFailedWhenRefreshIsPermanentlyRejected(t *testing.T) {
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer refresh.Close()

	store := newTestStore(t)
	if _, err := store.Insert("refresh-token", "only"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher(refresh.URL, 5*time.Second)
	transport := upstream.NewClient([]string{"http://unused.invalid"}, time.Second)

	p := New(store, selector, refresher, transport, codec.JSONSSE{}, nil, Config{MaxAccountsPerRequest: 1})

	if _, err := p.Dispatch(context.Background(), "gpt-4o", map[string]any{}); err != ErrAuthFailed {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestDispatchRefreshesAndRetriesSameAccountOnJWTExpiry(t *testing.T) {
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fmt.Sprintf(`{"access_token":%q,"expires_in":3600}`, testJWT(t, time.Now().Add(time.Hour)))))
	}))
	defer refresh.Close()

	var calls int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"text\":\"hello\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"done\":true}\n\n"))
	}))
	defer up.Close()

	store := newTestStore(t)
	acct, err := store.Insert("refresh-token", "only")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	expired := testJWT(t, time.Now().Add(-time.Hour))
	farFuture := time.Now().Add(time.Hour)
	if err := store.Update(acct.ID, account.Patch{
		AccessToken:       &expired,
		AccessTokenExpiry: &farFuture,
	}, account.ActorRuntime, "test", "setup"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher(refresh.URL, 5*time.Second)
	transport := upstream.NewClient([]string{up.URL}, 5*time.Second)

	p := New(store, selector, refresher, transport, codec.JSONSSE{}, nil, Config{MaxAccountsPerRequest: 1})

	res, err := p.Dispatch(context.Background(), "gpt-4o", map[string]any{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.AccountID != acct.ID {
		t.Fatalf("account id = %d, want %d (same account retried, not excluded)", res.AccountID, acct.ID)
	}
	if calls != 2 {
		t.Fatalf("upstream calls = %d, want 2 (initial 401 then retry after refresh)", calls)
	}
}

func TestDispatchRecordsQuotaExhaustedFromResponseBody(t *testing.T) {
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fmt.Sprintf(`{"access_token":%q,"expires_in":3600}`, testJWT(t, time.Now().Add(time.Hour)))))
	}))
	defer refresh.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"No remaining quota for this account"}`))
	}))
	defer up.Close()

	store := newTestStore(t)
	if _, err := store.Insert("refresh-token", "only"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	locks := account.NewLockTable()
	selector := account.NewSelector(store, locks)
	refresher := account.NewRefresher(refresh.URL, 5*time.Second)
	transport := upstream.NewClient([]string{up.URL}, 5*time.Second)

	p := New(store, selector, refresher, transport, codec.JSONSSE{}, nil, Config{MaxAccountsPerRequest: 1})

	if _, err := p.Dispatch(context.Background(), "gpt-4o", map[string]any{}); err != ErrUpstreamRejected {
		t.Fatalf("got %v, want ErrUpstreamRejected", err)
	}

	accounts, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Status != account.StatusQuotaExhausted {
		t.Fatalf("account status = %+v, want quota_exhausted", accounts)
	}
}

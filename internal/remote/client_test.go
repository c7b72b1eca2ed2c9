package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydraft/internal/relayhub"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/entities/note" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"n1","revision":"1"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	result, err := client.Create(context.Background(), "note", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if result.ID != "n1" || result.Revision != "1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientGivesUpAfterRetryBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	client.baseDelay = time.Millisecond
	_, err := client.Create(context.Background(), "note", json.RawMessage(`{}`))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("5xx must not be permanent")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 1 call plus 3 retries, got %d", got)
	}
}

func TestHTTPClientAgainstRelayHub(t *testing.T) {
	server := httptest.NewServer(relayhub.NewServer())
	defer server.Close()
	client := NewHTTPClient(server.URL, "", server.Client())
	ctx := context.Background()

	created, err := client.Create(ctx, "note", json.RawMessage(`{"title":"first"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Revision != "1" {
		t.Fatalf("unexpected create result %+v", created)
	}

	updated, err := client.Update(ctx, "note", created.ID, json.RawMessage(`{"title":"second","revision":"1"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Revision != "2" {
		t.Fatalf("expected revision 2, got %q", updated.Revision)
	}

	_, err = client.Update(ctx, "note", created.ID, json.RawMessage(`{"title":"stale","revision":1}`))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale revision, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.CurrentRevision != "2" || conflict.ExpectedRevision != "1" {
		t.Fatalf("unexpected conflict detail %+v", conflict)
	}
	if !IsPermanent(err) {
		t.Fatalf("conflicts are permanent")
	}

	if err := client.Delete(ctx, "note", created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = client.Delete(ctx, "note", created.ID)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("expected 404 not_found on second delete, got %v", err)
	}
}

func TestHTTPClientValidatesInput(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", nil)
	if _, err := client.Create(context.Background(), " ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty entity type, got %v", err)
	}
	if _, err := client.Update(context.Background(), "note", "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
	if err := client.Delete(context.Background(), "note", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: refused"), false},
		{&HTTPError{StatusCode: 400}, true},
		{&HTTPError{StatusCode: 422}, true},
		{&HTTPError{StatusCode: 408}, false},
		{&HTTPError{StatusCode: 429}, false},
		{&HTTPError{StatusCode: 503}, false},
		{&ConflictError{Path: "/v1/entities/note/1"}, true},
	}
	for _, tc := range cases {
		if got := IsPermanent(tc.err); got != tc.want {
			t.Fatalf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After to win, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
}

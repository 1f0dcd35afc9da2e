package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailstackd/mailstackd/internal/store"
)

func TestDispatcher_NotifySuccess_PostsPayload(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{SuccessURL: srv.URL})
	msg := &store.QueuedMessage{ID: 7, From: "a@example.com", To: "b@example.org", Attempts: 0}

	d.NotifySuccess(t.Context(), msg, []Attempt{{Timestamp: time.Now(), Success: true, Response: "250 ok"}})

	if received.Event != "success" {
		t.Errorf("expected event=success, got %q", received.Event)
	}
	if received.Email.ID != 7 {
		t.Errorf("expected email id 7, got %d", received.Email.ID)
	}
}

func TestDispatcher_NotifyFailure_RetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{FailureURL: srv.URL, MaxRetries: 1})
	msg := &store.QueuedMessage{ID: 1, From: "a@example.com", To: "b@example.org", Attempts: 1}

	d.NotifyFailure(t.Context(), msg, []Attempt{{Timestamp: time.Now(), Err: errBoom}}, false)

	if atomic.LoadInt32(&calls) < 2 {
		t.Errorf("expected at least 2 attempts, got %d", calls)
	}
}

func TestDispatcher_NoURLConfigured_DoesNothing(t *testing.T) {
	d := NewDispatcher(Config{})
	msg := &store.QueuedMessage{ID: 1}
	d.NotifySuccess(t.Context(), msg, nil)
	d.NotifyFailure(t.Context(), msg, nil, true)
}

var errBoom = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "IntentArc/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                    { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("boom") }

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Event{Code: xerrors.CodeSubmissionFailed, RecordID: "r1", Message: "rejected"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := <-received
	if got.Code != xerrors.CodeSubmissionFailed || got.RecordID != "r1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	d := NewFanout(LogNotifier{}, failingNotifier{}, nil)
	if err := d.Notify(context.Background(), Event{Code: xerrors.CodeSubmissionFailed}); err == nil {
		t.Fatalf("expected joined error")
	}
	if err := NewFanout(LogNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

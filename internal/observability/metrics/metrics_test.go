package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"IntentArc/internal/gateway"
	"IntentArc/internal/txrecord"
)

var (
	_ gateway.Observer = (*Registry)(nil)
)

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.ObserveGatewayCall("Submit", 20*time.Millisecond, nil)
	m.ObserveGatewayCall("Submit", time.Second, errors.New("boom"))
	m.ObserveIntent("send", true)
	m.ObserveIntent("", false)
	m.ObserveProposal("send", "UNRESOLVED_RECIPIENT")
	m.ObserveSettlement(txrecord.Record{Action: "send", Status: gateway.StatusConfirmed})
	m.ObserveSettlement(txrecord.Record{Action: "send", Status: gateway.StatusPending, StatusUnknown: true})
	m.ObserveHTTPRequest("/api/v1/sessions/{id}/messages", "POST", 200, 15*time.Millisecond)
	m.SetActiveSessions(3)

	if got := testutil.ToFloat64(m.gatewayCalls.WithLabelValues("Submit", "error")); got != 1 {
		t.Fatalf("unexpected gateway error count %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("send", "unknown")); got != 1 {
		t.Fatalf("status-unknown settlements must be labelled, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 3 {
		t.Fatalf("unexpected gauge %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`intentarc_intents_total{action="send",result="accepted"} 1`,
		`intentarc_proposals_total{action="send",code="UNRESOLVED_RECIPIENT"} 1`,
		`intentarc_http_requests_total{code="200",handler="/api/v1/sessions/{id}/messages",method="POST"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveIntent("send", true)
	if got := testutil.ToFloat64(b.intents.WithLabelValues("send", "accepted")); got != 0 {
		t.Fatalf("registries share state: %v", got)
	}
}

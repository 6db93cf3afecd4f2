package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://localhost"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestGenerateRequestsJSONObject(t *testing.T) {
	var (
		auth string
		path string
		body completionRequest
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{{
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": " {\"action\":\"send\",\"amount\":\"50\"} "},
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 14},
		})
	})

	resp, err := client.Generate(context.Background(), llm.Request{
		System:   "extract the intent",
		Prompt:   "Send $50 to Alice",
		JSONOnly: true,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != `{"action":"send","amount":"50"}` || resp.Model != "gpt-test" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if auth != "Bearer test" || path != "/chat/completions" {
		t.Fatalf("unexpected request auth=%q path=%q", auth, path)
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Content != "Send $50 to Alice" {
		t.Fatalf("unexpected messages %+v", body.Messages)
	}
	if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
		t.Fatalf("json_object format not requested: %+v", body.ResponseFormat)
	}
	if body.MaxTokens != defaultMaxTokens || body.Model != defaultModel {
		t.Fatalf("defaults not applied: %+v", body)
	}
}

func TestGenerateOmitsSystemAndFormat(t *testing.T) {
	var body completionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "{}"}}},
		})
	})

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "balance"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Model != defaultModel {
		t.Fatalf("expected configured model fallback, got %q", resp.Model)
	}
	if len(body.Messages) != 1 || body.ResponseFormat != nil {
		t.Fatalf("unexpected request %+v", body)
	}
}

func TestGenerateStatusErrors(t *testing.T) {
	cases := []struct {
		status int
		want   xerrors.Code
	}{
		{http.StatusBadRequest, xerrors.CodeUnknown},
		{http.StatusTooManyRequests, xerrors.CodeTimeout},
		{http.StatusBadGateway, xerrors.CodeTimeout},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
		})
		_, err := client.Generate(context.Background(), llm.Request{Prompt: "test"})
		if xerrors.CodeOf(err) != tc.want {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.want, err)
		}
		e, _ := xerrors.From(err)
		md := e.Metadata()
		if md["detail"] != "model overloaded" {
			t.Fatalf("status %d: unexpected metadata %+v", tc.status, md)
		}
	}
}

func TestGenerateRejectsUnusableChoices(t *testing.T) {
	bodies := map[string]any{
		"empty":     map[string]any{"choices": []any{}},
		"truncated": map[string]any{"choices": []map[string]any{{"finish_reason": "length", "message": map[string]any{"content": "{\"act"}}}},
		"blank":     map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "  "}}}},
	}
	for name, payload := range bodies {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(payload)
		})
		_, err := client.Generate(context.Background(), llm.Request{Prompt: "test"})
		if xerrors.CodeOf(err) != xerrors.CodeParseFailed {
			t.Fatalf("%s: expected PARSE_FAILED, got %v", name, err)
		}
	}
}

var _ llm.Client = (*Client)(nil)

// Package intentarc is a small client for the IntentArc REST API. It has no
// dependencies outside the standard library so it can be vendored into any
// Go program that wants to drive a chat session.
package intentarc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the IntentArc API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Intent mirrors the structured meaning of a chat message.
type Intent struct {
	Action       string  `json:"action"`
	Amount       string  `json:"amount"`
	Token        string  `json:"token"`
	Recipient    string  `json:"recipient"`
	FromCurrency string  `json:"fromCurrency,omitempty"`
	ToCurrency   string  `json:"toCurrency,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// Transaction is a submitted transaction and its latest known status.
type Transaction struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	Hash             string    `json:"hash,omitempty"`
	Status           string    `json:"status"`
	StatusUnknown    bool      `json:"statusUnknown,omitempty"`
	Action           string    `json:"action"`
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient,omitempty"`
	RecipientAddress string    `json:"recipientAddress,omitempty"`
	Amount           string    `json:"amount"`
	Token            string    `json:"token"`
	ToToken          string    `json:"toToken,omitempty"`
	ExpectedAmount   string    `json:"expectedAmount,omitempty"`
	YieldEarned      string    `json:"yieldEarned,omitempty"`
	Confirmations    int       `json:"confirmations"`
	FailureCode      string    `json:"failureCode,omitempty"`
	FailureMessage   string    `json:"failureMessage,omitempty"`
	SubmittedAt      time.Time `json:"submittedAt"`
	SettledAt        time.Time `json:"settledAt,omitempty"`
}

// Settled reports whether the transaction reached a final outcome.
func (t Transaction) Settled() bool {
	return !t.SettledAt.IsZero()
}

// Reply is the answer to one chat round trip. Proposal is kept raw because
// its shape depends on the action.
type Reply struct {
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Text      string          `json:"text"`
	State     string          `json:"state"`
	Intent    *Intent         `json:"intent,omitempty"`
	Proposal  json.RawMessage `json:"proposal,omitempty"`
	Record    *Transaction    `json:"record,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
}

// Session is the read-only view of a chat session.
type Session struct {
	ID      string          `json:"id"`
	State   string          `json:"state"`
	Pending json.RawMessage `json:"pending,omitempty"`
	Last    *Transaction    `json:"lastRecord,omitempty"`
}

// ParseResult is returned by Parse.
type ParseResult struct {
	Intent   *Intent   `json:"intent,omitempty"`
	Accepted bool      `json:"accepted"`
	Error    *APIError `json:"error,omitempty"`
}

// APIError represents a coded failure reported by the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Family     string `json:"family,omitempty"`
	Message    string `json:"message"`
	Hint       string `json:"hint,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intentarc api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intentarc api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// OpenSession starts a session. Both arguments are optional: the server
// generates an ID and falls back to its default sender.
func (c *Client) OpenSession(ctx context.Context, sessionID, sender string) (Reply, error) {
	var reply Reply
	body := map[string]string{"sessionId": sessionID, "sender": sender}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, body, &reply)
	return reply, err
}

// Send posts one chat message. Business failures come back in Reply.Error
// with a nil error.
func (c *Client) Send(ctx context.Context, sessionID, text string) (Reply, error) {
	var reply Reply
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "messages"), nil, map[string]string{"text": text}, &reply)
	return reply, err
}

// Confirm submits the pending proposal.
func (c *Client) Confirm(ctx context.Context, sessionID string) (Reply, error) {
	var reply Reply
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "confirm"), nil, nil, &reply)
	return reply, err
}

// Cancel discards the pending proposal.
func (c *Client) Cancel(ctx context.Context, sessionID string) (Reply, error) {
	var reply Reply
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "cancel"), nil, nil, &reply)
	return reply, err
}

// Session fetches the current state of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, nil, &session)
	return session, err
}

// CloseSession ends a session on the server.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil, nil)
}

// Transaction fetches one transaction record by ID.
func (c *Client) Transaction(ctx context.Context, id string) (Transaction, error) {
	var tx Transaction
	err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, nil, &tx)
	return tx, err
}

// Transactions lists recent transactions, newest first. An empty sender
// lists all of them and limit <= 0 uses the server default.
func (c *Client) Transactions(ctx context.Context, sender string, limit int) ([]Transaction, error) {
	query := url.Values{}
	if sender != "" {
		query.Set("sender", sender)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Parse asks the server how it understands text without acting on it. A
// message that is not understood is reported through ParseResult.Accepted.
func (c *Client) Parse(ctx context.Context, text string) (ParseResult, error) {
	var result ParseResult
	err := c.do(ctx, http.MethodPost, "/api/v1/intents:parse", nil, map[string]string{"text": text}, &result)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return ParseResult{Error: apiErr}, nil
	}
	return result, err
}

// WaitSettled polls the session until its latest transaction settles or
// ctx is done.
func (c *Client) WaitSettled(ctx context.Context, sessionID string, interval time.Duration) (Transaction, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		session, err := c.Session(ctx, sessionID)
		if err != nil {
			return Transaction{}, err
		}
		if session.Last != nil && session.Last.Settled() {
			return *session.Last, nil
		}
		select {
		case <-ctx.Done():
			return Transaction{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sessionPath(id, action string) string {
	p := "/api/v1/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

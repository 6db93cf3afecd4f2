// Package api exposes the chat sessions, transaction records and intent
// parsing over a chi router, together with /healthz and /metrics.
package api

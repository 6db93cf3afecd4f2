// Package agent hosts the conversation pipeline. A Manager owns one
// orchestrator.Session per chat session and routes each message through the
// intent parser, the resolver and the session's confirmation state machine.
// Confirmation and cancellation words ("yes", "no", ...) are handled before
// parsing.
package agent

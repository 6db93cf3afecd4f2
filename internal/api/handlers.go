package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"IntentArc/internal/agent"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/intent"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/txrecord"
)

const maxBodyBytes = 64 << 10

type messageRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

type parseResponse struct {
	Intent   *intent.Intent   `json:"intent,omitempty"`
	Accepted bool             `json:"accepted"`
	Error    *agent.ErrorView `json:"error,omitempty"`
}

type errorResponse struct {
	Error *agent.ErrorView `json:"error"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply, err := s.agent.Open(req.SessionID, req.Sender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.agent.Snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.agent.CloseSession(chi.URLParam(r, "id")) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessage 的业务失败通过 Reply.Error 返回，HTTP 状态仍为 200。
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply, err := s.agent.Handle(r.Context(), agent.Message{
		SessionID: chi.URLParam(r, "id"),
		Sender:    req.Sender,
		Text:      req.Text,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	reply, err := s.agent.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, replyStatus(reply), reply)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reply, err := s.agent.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, replyStatus(reply), reply)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "transaction store is not configured"))
		return
	}
	filter := txrecord.Filter{Sender: r.URL.Query().Get("sender")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		filter.Limit = parsed
	}
	records, err := s.records.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []txrecord.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "transaction store is not configured"))
		return
	}
	rec, ok, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "transaction not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleParse 只做意图识别。无法识别时返回 422 与帮助信息。
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, accepted := s.agent.Parse(r.Context(), req.Text)
	if !accepted {
		view := agent.ErrorViewOf(xerrors.New(xerrors.CodeParseFailed, "message not understood"))
		view.Hint = intent.HelpMessage
		writeJSON(w, http.StatusUnprocessableEntity, parseResponse{Intent: in, Error: view})
		return
	}
	writeJSON(w, http.StatusOK, parseResponse{Intent: in, Accepted: true})
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
}

func replyStatus(reply *agent.Reply) int {
	if reply.Error == nil {
		return http.StatusOK
	}
	return statusFor(xerrors.Code(reply.Error.Code))
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidAmount:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, orchestrator.CodePendingExists, orchestrator.CodeSessionBusy, orchestrator.CodeNoPendingProposal:
		return http.StatusConflict
	case xerrors.CodeParseFailed, xerrors.CodeUnresolvedRecipient, xerrors.CodeUnsupportedPair,
		xerrors.CodeUnsupportedToken, xerrors.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case xerrors.CodeSubmissionFailed:
		return http.StatusBadGateway
	case xerrors.CodeGatewayUnavailable, orchestrator.CodeSessionClosed:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	view := agent.ErrorViewOf(err)
	writeJSON(w, statusFor(xerrors.Code(view.Code)), errorResponse{Error: view})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

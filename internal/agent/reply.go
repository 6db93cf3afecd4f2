package agent

import (
	"fmt"
	"strings"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/resolver"
)

// ReplyKind 区分回复的类型，客户端据此决定展示方式。
type ReplyKind string

const (
	ReplyWelcome   ReplyKind = "welcome"
	ReplyHelp      ReplyKind = "help"
	ReplyProposal  ReplyKind = "proposal"
	ReplyInfo      ReplyKind = "info"
	ReplySubmitted ReplyKind = "submitted"
	ReplyCancelled ReplyKind = "cancelled"
	ReplyError     ReplyKind = "error"
)

// ErrorView 是回复中携带的结构化错误。
type ErrorView struct {
	Code    string `json:"code"`
	Family  string `json:"family"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	// Retryable 为 true 时同一条指令稍后重发可能成功。
	Retryable bool `json:"retryable,omitempty"`
}

// Reply 是一次对话往返的结果。
type Reply struct {
	SessionID string               `json:"sessionId"`
	Kind      ReplyKind            `json:"kind"`
	Text      string               `json:"text"`
	State     orchestrator.State   `json:"state"`
	Intent    *intent.Intent       `json:"intent,omitempty"`
	Proposal  *resolver.Proposal   `json:"proposal,omitempty"`
	Record    *orchestrator.Record `json:"record,omitempty"`
	Error     *ErrorView           `json:"error,omitempty"`
}

// ErrorViewOf 把任意错误转换为带错误码的结构化视图。
func ErrorViewOf(err error) *ErrorView {
	coded := xerrors.Ensure(err, xerrors.CodeUnknown)
	return &ErrorView{
		Code:      string(coded.Code()),
		Family:    string(coded.Family()),
		Message:   coded.Message(),
		Hint:      coded.Hint(),
		Retryable: coded.Retryable(),
	}
}

func errorText(err error) string {
	coded := xerrors.Ensure(err, xerrors.CodeUnknown)
	switch coded.Code() {
	case orchestrator.CodeNoPendingProposal:
		return "There's nothing waiting for confirmation. Try: 'Send $50 to Alice'"
	case orchestrator.CodePendingExists:
		return "You already have a transaction waiting for confirmation. Reply yes or no first."
	case orchestrator.CodeSessionBusy:
		return "Your previous transaction is still being submitted. Please wait a moment."
	}
	if hint := coded.Hint(); hint != "" {
		return hint
	}
	return coded.Message()
}

func failureText(f *resolver.Failure) string {
	if f == nil {
		return ""
	}
	if f.Hint == "" {
		return f.Message
	}
	if f.Message == "" {
		return f.Hint
	}
	return fmt.Sprintf("%s %s", capitalizeFirst(f.Message)+".", f.Hint)
}

// SubmittedText 描述刚提交、尚在确认中的交易。
func SubmittedText(rec orchestrator.Record) string {
	return fmt.Sprintf("Transaction submitted! Hash: %s\nWaiting for confirmation…", rec.Hash)
}

// SettledText 描述交易的最终结果。
func SettledText(rec orchestrator.Record) string {
	switch {
	case rec.StatusUnknown:
		return fmt.Sprintf("I stopped tracking transaction %s before it settled (%s). Check a block explorer for its final status.",
			rec.Hash, rec.FailureMessage)
	case rec.Status == gateway.StatusConfirmed:
		return "Transaction confirmed! " + outcome(rec)
	case rec.Hash == "":
		return fmt.Sprintf("The transaction could not be submitted: %s. Nothing was sent.", rec.FailureMessage)
	default:
		return fmt.Sprintf("Transaction %s failed on chain. Nothing was sent.", rec.Hash)
	}
}

func outcome(rec orchestrator.Record) string {
	switch rec.Action {
	case string(intent.ActionConvert), string(intent.ActionSwap):
		return fmt.Sprintf("Converted %s %s to %s %s.", rec.Amount, rec.Token, rec.ExpectedAmount, rec.ToToken)
	case string(intent.ActionDeposit):
		return fmt.Sprintf("Deposited %s %s into savings.", rec.Amount, rec.Token)
	case string(intent.ActionWithdraw):
		if rec.YieldEarned != "" {
			return fmt.Sprintf("Withdrew %s %s from savings (yield earned: %s).", rec.Amount, rec.Token, rec.YieldEarned)
		}
		return fmt.Sprintf("Withdrew %s %s from savings.", rec.Amount, rec.Token)
	default:
		to := rec.Recipient
		if to == "" {
			to = rec.RecipientAddress
		}
		return fmt.Sprintf("Sent %s %s to %s.", rec.Amount, rec.Token, to)
	}
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

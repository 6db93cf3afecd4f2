package orchestrator

import xerrors "IntentArc/internal/errors"

// 会话状态机使用的错误码。
const (
	CodePendingExists     xerrors.Code = "PENDING_EXISTS"
	CodeSessionBusy       xerrors.Code = "SESSION_BUSY"
	CodeNoPendingProposal xerrors.Code = "NO_PENDING_PROPOSAL"
	CodeTransactionFailed xerrors.Code = "TRANSACTION_FAILED"
	CodeSessionClosed     xerrors.Code = "SESSION_CLOSED"
)

func init() {
	xerrors.Register(CodePendingExists, xerrors.Attributes{
		Message:  "a proposal is already awaiting confirmation",
		Family:   xerrors.FamilyResolution,
		Hint:     "Reply 'yes' to confirm or 'no' to cancel the current proposal first.",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionBusy, xerrors.Attributes{
		Message:   "a transaction is being submitted",
		Family:    xerrors.FamilySubmission,
		Hint:      "Please wait until the current transaction has been submitted.",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeNoPendingProposal, xerrors.Attributes{
		Message:  "nothing to confirm",
		Family:   xerrors.FamilyResolution,
		Hint:     "There is no pending transaction. Try: 'Send $50 to Alice'",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTransactionFailed, xerrors.Attributes{
		Message:  "transaction failed on chain",
		Family:   xerrors.FamilySubmission,
		Hint:     "The transaction was mined but failed. Your funds were not moved.",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSessionClosed, xerrors.Attributes{
		Message:  "session closed",
		Family:   xerrors.FamilyInternal,
		Severity: xerrors.SeverityInfo,
	})
}

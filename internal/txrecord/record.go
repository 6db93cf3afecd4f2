// Package txrecord 持久化交易记录。记录由编排器在提交后创建，
// 结算时更新，状态只会从 pending 走向 confirmed 或 failed。
package txrecord

import (
	"context"
	"strings"
	"time"

	"IntentArc/internal/gateway"
)

// Record 描述一次提交及其结算结果。
type Record struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionId"`
	ProposalID       string         `json:"proposalId"`
	Hash             string         `json:"hash,omitempty"`
	Status           gateway.Status `json:"status"`
	StatusUnknown    bool           `json:"statusUnknown,omitempty"`
	Action           string         `json:"action"`
	Sender           string         `json:"sender"`
	Recipient        string         `json:"recipient,omitempty"`
	RecipientAddress string         `json:"recipientAddress,omitempty"`
	Amount           string         `json:"amount"`
	Token            string         `json:"token"`
	ToToken          string         `json:"toToken,omitempty"`
	ExpectedAmount   string         `json:"expectedAmount,omitempty"`
	YieldEarned      string         `json:"yieldEarned,omitempty"`
	Confirmations    int            `json:"confirmations"`
	FailureCode      string         `json:"failureCode,omitempty"`
	FailureMessage   string         `json:"failureMessage,omitempty"`
	SubmittedAt      time.Time      `json:"submittedAt"`
	SettledAt        time.Time      `json:"settledAt,omitempty"`
}

// Settled 判断记录是否已经结算（包括状态未知的超时结算）。
func (r Record) Settled() bool {
	return !r.SettledAt.IsZero()
}

// Filter 约束 List 的查询范围。
type Filter struct {
	Sender string
	Limit  int
}

// DefaultListLimit 是未指定 limit 时的返回条数。
const DefaultListLimit = 20

func (f Filter) normalized() Filter {
	f.Sender = strings.ToLower(strings.TrimSpace(f.Sender))
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	return f
}

// Store 抽象交易记录的持久化接口。Save 按 ID 覆盖写入。
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

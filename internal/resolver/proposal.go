package resolver

import (
	"fmt"
	"strings"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
)

// Balance 是余额查询结果中的一行。APY 只在生息代币上出现。
type Balance struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	APY    string `json:"apy,omitempty"`
}

// Failure 描述提案无法成立的原因，Family 决定界面如何呈现。
type Failure struct {
	Code    xerrors.Code   `json:"code"`
	Family  xerrors.Family `json:"family"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
}

// Proposal 是意图经过解析后得到的可执行方案。金额、币种与收款人
// 原样来自意图，之后提交与记录都只读取这里的字段。
type Proposal struct {
	ID                       string        `json:"id"`
	Action                   intent.Action `json:"action"`
	Sender                   string        `json:"sender"`
	Intent                   intent.Intent `json:"intent"`
	Recipient                string        `json:"recipient,omitempty"`
	RecipientAddress         string        `json:"recipientAddress,omitempty"`
	Amount                   string        `json:"amount,omitempty"`
	Token                    string        `json:"token,omitempty"`
	ToToken                  string        `json:"toToken,omitempty"`
	GasEstimate              string        `json:"gasEstimate,omitempty"`
	GasEstimated             bool          `json:"gasEstimated,omitempty"`
	Rate                     string        `json:"rate,omitempty"`
	ExpectedAmount           string        `json:"expectedAmount,omitempty"`
	PriceImpact              string        `json:"priceImpact,omitempty"`
	MinimumReceived          string        `json:"minimumReceived,omitempty"`
	APY                      string        `json:"apy,omitempty"`
	APYFallback              bool          `json:"apyFallback,omitempty"`
	YieldEarned              string        `json:"yieldEarned,omitempty"`
	HoldingDays              int           `json:"holdingDays,omitempty"`
	HoldingPeriodPlaceholder bool          `json:"holdingPeriodPlaceholder,omitempty"`
	Balances                 []Balance     `json:"balances,omitempty"`
	NoOp                     bool          `json:"noOp,omitempty"`
	Failure                  *Failure      `json:"failure,omitempty"`
	CreatedAt                time.Time     `json:"createdAt"`

	err error
}

// Failed 判断解析是否失败。
func (p *Proposal) Failed() bool {
	return p != nil && p.Failure != nil
}

// Err 返回解析失败时的原始错误。
func (p *Proposal) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

// RequiresConfirmation 对每个成功的、非余额查询的提案返回 true。
// 同币种兑换不产生交易，因此不需要确认。
func (p *Proposal) RequiresConfirmation() bool {
	if p == nil || p.Failure != nil || p.NoOp {
		return false
	}
	return p.Action.Family() != intent.FamilyBalance
}

// SubmitRequest 将提案转换为网关提交参数，字段逐字节取自提案。
func (p *Proposal) SubmitRequest() gateway.SubmitRequest {
	req := gateway.SubmitRequest{
		From:   p.Sender,
		Amount: p.Amount,
		Token:  p.Token,
	}
	switch p.Action.Family() {
	case intent.FamilyTransfer:
		req.Kind = gateway.KindTransfer
		req.To = p.RecipientAddress
	case intent.FamilyConvert:
		req.Kind = gateway.KindConvert
		req.ToToken = p.ToToken
		req.MinAmountOut = p.MinimumReceived
	case intent.FamilyDeposit:
		req.Kind = gateway.KindDeposit
		req.ToToken = p.ToToken
	case intent.FamilyWithdraw:
		req.Kind = gateway.KindWithdraw
		req.ToToken = p.ToToken
	}
	return req
}

func (p *Proposal) fail(err error, fallback xerrors.Code) *Proposal {
	coded := xerrors.Ensure(err, fallback)
	p.err = coded
	p.Failure = &Failure{
		Code:    coded.Code(),
		Family:  coded.Family(),
		Message: coded.Message(),
		Hint:    coded.Hint(),
	}
	return p
}

// Summary 生成展示给用户的提案说明。
func (p *Proposal) Summary() string {
	if p == nil {
		return ""
	}
	if p.Failure != nil {
		if p.Failure.Hint != "" {
			return fmt.Sprintf("%s. %s", capitalize(p.Failure.Message), p.Failure.Hint)
		}
		return capitalize(p.Failure.Message) + "."
	}

	var b strings.Builder
	switch p.Action.Family() {
	case intent.FamilyTransfer:
		fmt.Fprintf(&b, "You're sending %s %s to %s", p.Amount, p.Token, p.Recipient)
		if !strings.EqualFold(p.Recipient, p.RecipientAddress) {
			fmt.Fprintf(&b, " (%s)", p.RecipientAddress)
		}
		b.WriteString(".\n")
		b.WriteString(p.gasLine())
	case intent.FamilyConvert:
		if p.NoOp {
			return fmt.Sprintf("%s and %s are the same currency, there is nothing to convert.", p.Token, p.ToToken)
		}
		fmt.Fprintf(&b, "Convert %s %s to %s at %s.\n", p.Amount, p.Token, p.ToToken, p.Rate)
		fmt.Fprintf(&b, "You'll receive about %s %s (price impact %s).\n", p.ExpectedAmount, p.ToToken, p.PriceImpact)
		b.WriteString(p.gasLine())
	case intent.FamilyDeposit:
		fmt.Fprintf(&b, "Deposit %s %s into savings (%s), earning %s%% APY", p.Amount, p.Token, p.ToToken, p.APY)
		if p.APYFallback {
			b.WriteString(" (estimated)")
		}
		b.WriteString(".\n")
		b.WriteString(p.gasLine())
	case intent.FamilyWithdraw:
		fmt.Fprintf(&b, "Withdraw %s %s from savings to %s.\n", p.Amount, p.Token, p.ToToken)
		fmt.Fprintf(&b, "Yield earned: %s %s over %d days", p.YieldEarned, p.ToToken, p.HoldingDays)
		if p.HoldingPeriodPlaceholder {
			b.WriteString(" (estimated, no deposit date on record)")
		}
		b.WriteString(".\n")
		b.WriteString(p.gasLine())
	case intent.FamilyBalance:
		if len(p.Balances) == 1 {
			bal := p.Balances[0]
			fmt.Fprintf(&b, "Your current %s balance is %s", bal.Token, bal.Amount)
			if bal.APY != "" {
				fmt.Fprintf(&b, " (earning %s%% APY)", bal.APY)
			}
			b.WriteString(".")
			return b.String()
		}
		b.WriteString("Your balances:")
		for _, bal := range p.Balances {
			fmt.Fprintf(&b, "\n• %s %s", bal.Amount, bal.Token)
			if bal.APY != "" {
				fmt.Fprintf(&b, " (earning %s%% APY)", bal.APY)
			}
		}
		return b.String()
	}
	b.WriteString("Would you like me to submit the transaction? (yes/no)")
	return b.String()
}

func (p *Proposal) gasLine() string {
	if p.GasEstimate == "" {
		return ""
	}
	if p.GasEstimated {
		return fmt.Sprintf("Estimated gas: ~$%s USDC.\n", p.GasEstimate)
	}
	return fmt.Sprintf("Gas: $%s USDC.\n", p.GasEstimate)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

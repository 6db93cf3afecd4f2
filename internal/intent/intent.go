package intent

import (
	"fmt"
	"strings"

	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
)

// Action 表示用户指令的动作类型，取值为封闭枚举。
type Action string

const (
	ActionSend     Action = "send"
	ActionPay      Action = "pay"
	ActionTransfer Action = "transfer"
	ActionConvert  Action = "convert"
	ActionSwap     Action = "swap"
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
	ActionBalance  Action = "balance"
)

// Family 将同义动作归并为解析器和解析流程共用的动作族。
type Family string

const (
	FamilyTransfer Family = "transfer"
	FamilyConvert  Family = "convert"
	FamilyDeposit  Family = "deposit"
	FamilyWithdraw Family = "withdraw"
	FamilyBalance  Family = "balance"
)

// Valid 判断动作是否属于已知枚举。
func (a Action) Valid() bool {
	return a.Family() != ""
}

// Family 返回动作所属的动作族，未知动作返回空串。
func (a Action) Family() Family {
	switch a {
	case ActionSend, ActionPay, ActionTransfer:
		return FamilyTransfer
	case ActionConvert, ActionSwap:
		return FamilyConvert
	case ActionDeposit:
		return FamilyDeposit
	case ActionWithdraw:
		return FamilyWithdraw
	case ActionBalance:
		return FamilyBalance
	default:
		return ""
	}
}

// Intent 是一条用户消息的结构化含义。每条消息新建一次，之后不再修改。
type Intent struct {
	Action       Action  `json:"action"`
	Amount       string  `json:"amount"`
	Token        string  `json:"token"`
	Recipient    string  `json:"recipient"`
	FromCurrency string  `json:"fromCurrency,omitempty"`
	ToCurrency   string  `json:"toCurrency,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// Normalize 将别名统一为注册表中的符号，并补齐默认币种。
// 余额查询不指定币种时保持为空，表示查询全部币种。
func (i Intent) Normalize(reg *currency.Registry) Intent {
	out := i
	out.Action = Action(strings.ToLower(strings.TrimSpace(string(i.Action))))
	out.Amount = strings.TrimSpace(i.Amount)
	out.Recipient = strings.TrimSpace(i.Recipient)
	out.Token = canonical(reg, i.Token)
	out.FromCurrency = canonical(reg, i.FromCurrency)
	out.ToCurrency = canonical(reg, i.ToCurrency)

	switch out.Action.Family() {
	case FamilyBalance:
		if out.Token == "" && out.FromCurrency != "" {
			out.Token = out.FromCurrency
		}
		out.Amount = ""
		out.Recipient = ""
	case FamilyConvert:
		if out.FromCurrency == "" {
			out.FromCurrency = out.Token
		}
		if out.FromCurrency == "" {
			out.FromCurrency = reg.Base()
		}
		out.Token = out.FromCurrency
		out.Recipient = ""
	case FamilyDeposit:
		if out.Token == "" {
			out.Token = firstNonEmpty(out.FromCurrency, reg.Base())
		}
		out.FromCurrency = out.Token
		out.ToCurrency = reg.YieldBearing()
		out.Recipient = ""
	case FamilyWithdraw:
		out.Token = reg.YieldBearing()
		out.FromCurrency = reg.YieldBearing()
		out.ToCurrency = reg.Base()
		out.Recipient = ""
	case FamilyTransfer:
		if out.Token == "" {
			out.Token = firstNonEmpty(out.FromCurrency, reg.Base())
		}
		out.FromCurrency = ""
		out.ToCurrency = ""
	}
	return out
}

// Validate 校验意图是否可交给解析流程，失败时返回 PARSE_FAILED 或 UNSUPPORTED_TOKEN。
func (i Intent) Validate(reg *currency.Registry) error {
	if !i.Action.Valid() {
		return xerrors.New(xerrors.CodeParseFailed, fmt.Sprintf("未知的动作 %q", i.Action))
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return xerrors.New(xerrors.CodeParseFailed, "置信度必须位于 [0,1]")
	}
	family := i.Action.Family()
	if family != FamilyBalance {
		if i.Amount == "" {
			return xerrors.New(xerrors.CodeParseFailed, "缺少金额")
		}
		if _, err := currency.ParseAmount(i.Amount); err != nil {
			return err
		}
	}
	for _, sym := range []string{i.Token, i.FromCurrency, i.ToCurrency} {
		if sym == "" {
			continue
		}
		if _, ok := reg.Lookup(sym); !ok {
			return xerrors.New(xerrors.CodeUnsupportedToken, fmt.Sprintf("不支持的币种 %q", sym))
		}
	}
	switch family {
	case FamilyTransfer:
		if i.Recipient == "" {
			return xerrors.New(xerrors.CodeParseFailed, "转账缺少收款人")
		}
	case FamilyConvert:
		if i.FromCurrency == "" || i.ToCurrency == "" {
			return xerrors.New(xerrors.CodeParseFailed, "兑换缺少源币种或目标币种")
		}
	}
	return nil
}

func canonical(reg *currency.Registry, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return ""
	}
	if sym, ok := reg.Normalize(raw); ok {
		return sym
	}
	return strings.ToUpper(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

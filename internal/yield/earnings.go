package yield

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EarningsPlaces 是收益金额保留的小数位数。
const EarningsPlaces = 6

// DefaultPlaceholderDays 是没有存款记录时使用的占位持有天数。
const DefaultPlaceholderDays = 30

var daysPerYear = decimal.NewFromInt(365)

// HoldingPeriod 描述取款对应的持有时长。Placeholder 为 true 表示台账里没有该用户
// 仍在持有的存款，Days 只是占位值，界面上必须标注为估算。
type HoldingPeriod struct {
	Days        int       `json:"days"`
	Since       time.Time `json:"since,omitempty"`
	Placeholder bool      `json:"placeholder"`
}

// HoldingPeriodFor 按先进先出用取款冲抵存款，以最早一笔仍有余额的存款计算持有天数。
// 全部取出后再存入的情况只从新的存款算起。
func HoldingPeriodFor(ctx context.Context, ledger Ledger, owner string, now time.Time, placeholderDays int) (HoldingPeriod, error) {
	if placeholderDays <= 0 {
		placeholderDays = DefaultPlaceholderDays
	}
	placeholder := HoldingPeriod{Days: placeholderDays, Placeholder: true}
	if ledger == nil {
		return placeholder, nil
	}
	deposits, err := ledger.Deposits(ctx, owner)
	if err != nil {
		return HoldingPeriod{}, err
	}
	withdrawals, err := ledger.Withdrawals(ctx, owner)
	if err != nil {
		return HoldingPeriod{}, err
	}
	since, ok := openSince(deposits, withdrawals)
	if !ok {
		return placeholder, nil
	}
	days := 0
	if elapsed := now.Sub(since); elapsed > 0 {
		days = int(elapsed / (24 * time.Hour))
	}
	return HoldingPeriod{Days: days, Since: since}, nil
}

type lot struct {
	at        time.Time
	remaining decimal.Decimal
}

// openSince 回放存取款，返回最早仍有余额的存款时间。两份列表都按时间升序。
// 金额无法解析的存款视为零，超出台账余额的取款部分直接忽略。
func openSince(deposits []Deposit, withdrawals []Withdrawal) (time.Time, bool) {
	var lots []lot
	wi := 0
	consume := func(w Withdrawal) {
		left, err := decimal.NewFromString(w.Amount)
		if err != nil {
			return
		}
		for len(lots) > 0 && left.IsPositive() {
			take := decimal.Min(left, lots[0].remaining)
			lots[0].remaining = lots[0].remaining.Sub(take)
			left = left.Sub(take)
			if !lots[0].remaining.IsPositive() {
				lots = lots[1:]
			}
		}
	}
	for _, d := range deposits {
		for wi < len(withdrawals) && withdrawals[wi].WithdrawnAt.Before(d.DepositedAt) {
			consume(withdrawals[wi])
			wi++
		}
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil || !amount.IsPositive() {
			continue
		}
		lots = append(lots, lot{at: d.DepositedAt, remaining: amount})
	}
	for ; wi < len(withdrawals); wi++ {
		consume(withdrawals[wi])
	}
	if len(lots) == 0 {
		return time.Time{}, false
	}
	return lots[0].at, true
}

// Earned 计算 amount × apy/100 × days/365，保留 6 位小数。
func Earned(amount, apyPercent decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || !amount.IsPositive() || !apyPercent.IsPositive() {
		return decimal.Zero
	}
	return amount.
		Mul(apyPercent).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(days))).
		Div(daysPerYear).
		Round(EarningsPlaces)
}

// FormatEarned 以固定 6 位小数输出收益。
func FormatEarned(v decimal.Decimal) string {
	return v.StringFixed(EarningsPlaces)
}

// Package yield 提供储蓄（USYC）相关的计算：当前年化收益率、
// 存款台账以及取款时的收益估算。
package yield

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"IntentArc/internal/web3"
	"IntentArc/pkg/logger"
)

// DefaultAPY 是读不到合约时使用的年化收益率（百分比）。
var DefaultAPY = decimal.NewFromInt(5)

// APY 表示一次收益率查询的结果，Fallback 为 true 说明使用的是兜底值。
type APY struct {
	Percent  decimal.Decimal `json:"percent"`
	Fallback bool            `json:"fallback"`
}

// APYSource 提供当前年化收益率。
type APYSource interface {
	CurrentAPY(ctx context.Context) (APY, error)
}

// StaticAPY 返回固定的收益率。
type StaticAPY struct {
	Percent decimal.Decimal
}

// CurrentAPY 实现 APYSource。
func (s StaticAPY) CurrentAPY(context.Context) (APY, error) {
	if s.Percent.IsZero() {
		return APY{Percent: DefaultAPY}, nil
	}
	return APY{Percent: s.Percent}, nil
}

// ContractAPY 从收益金库合约的 getAPY() 读取收益率。合约以 1e18 为单位返回比例，
// 例如 0.05e18 表示 5%。
type ContractAPY struct {
	client   web3.Client
	vault    common.Address
	fallback decimal.Decimal
	logger   *slog.Logger
}

// NewContractAPY 构造链上收益率来源，fallback 为零时使用 DefaultAPY。
func NewContractAPY(client web3.Client, vault common.Address, fallback decimal.Decimal) *ContractAPY {
	if fallback.IsZero() {
		fallback = DefaultAPY
	}
	return &ContractAPY{client: client, vault: vault, fallback: fallback, logger: logger.Named("yield")}
}

// CurrentAPY 实现 APYSource。合约调用失败不会向上返回错误，而是给出带标记的兜底值。
func (c *ContractAPY) CurrentAPY(ctx context.Context) (APY, error) {
	data, err := web3.PackGetAPY()
	if err != nil {
		return APY{}, err
	}
	out, err := c.client.CallContract(ctx, web3.CallMsg{To: c.vault, Data: data})
	if err == nil {
		var raw *big.Int
		raw, err = web3.UnpackUint(web3.Vault, "getAPY", out)
		if err == nil {
			return APY{Percent: decimal.NewFromBigInt(raw, -18).Mul(decimal.NewFromInt(100))}, nil
		}
	}
	c.logger.Warn("读取链上收益率失败，使用兜底值",
		slog.String("vault", c.vault.Hex()),
		slog.String("fallback", c.fallback.String()),
		slog.Any("error", err))
	return APY{Percent: c.fallback, Fallback: true}, nil
}

var (
	_ APYSource = StaticAPY{}
	_ APYSource = (*ContractAPY)(nil)
)

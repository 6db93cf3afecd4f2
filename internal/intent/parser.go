package intent

import (
	"context"
	"log/slog"

	"IntentArc/internal/currency"
	"IntentArc/internal/llm"
	"IntentArc/pkg/logger"
)

const (
	// DefaultAcceptThreshold 低于该置信度的意图视为无法识别。
	DefaultAcceptThreshold = 0.7
	// DefaultRuleConfidence 是确定性规则命中时给出的固定置信度。
	DefaultRuleConfidence = 0.9
)

// HelpMessage 是无法识别指令时返回给用户的固定提示。
const HelpMessage = "I couldn't understand that. Try: 'Send $50 to Alice'\n\n" +
	"Other things you can say:\n" +
	"• \"Convert 100 euros to dollars\"\n" +
	"• \"Put 1000 USDC into savings\"\n" +
	"• \"Withdraw 200 USYC from savings\"\n" +
	"• \"Show my balance in dollars\""

// WelcomeMessage 是新会话的开场白。
const WelcomeMessage = "Welcome to IntentArc! I can help you send, convert, and earn yield with " +
	"multi-currency DeFi on Arc network using simple commands. Try saying something like:\n\n" +
	"• \"Send $50 to Alice\"\n" +
	"• \"Convert 100 euros to dollars\"\n" +
	"• \"Put 1000 USDC into savings\"\n" +
	"• \"Show my balance in dollars\""

// Parser 将自由文本转换为结构化意图。返回 (nil, nil) 表示无法识别。
type Parser interface {
	Parse(ctx context.Context, text string) (*Intent, error)
}

// Config 控制解析阈值，两个值都来自配置而非硬编码。
type Config struct {
	AcceptThreshold float64
	RuleConfidence  float64
}

// DefaultConfig 返回默认阈值。
func DefaultConfig() Config {
	return Config{AcceptThreshold: DefaultAcceptThreshold, RuleConfidence: DefaultRuleConfidence}
}

func (c Config) withDefaults() Config {
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > 1 {
		c.AcceptThreshold = DefaultAcceptThreshold
	}
	if c.RuleConfidence <= 0 || c.RuleConfidence > 1 {
		c.RuleConfidence = DefaultRuleConfidence
	}
	return c
}

// Accepted 判断意图是否达到接受阈值。
func (c Config) Accepted(in *Intent) bool {
	c = c.withDefaults()
	return in != nil && in.Confidence >= c.AcceptThreshold
}

// FallbackParser 优先调用生成式解析器，出错或结果被拒绝时回落到确定性规则。
type FallbackParser struct {
	primary  Parser
	fallback Parser
	logger   *slog.Logger
}

// NewFallbackParser 构造回退解析器。
func NewFallbackParser(primary, fallback Parser) *FallbackParser {
	return &FallbackParser{primary: primary, fallback: fallback, logger: logger.Named("intent")}
}

// Parse 实现 Parser 接口。
func (f *FallbackParser) Parse(ctx context.Context, text string) (*Intent, error) {
	if f.primary != nil {
		result, err := f.primary.Parse(ctx, text)
		switch {
		case err != nil:
			f.logger.Warn("生成式解析失败，使用规则解析", slog.Any("error", err))
		case result != nil:
			return result, nil
		default:
			f.logger.Debug("生成式解析未给出可接受的意图，使用规则解析")
		}
	}
	if f.fallback == nil {
		return nil, nil
	}
	return f.fallback.Parse(ctx, text)
}

// NewParser 根据是否配置了大模型选择解析策略。
func NewParser(client llm.Client, reg *currency.Registry, cfg Config) Parser {
	cfg = cfg.withDefaults()
	rules := NewRuleParser(reg, cfg.RuleConfidence)
	if client == nil {
		return rules
	}
	return NewFallbackParser(NewGenerativeParser(client, reg, cfg), rules)
}

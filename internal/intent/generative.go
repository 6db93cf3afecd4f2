package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"IntentArc/internal/currency"
	"IntentArc/internal/llm"
)

const generativeSystemPrompt = "You are IntentArc's transaction parser for multi-currency payments on the Arc network. " +
	"Reply with ONLY a JSON object, no markdown."

// GenerativeParser 通过大模型解析意图，输出与规则解析器完全相同的结构。
type GenerativeParser struct {
	client   llm.Client
	registry *currency.Registry
	cfg      Config
}

// NewGenerativeParser 构造生成式解析器。
func NewGenerativeParser(client llm.Client, reg *currency.Registry, cfg Config) *GenerativeParser {
	return &GenerativeParser{client: client, registry: reg, cfg: cfg.withDefaults()}
}

// Parse 实现 Parser 接口。置信度不足、缺少必填字段或字段非法时返回 (nil, nil)；
// 模型调用失败或输出无法解码时返回错误，由调用方决定是否回退。
func (g *GenerativeParser) Parse(ctx context.Context, text string) (*Intent, error) {
	resp, err := g.client.Generate(ctx, llm.Request{
		System:      generativeSystemPrompt,
		Prompt:      g.prompt(text),
		Temperature: 0,
		JSONOnly:    true,
	})
	if err != nil {
		return nil, err
	}

	raw, err := decodeModelIntent(llm.ExtractJSON(resp.Text))
	if err != nil {
		return nil, err
	}
	if raw.Confidence < g.cfg.AcceptThreshold || raw.Action == "" {
		return nil, nil
	}

	candidate := raw.Normalize(g.registry)
	if candidate.Action.Family() != FamilyBalance && candidate.Amount == "" {
		return nil, nil
	}
	if err := candidate.Validate(g.registry); err != nil {
		return nil, nil
	}
	return &candidate, nil
}

func (g *GenerativeParser) prompt(text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %q\n\n", text)
	b.WriteString("Extract the financial command as JSON with exactly these fields:\n")
	b.WriteString(`{"action": string, "amount": string, "token": string, "recipient": string, "fromCurrency": string|null, "toCurrency": string|null, "confidence": number}` + "\n\n")
	b.WriteString("action is one of send, pay, transfer, convert, swap, deposit, withdraw, balance.\n")
	fmt.Fprintf(&b, "Tokens: %s. Default token is %s.\n", strings.Join(g.registry.Symbols(), ", "), g.registry.Base())
	fmt.Fprintf(&b, "Currency cues: $, USD, dollars -> %s; €, EUR, euros -> %s; savings, yield -> %s.\n",
		g.registry.Base(), g.registry.Secondary(), g.registry.YieldBearing())
	b.WriteString("amount is a decimal string; leave it empty for balance.\n")
	b.WriteString("recipient is the name or 0x address for send/pay/transfer and empty otherwise.\n")
	b.WriteString("Examples:\n")
	b.WriteString(`- "Send $50 to Alice" -> {"action":"send","amount":"50","token":"USDC","recipient":"Alice","fromCurrency":null,"toCurrency":null,"confidence":0.95}` + "\n")
	b.WriteString(`- "Pay Bob 100 euros" -> {"action":"pay","amount":"100","token":"EURC","recipient":"Bob","fromCurrency":null,"toCurrency":null,"confidence":0.95}` + "\n")
	b.WriteString(`- "Put 1000 USDC into savings" -> {"action":"deposit","amount":"1000","token":"USDC","recipient":"","fromCurrency":"USDC","toCurrency":"USYC","confidence":0.95}` + "\n")
	b.WriteString(`- "Show my balance in dollars" -> {"action":"balance","amount":"","token":"USDC","recipient":"","fromCurrency":null,"toCurrency":null,"confidence":0.95}` + "\n")
	b.WriteString("If the message is not a supported command, return {\"action\": null, \"confidence\": 0.0}.\n")
	return b.String()
}

// modelIntent 兼容模型输出中 amount 为数字或 null、字符串字段为 null 的情况。
type modelIntent struct {
	Action       *string         `json:"action"`
	Amount       json.RawMessage `json:"amount"`
	Token        *string         `json:"token"`
	Recipient    *string         `json:"recipient"`
	FromCurrency *string         `json:"fromCurrency"`
	ToCurrency   *string         `json:"toCurrency"`
	Confidence   *float64        `json:"confidence"`
}

func decodeModelIntent(payload string) (Intent, error) {
	var m modelIntent
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return Intent{}, fmt.Errorf("解析模型输出失败: %w", err)
	}
	out := Intent{
		Action:       Action(deref(m.Action)),
		Token:        deref(m.Token),
		Recipient:    deref(m.Recipient),
		FromCurrency: deref(m.FromCurrency),
		ToCurrency:   deref(m.ToCurrency),
	}
	if m.Confidence != nil {
		out.Confidence = *m.Confidence
	}
	amount := bytes.TrimSpace(m.Amount)
	switch {
	case len(amount) == 0 || bytes.Equal(amount, []byte("null")):
	case amount[0] == '"':
		var s string
		if err := json.Unmarshal(amount, &s); err != nil {
			return Intent{}, fmt.Errorf("解析 amount 失败: %w", err)
		}
		out.Amount = strings.TrimSpace(s)
	default:
		out.Amount = string(amount)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

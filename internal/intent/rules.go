package intent

import (
	"context"
	"regexp"
	"strings"

	"IntentArc/internal/currency"
)

const (
	signPart   = `([$€])?`
	amountPart = `(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`
	unitPart   = `(usdc|eurc|usyc|usd|eur|dollars?|euros?)?`
	unitWord   = `(usdc|eurc|usyc|usd|eur|dollars?|euros?|savings)`
	money      = signPart + `\s*` + amountPart + `\s*` + unitPart
)

// cuePattern 匹配文本中出现的币种提示词，顺序无关。
var cuePattern = regexp.MustCompile(`(?i)(\$|€|\b(?:usdc|eurc|usyc|usd|eur|dollars?|euros?|savings|yield)\b)`)

var (
	// recipientTail 是收款人后面的用途或币种说明，例如 "to pay rent"、"in euros"。
	recipientTail = regexp.MustCompile(`(?i)\s+(?:(?:to|for)\s+(?:pay|buy|cover)\b|for\b|in\s+(?:usdc|eurc|usyc|usd|eur|dollars?|euros?)\b).*$`)
	hexToken      = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`)
	amountToken   = regexp.MustCompile(`(?:^|\s)[$€]?\d[\d,]*(?:\.\d+)?`)
	joiner        = regexp.MustCompile(`(?i)\b(?:and|then|also|plus)\b|[&;]|,\s`)
)

// rule 是一条有序的匹配规则：正则命中后由 extract 负责构造意图。
type rule struct {
	name    string
	family  Family
	pattern *regexp.Regexp
	extract func(p *RuleParser, text string, m []string) *Intent
}

// RuleParser 是确定性的正则解析器。规则按声明顺序求值，第一条命中的规则生效。
type RuleParser struct {
	registry   *currency.Registry
	confidence float64
	rules      []rule
}

// NewRuleParser 构造确定性解析器，confidence 为命中时给出的固定置信度。
func NewRuleParser(reg *currency.Registry, confidence float64) *RuleParser {
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultRuleConfidence
	}
	return &RuleParser{registry: reg, confidence: confidence, rules: defaultRules()}
}

func defaultRules() []rule {
	return []rule{
		{
			name:    "send",
			family:  FamilyTransfer,
			pattern: regexp.MustCompile(`(?i)\b(send|transfer)\s+` + money + `\s+to\s+(\S.*)$`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.transfer(Action(strings.ToLower(m[1])), text, m[2], m[3], m[4], m[5])
			},
		},
		{
			name:    "pay-to",
			family:  FamilyTransfer,
			pattern: regexp.MustCompile(`(?i)\bpay\s+` + money + `\s+to\s+(\S.*)$`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.transfer(ActionPay, text, m[1], m[2], m[3], m[4])
			},
		},
		{
			name:    "pay-amount",
			family:  FamilyTransfer,
			pattern: regexp.MustCompile(`(?i)\bpay\s+([^\s\d$€][^\d$€]*?)\s+` + money + `(?:\b|$)`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.transfer(ActionPay, text, m[2], m[3], m[4], m[1])
			},
		},
		{
			name:    "convert",
			family:  FamilyConvert,
			pattern: regexp.MustCompile(`(?i)\b(convert|exchange|swap)\s+` + money + `\s+(?:to|into|for)\s+` + unitWord + `\b`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				action := ActionConvert
				if strings.EqualFold(m[1], "swap") {
					action = ActionSwap
				}
				return p.convert(action, text, m[2], m[3], m[4], m[5])
			},
		},
		{
			name:    "deposit",
			family:  FamilyDeposit,
			pattern: regexp.MustCompile(`(?i)\bdeposit\s+` + money + `(?:\s+(?:in|into|to)\s+(?:my\s+)?(?:savings|yield|usyc))?(?:\b|$)`),
			extract: func(p *RuleParser, _ string, m []string) *Intent {
				return p.deposit(m[1], m[2], m[3])
			},
		},
		{
			name:    "put-into-savings",
			family:  FamilyDeposit,
			pattern: regexp.MustCompile(`(?i)\b(?:put|save|move)\s+` + money + `\s+(?:in|into|to)\s+(?:my\s+)?(?:savings|yield)\b`),
			extract: func(p *RuleParser, _ string, m []string) *Intent {
				return p.deposit(m[1], m[2], m[3])
			},
		},
		{
			name:    "withdraw",
			family:  FamilyWithdraw,
			pattern: regexp.MustCompile(`(?i)\b(?:withdraw|redeem)\s+` + money + `(?:\s+(?:from|out\s+of)\s+(?:my\s+)?savings)?(?:\b|$)`),
			extract: func(p *RuleParser, _ string, m []string) *Intent {
				return p.withdraw(m[2])
			},
		},
		{
			name:    "move-out-of-savings",
			family:  FamilyWithdraw,
			pattern: regexp.MustCompile(`(?i)\bmove\s+` + money + `\s+(?:(?:from|out\s+of)\s+(?:my\s+)?savings|to\s+(?:my\s+)?checking)\b`),
			extract: func(p *RuleParser, _ string, m []string) *Intent {
				return p.withdraw(m[2])
			},
		},
		{
			name:    "balance",
			family:  FamilyBalance,
			pattern: regexp.MustCompile(`(?i)\b(?:check|show|get|what(?:'|’)?s|what\s+is)\s+(?:me\s+)?(?:my\s+)?(?:` + unitWord + `\s+)?balances?\b(?:\s+in\s+` + unitWord + `)?`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.balance(text, firstNonEmpty(m[1], m[2]))
			},
		},
		{
			name:    "balance-short",
			family:  FamilyBalance,
			pattern: regexp.MustCompile(`(?i)^\s*(?:my\s+)?(?:` + unitWord + `\s+)?balances?(?:\s+in\s+` + unitWord + `)?\s*[?.!]*\s*$`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.balance(text, firstNonEmpty(m[1], m[2]))
			},
		},
		{
			name:    "how-much",
			family:  FamilyBalance,
			pattern: regexp.MustCompile(`(?i)\bhow\s+much\s+(?:` + unitWord + `\s+)?(?:do\s+i\s+have|is\s+in\s+my\s+(?:wallet|account))`),
			extract: func(p *RuleParser, text string, m []string) *Intent {
				return p.balance(text, m[1])
			},
		},
	}
}

// Parse 实现 Parser 接口。未命中任何规则时返回 nil，不会给出部分意图。
func (p *RuleParser) Parse(_ context.Context, text string) (*Intent, error) {
	intent, _ := p.Match(text)
	return intent, nil
}

// Match 返回命中的意图以及规则名，便于调试与指标统计。
func (p *RuleParser) Match(text string) (*Intent, string) {
	text = strings.TrimSpace(text)
	if text == "" || compound(text) {
		return nil, ""
	}
	for _, r := range p.rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		intent := r.extract(p, text, m)
		if intent == nil {
			continue
		}
		intent.Amount = strings.ReplaceAll(intent.Amount, ",", "")
		normalized := intent.Normalize(p.registry)
		if normalized.Validate(p.registry) != nil {
			continue
		}
		return &normalized, r.name
	}
	return nil, ""
}

func (p *RuleParser) transfer(action Action, text, sign, amount, unit, rawRecipient string) *Intent {
	recipient := cleanRecipient(rawRecipient)
	if recipient == "" {
		return nil
	}
	token := p.currencyFor(unit, sign, strings.Replace(text, recipient, " ", 1), p.registry.Base())
	return &Intent{
		Action:     action,
		Amount:     amount,
		Token:      token,
		Recipient:  recipient,
		Confidence: p.confidence,
	}
}

func (p *RuleParser) convert(action Action, text, sign, amount, unit, target string) *Intent {
	to, ok := p.registry.Normalize(target)
	if !ok {
		return nil
	}
	// 只扫描目标币种之前的文本，避免把 "to euros" 当作源币种。
	head := text
	if idx := strings.LastIndex(strings.ToLower(text), strings.ToLower(target)); idx > 0 {
		head = text[:idx]
	}
	fallback := p.registry.Base()
	if to == p.registry.Base() {
		fallback = p.registry.Secondary()
	}
	from := p.currencyFor(unit, sign, head, fallback)
	return &Intent{
		Action:       action,
		Amount:       amount,
		Token:        from,
		FromCurrency: from,
		ToCurrency:   to,
		Confidence:   p.confidence,
	}
}

func (p *RuleParser) deposit(sign, amount, unit string) *Intent {
	source := p.currencyFor(unit, sign, "", p.registry.Base())
	return &Intent{
		Action:       ActionDeposit,
		Amount:       amount,
		Token:        source,
		FromCurrency: source,
		ToCurrency:   p.registry.YieldBearing(),
		Confidence:   p.confidence,
	}
}

func (p *RuleParser) withdraw(amount string) *Intent {
	return &Intent{
		Action:       ActionWithdraw,
		Amount:       amount,
		Token:        p.registry.YieldBearing(),
		FromCurrency: p.registry.YieldBearing(),
		ToCurrency:   p.registry.Base(),
		Confidence:   p.confidence,
	}
}

func (p *RuleParser) balance(text, unit string) *Intent {
	token := ""
	if unit != "" {
		token, _ = p.registry.Normalize(unit)
	} else if strings.Contains(text, "€") {
		token = p.registry.Secondary()
	}
	return &Intent{Action: ActionBalance, Token: token, Confidence: p.confidence}
}

// currencyFor 按优先级推导币种：金额旁的单位词、金额前的货币符号、
// 文本中其余位置的提示词，最后回落到 fallback。
func (p *RuleParser) currencyFor(unit, sign, scan, fallback string) string {
	if unit != "" {
		if sym, ok := p.registry.Normalize(unit); ok {
			return sym
		}
	}
	if sign != "" {
		if sym, ok := p.registry.Normalize(sign); ok {
			return sym
		}
	}
	if scan != "" {
		for _, cue := range cuePattern.FindAllString(scan, -1) {
			if sym, ok := p.registry.Normalize(cue); ok {
				return sym
			}
		}
	}
	return fallback
}

// cleanRecipient 去掉 "to"、"my" 之类的前缀以及结尾的用途说明，保留完整的名字，
// 例如 "Alice to pay rent" 得到 "Alice"，"John Smith" 保持不变。
// 片段里出现连接词或第二个金额时返回空串，收款人不明确就不猜。
func cleanRecipient(raw string) string {
	raw = recipientTail.ReplaceAllString(strings.TrimSpace(raw), "")
	fields := strings.Fields(raw)
	for len(fields) > 1 {
		lower := strings.ToLower(fields[0])
		if lower != "to" && lower != "my" && lower != "the" {
			break
		}
		fields = fields[1:]
	}
	name := strings.Trim(strings.Join(fields, " "), ".,;:!?'\"`")
	if name == "" || joiner.MatchString(name) {
		return ""
	}
	if amountToken.MatchString(hexToken.ReplaceAllString(name, "")) {
		return ""
	}
	return name
}

// compound 判断文本是否用连接词串起了两笔金额，例如
// "send 50 USDC to Alice and 20 to Bob"。这类指令整体拒绝，不会只执行其中一半。
func compound(text string) bool {
	stripped := hexToken.ReplaceAllString(text, " ")
	locs := amountToken.FindAllStringIndex(stripped, -1)
	if len(locs) < 2 {
		return false
	}
	return joiner.MatchString(stripped[locs[0][1]:locs[len(locs)-1][0]])
}

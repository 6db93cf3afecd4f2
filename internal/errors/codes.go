package errors

import "sync"

// Code 是跨层传递的错误码，同时出现在 API 响应与交易记录中。
type Code string

// Family 决定错误在对话里如何呈现。
type Family string

const (
	FamilyParse      Family = "parse"      // 没听懂，回复帮助信息
	FamilyResolution Family = "resolution" // 提案不成立，用户改口即可
	FamilyGateway    Family = "gateway"    // 链网关超时或 RPC 失败
	FamilySubmission Family = "submission" // 只影响当前这笔交易
	FamilyInternal   Family = "internal"   // 存储、队列等基础设施
)

// Severity 用于日志级别与告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认属性。Hint 是给最终用户看的英文提示。
type Attributes struct {
	Message   string
	Family    Family
	Hint      string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 基础设施错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 对话与交易相关的错误码。
const (
	CodeParseFailed         Code = "PARSE_FAILED"
	CodeGatewayUnavailable  Code = "GATEWAY_UNAVAILABLE"
	CodeSubmissionFailed    Code = "SUBMISSION_FAILED"
	CodeUnresolvedRecipient Code = "UNRESOLVED_RECIPIENT"
	CodeUnsupportedPair     Code = "UNSUPPORTED_PAIR"
	CodeUnsupportedToken    Code = "UNSUPPORTED_TOKEN"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
)

// user 构造用户可修正的错误属性。
func user(family Family, message, hint string) Attributes {
	return Attributes{Message: message, Family: family, Hint: hint, Severity: SeverityInfo}
}

// infra 构造基础设施故障属性，默认可重试并触发告警。
func infra(message string, sev Severity) Attributes {
	return Attributes{Message: message, Family: FamilyInternal, Severity: sev, Retryable: true, Alert: true}
}

var (
	tableMu sync.RWMutex
	table   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Family:   FamilyInternal,
			Hint:     "Something went wrong. Please try again.",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInvalidArgument:       user(FamilyResolution, "invalid argument", ""),
		CodeNotFound:              user(FamilyInternal, "resource not found", ""),
		CodeConflict:              {Message: "resource conflict", Family: FamilyInternal, Severity: SeverityWarning},
		CodeInitializationFailure: infra("service not initialized", SeverityWarning),
		CodeStorageFailure:        infra("storage failure", SeverityCritical),
		CodeQueueFailure:          infra("queue failure", SeverityCritical),
		CodeTimeout: {
			Message:   "operation timed out",
			Family:    FamilyGateway,
			Hint:      "The network took too long to respond. Please try again.",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeGatewayUnavailable: {
			Message:   "chain gateway unavailable",
			Family:    FamilyGateway,
			Hint:      "The network is not responding right now. Please try again.",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeSubmissionFailed: {
			Message:  "transaction submission failed",
			Family:   FamilySubmission,
			Hint:     "The transaction could not be submitted. Nothing was sent.",
			Severity: SeverityWarning,
			Alert:    true,
		},

		CodeParseFailed: user(FamilyParse, "could not understand the command",
			"I couldn't understand that. Try: 'Send $50 to Alice'"),
		CodeUnresolvedRecipient: user(FamilyResolution, "unresolved recipient",
			"I don't know that recipient. Use a 0x address or a saved contact name."),
		CodeUnsupportedPair: user(FamilyResolution, "unsupported currency pair",
			"Only USDC and EURC can be converted into each other."),
		CodeUnsupportedToken: user(FamilyResolution, "unsupported token",
			"Supported tokens are USDC, EURC and USYC."),
		CodeInsufficientBalance: user(FamilyResolution, "insufficient balance",
			"Your balance is too low for this amount."),
		CodeInvalidAmount: user(FamilyResolution, "invalid amount",
			"Please give a positive amount, e.g. 'Send 25 USDC to Bob'."),
	}
)

// Register 供业务包在 init 中登记自己的错误码，重复登记会覆盖。
func Register(code Code, attr Attributes) {
	tableMu.Lock()
	table[code] = attr
	tableMu.Unlock()
}

// AttributesOf 返回错误码属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	tableMu.RLock()
	defer tableMu.RUnlock()
	if attr, ok := table[code]; ok {
		return attr
	}
	return table[CodeUnknown]
}

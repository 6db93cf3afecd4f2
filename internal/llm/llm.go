package llm

import (
	"context"
	"strings"
)

// Request 描述发送给大模型的一次补全请求。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	// JSONOnly 要求模型只输出 JSON 对象，提供方支持时会启用结构化输出模式。
	JSONOnly bool
}

// Response 是大模型返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ExtractJSON 去掉 markdown 代码块围栏，并截取第一个 JSON 对象。
func ExtractJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```JSON", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		return cleaned[start : end+1]
	}
	return cleaned
}

// Package openai 实现兼容 OpenAI Chat Completions 协议的意图抽取客户端。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/llm"
	"IntentArc/pkg/logger"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 10 * time.Second
	// 意图 JSON 很短，限制输出长度可以避免模型输出解释性文字。
	defaultMaxTokens = 256
)

// Config 描述服务地址与模型。Timeout 作用于单次 HTTP 请求。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client 是 llm.Client 的 HTTP 实现。
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient 校验配置并填充默认值。
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		apiKey:     key,
		endpoint:   base + "/chat/completions",
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("openai"),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string  `json:"finish_reason"`
		Message      message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// apiError 是服务端返回的 {"error": {...}} 结构。
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate 发送一次补全请求并返回第一条候选文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := completionRequest{Model: c.model, Temperature: req.Temperature, MaxTokens: c.maxTokens}
	if system := strings.TrimSpace(req.System); system != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	if req.JSONOnly {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParseFailed, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeParseFailed, "OpenAI 响应中没有候选结果")
	}
	choice := decoded.Choices[0]
	if choice.FinishReason == "length" {
		return nil, xerrors.New(xerrors.CodeParseFailed, "OpenAI 输出被截断")
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeParseFailed, "OpenAI 响应内容为空")
	}

	model := decoded.Model
	if model == "" {
		model = c.model
	}
	c.logger.Debug("OpenAI 调用完成",
		slog.String("model", model),
		slog.Int("prompt_tokens", decoded.Usage.PromptTokens),
		slog.Int("completion_tokens", decoded.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)))
	return &llm.Response{Text: content, Model: model}, nil
}

// statusError 把 HTTP 错误转为带状态码的错误，429 与 5xx 视为超时类故障。
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(raw))
	var envelope apiError
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	code := xerrors.CodeUnknown
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		code = xerrors.CodeTimeout
	}
	return xerrors.New(code, "OpenAI 返回错误状态",
		xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		xerrors.WithMetadata("detail", msg))
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return stdErrors.As(err, &te) && te.Timeout()
}

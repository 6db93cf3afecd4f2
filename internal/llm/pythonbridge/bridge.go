// Package pythonbridge 通过本地 Python 脚本完成意图抽取，便于接入自托管模型。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/llm"
	"IntentArc/pkg/logger"
)

// maxStderr 限制写入错误信息的脚本 stderr 长度。
const maxStderr = 512

// payload 是写入脚本 stdin 的请求。脚本需要向 stdout 输出 {"text","model"}。
type payload struct {
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	JSONOnly    bool    `json:"json_only"`
}

type reply struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Client 每次调用都会启动一个脚本进程，ctx 取消时进程被终止。
type Client struct {
	python string
	script string
	dir    string
	logger *slog.Logger
}

// NewClient 创建 Python Bridge 客户端，python 为空时使用 python3。
func NewClient(python, script, dir string) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if strings.TrimSpace(python) == "" {
		python = "python3"
	}
	return &Client{python: python, script: script, dir: dir, logger: logger.Named("pythonbridge")}, nil
}

// Generate 把请求写入脚本 stdin，并解析 stdout 中的 JSON 结果。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	in, err := json.Marshal(payload{
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		JSONOnly:    req.JSONOnly,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	cmd := exec.CommandContext(ctx, c.python, c.script)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("Python 脚本执行完成",
		slog.String("script", c.script),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", runErr == nil))
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "Python 脚本执行超时")
		}
		opts := []xerrors.Option{xerrors.WithMetadata("stderr", tail(stderr.String()))}
		var exitErr *exec.ExitError
		if stdErrors.As(runErr, &exitErr) {
			opts = append(opts, xerrors.WithMetadata("exit_code", strconv.Itoa(exitErr.ExitCode())))
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, runErr, "执行 Python 脚本失败", opts...)
	}

	var out reply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParseFailed, err, "解析 Python 输出失败")
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, xerrors.New(xerrors.CodeParseFailed, "Python 脚本未返回文本")
	}
	return &llm.Response{Text: out.Text, Model: out.Model}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}

// ResolveScriptPath 把相对脚本路径解释为相对配置文件所在目录。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

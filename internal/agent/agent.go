package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/resolver"
	"IntentArc/pkg/logger"
)

// Observer 接收会话管线的统计事件，metrics.Registry 实现了该接口。
type Observer interface {
	ObserveIntent(action string, accepted bool)
	ObserveProposal(action, code string)
	SetActiveSessions(n int)
}

// Message 是用户发来的一条聊天消息。
type Message struct {
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
}

type conversation struct {
	session    *orchestrator.Session
	sender     string
	lastActive time.Time
}

// Manager 维护聊天会话，把文本依次交给解析器、解析流程与会话状态机。
// Manager 的锁只保护会话表，状态转换由各会话自己的锁负责。
type Manager struct {
	parser        intent.Parser
	intentCfg     intent.Config
	resolver      *resolver.Resolver
	gateway       gateway.Gateway
	sessionOpts   []orchestrator.Option
	defaultSender string
	parseTimeout  time.Duration
	maxSessions   int
	observer      Observer
	now           func() time.Time
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*conversation
	closed   bool
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

const (
	defaultParseTimeout = 15 * time.Second
	defaultMaxSessions  = 1024
)

// WithIntentConfig 设置意图接受阈值。
func WithIntentConfig(cfg intent.Config) Option {
	return func(m *Manager) { m.intentCfg = cfg }
}

// WithSessionOptions 为新建的会话附加选项（存储、通知、轮询节奏等）。
func WithSessionOptions(opts ...orchestrator.Option) Option {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// WithDefaultSender 设置消息未携带钱包地址时使用的地址。
func WithDefaultSender(address string) Option {
	return func(m *Manager) { m.defaultSender = strings.TrimSpace(address) }
}

// WithParseTimeout 设置单次解析（可能调用大模型）的超时时间。
func WithParseTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.parseTimeout = timeout
		}
	}
}

// WithMaxSessions 限制同时保留的会话数量。
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithObserver 注册统计观察者。
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// New 创建会话管理器。
func New(parser intent.Parser, res *resolver.Resolver, gw gateway.Gateway, opts ...Option) *Manager {
	m := &Manager{
		parser:       parser,
		intentCfg:    intent.DefaultConfig(),
		resolver:     res,
		gateway:      gw,
		parseTimeout: defaultParseTimeout,
		maxSessions:  defaultMaxSessions,
		now:          time.Now,
		logger:       logger.Named("agent"),
		sessions:     make(map[string]*conversation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Open 返回会话的开场白，必要时创建会话。
func (m *Manager) Open(sessionID, sender string) (*Reply, error) {
	conv, err := m.conversation(sessionID, sender)
	if err != nil {
		return nil, err
	}
	return &Reply{
		SessionID: conv.session.ID(),
		Kind:      ReplyWelcome,
		Text:      intent.WelcomeMessage,
		State:     conv.session.State(),
	}, nil
}

// Handle 处理一条聊天消息。业务失败（无法识别、收款人未知、余额不足等）体现在
// Reply.Error 中；只有会话本身无法建立时才返回 error。
func (m *Manager) Handle(ctx context.Context, msg Message) (*Reply, error) {
	conv, err := m.conversation(msg.SessionID, msg.Sender)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		return m.reply(conv, ReplyWelcome, intent.WelcomeMessage), nil
	case isConfirmWord(text):
		return m.confirm(ctx, conv), nil
	case isCancelWord(text):
		return m.cancel(conv), nil
	}

	in, accepted := m.parse(ctx, text)
	if !accepted {
		reply := m.reply(conv, ReplyHelp, intent.HelpMessage)
		reply.Intent = in
		reply.Error = ErrorViewOf(xerrors.New(xerrors.CodeParseFailed, "message not understood"))
		return reply, nil
	}

	p := m.resolver.Resolve(ctx, *in, conv.sender)
	if m.observer != nil {
		code := ""
		if p.Failed() {
			code = string(p.Failure.Code)
		}
		m.observer.ObserveProposal(string(in.Action.Family()), code)
	}
	if p.Failed() {
		reply := m.reply(conv, ReplyError, failureText(p.Failure))
		reply.Intent = in
		reply.Proposal = p
		reply.Error = &ErrorView{
			Code:    string(p.Failure.Code),
			Family:  string(p.Failure.Family),
			Message: p.Failure.Message,
			Hint:    p.Failure.Hint,
		}
		return reply, nil
	}
	if !p.RequiresConfirmation() {
		reply := m.reply(conv, ReplyInfo, p.Summary())
		reply.Intent = in
		reply.Proposal = p
		return reply, nil
	}

	// 新指令替换仍在等待确认的提案。
	replaced := conv.session.Pending() != nil
	if err := conv.session.Propose(p, true); err != nil {
		reply := m.reply(conv, ReplyError, errorText(err))
		reply.Intent = in
		reply.Error = ErrorViewOf(err)
		return reply, nil
	}
	m.logger.Info("生成交易提案",
		slog.String("session_id", conv.session.ID()),
		slog.String("proposal_id", p.ID),
		slog.String("action", string(p.Action)))
	summary := p.Summary()
	if replaced {
		summary = "Your previous proposal was discarded.\n" + summary
	}
	reply := m.reply(conv, ReplyProposal, summary)
	reply.Intent = in
	reply.Proposal = p
	return reply, nil
}

// Confirm 提交会话中等待确认的提案。
func (m *Manager) Confirm(ctx context.Context, sessionID string) (*Reply, error) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "session not found", xerrors.WithMetadata("session_id", sessionID))
	}
	return m.confirm(ctx, conv), nil
}

// Cancel 放弃会话中等待确认的提案。
func (m *Manager) Cancel(sessionID string) (*Reply, error) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "session not found", xerrors.WithMetadata("session_id", sessionID))
	}
	return m.cancel(conv), nil
}

func (m *Manager) confirm(ctx context.Context, conv *conversation) *Reply {
	rec, err := conv.session.Confirm(ctx)
	if err != nil {
		reply := m.reply(conv, ReplyError, errorText(err))
		reply.Error = ErrorViewOf(err)
		if rec.ID != "" {
			reply.Record = &rec
		}
		return reply
	}
	reply := m.reply(conv, ReplySubmitted, SubmittedText(rec))
	reply.Record = &rec
	return reply
}

func (m *Manager) cancel(conv *conversation) *Reply {
	if err := conv.session.Cancel(); err != nil {
		reply := m.reply(conv, ReplyError, errorText(err))
		reply.Error = ErrorViewOf(err)
		return reply
	}
	return m.reply(conv, ReplyCancelled, "Transaction cancelled. What else can I help you with?")
}

// Parse 只做意图识别，不创建会话。第二个返回值表示是否达到接受阈值。
func (m *Manager) Parse(ctx context.Context, text string) (*intent.Intent, bool) {
	return m.parse(ctx, strings.TrimSpace(text))
}

func (m *Manager) parse(ctx context.Context, text string) (*intent.Intent, bool) {
	parseCtx, cancel := context.WithTimeout(ctx, m.parseTimeout)
	defer cancel()

	in, err := m.parser.Parse(parseCtx, text)
	if err != nil {
		m.logger.Warn("解析用户指令失败", slog.Any("error", err))
		in = nil
	}
	accepted := m.intentCfg.Accepted(in)
	if m.observer != nil {
		action := "unknown"
		if in != nil {
			action = string(in.Action.Family())
		}
		m.observer.ObserveIntent(action, accepted)
	}
	return in, accepted
}

// Snapshot 返回会话的只读视图。
func (m *Manager) Snapshot(sessionID string) (orchestrator.Snapshot, bool) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return orchestrator.Snapshot{}, false
	}
	return conv.session.Snapshot(), true
}

// Wait 阻塞到会话的在途交易结算。
func (m *Manager) Wait(ctx context.Context, sessionID string) (orchestrator.Record, error) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return orchestrator.Record{}, xerrors.New(xerrors.CodeNotFound, "session not found", xerrors.WithMetadata("session_id", sessionID))
	}
	return conv.session.Wait(ctx)
}

// CloseSession 关闭并移除会话，在途轮询以状态未知结算。
func (m *Manager) CloseSession(sessionID string) bool {
	m.mu.Lock()
	conv, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.reportSessionsLocked()
	}
	m.mu.Unlock()
	if ok {
		conv.session.Close()
	}
	return ok
}

// Close 关闭所有会话。
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	convs := make([]*conversation, 0, len(m.sessions))
	for id, conv := range m.sessions {
		convs = append(convs, conv)
		delete(m.sessions, id)
	}
	m.reportSessionsLocked()
	m.mu.Unlock()

	for _, conv := range convs {
		conv.session.Close()
	}
}

func (m *Manager) lookup(sessionID string) (*conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.sessions[sessionID]
	if ok {
		conv.lastActive = m.now()
	}
	return conv, ok
}

// conversation 返回已有会话或新建一个。sender 非空时会更新会话的钱包地址。
func (m *Manager) conversation(sessionID, sender string) (*conversation, error) {
	sender = strings.TrimSpace(sender)
	if sender != "" && !common.IsHexAddress(sender) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sender is not a valid address",
			xerrors.WithMetadata("sender", sender))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, xerrors.New(orchestrator.CodeSessionClosed, "agent is shutting down")
	}
	if conv, ok := m.sessions[sessionID]; ok && sessionID != "" {
		if sender != "" {
			conv.sender = common.HexToAddress(sender).Hex()
		}
		conv.lastActive = m.now()
		return conv, nil
	}

	if sender == "" {
		sender = m.defaultSender
	}
	if !common.IsHexAddress(sender) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "a sender address is required")
	}
	if len(m.sessions) >= m.maxSessions && !m.evictIdleLocked() {
		return nil, xerrors.New(xerrors.CodeConflict, "too many active sessions")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conv := &conversation{
		session:    orchestrator.NewSession(sessionID, m.gateway, m.sessionOpts...),
		sender:     common.HexToAddress(sender).Hex(),
		lastActive: m.now(),
	}
	m.sessions[sessionID] = conv
	m.reportSessionsLocked()
	m.logger.Debug("创建会话", slog.String("session_id", sessionID))
	return conv, nil
}

// evictIdleLocked 移除最久未活动的空闲会话。
func (m *Manager) evictIdleLocked() bool {
	ids := make([]string, 0, len(m.sessions))
	for id, conv := range m.sessions {
		if conv.session.State() == orchestrator.StateIdle {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.sessions[ids[i]].lastActive.Before(m.sessions[ids[j]].lastActive)
	})
	victim := m.sessions[ids[0]]
	delete(m.sessions, ids[0])
	// 空闲会话没有在途轮询，Close 不会阻塞。
	victim.session.Close()
	return true
}

func (m *Manager) reportSessionsLocked() {
	if m.observer != nil {
		m.observer.SetActiveSessions(len(m.sessions))
	}
}

func (m *Manager) reply(conv *conversation, kind ReplyKind, text string) *Reply {
	return &Reply{
		SessionID: conv.session.ID(),
		Kind:      kind,
		Text:      text,
		State:     conv.session.State(),
	}
}

func isConfirmWord(text string) bool {
	switch strings.ToLower(strings.Trim(text, " .!")) {
	case "yes", "y", "confirm", "ok":
		return true
	}
	return false
}

func isCancelWord(text string) bool {
	switch strings.ToLower(strings.Trim(text, " .!")) {
	case "no", "n", "cancel":
		return true
	}
	return false
}

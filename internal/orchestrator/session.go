// Package orchestrator 实现单个会话的确认状态机：
// idle → awaiting_confirmation → submitting → polling → settled → idle。
// 所有状态转换都在会话自身的互斥锁内完成，轮询协程是唯一的重入点。
package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/resolver"
	"IntentArc/internal/txrecord"
	"IntentArc/pkg/logger"
)

// State 是会话状态。
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateSubmitting           State = "submitting"
	StatePolling              State = "polling"
	StateSettled              State = "settled"
)

// Record 是会话产生的交易记录。
type Record = txrecord.Record

const (
	// DefaultPollInterval 是查询交易状态的间隔。
	DefaultPollInterval = 2 * time.Second
	// DefaultPollTimeout 超过该时长仍未结算的交易以“状态未知”结束轮询。
	DefaultPollTimeout = 2 * time.Minute

	persistTimeout = 5 * time.Second
)

// Notifier 在交易记录变化（提交、结算）时收到通知。
type Notifier interface {
	Notify(ctx context.Context, record Record) error
}

// Option 定制 Session。
type Option func(*Session)

// WithStore 设置交易记录存储。
func WithStore(store txrecord.Store) Option {
	return func(s *Session) { s.store = store }
}

// WithNotifier 设置通知器。
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithPolling 设置轮询间隔与超时，非正数保持默认值。
func WithPolling(interval, timeout time.Duration) Option {
	return func(s *Session) {
		if interval > 0 {
			s.pollInterval = interval
		}
		if timeout > 0 {
			s.pollTimeout = timeout
		}
	}
}

// WithTransitionHook 注册状态转换回调，回调在会话锁内执行，不得回调会话方法。
func WithTransitionHook(hook func(from, to State)) Option {
	return func(s *Session) { s.hook = hook }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Snapshot 是会话的只读视图。
type Snapshot struct {
	ID      string             `json:"id"`
	State   State              `json:"state"`
	Pending *resolver.Proposal `json:"pending,omitempty"`
	Last    *Record            `json:"lastRecord,omitempty"`
}

// flight 跟踪一次确认产生的在途记录，done 关闭前 rec 已写入最终值。
type flight struct {
	done chan struct{}
	rec  Record
}

// Session 是单个聊天会话的确认状态机。
type Session struct {
	id           string
	gateway      gateway.Gateway
	store        txrecord.Store
	notifier     Notifier
	pollInterval time.Duration
	pollTimeout  time.Duration
	hook         func(from, to State)
	now          func() time.Time
	logger       *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	state      State
	pending    *resolver.Proposal
	current    *Record
	flight     *flight
	pollSeq    uint64
	pollCancel context.CancelFunc
	closed     bool
}

// NewSession 创建处于 idle 状态的会话。
func NewSession(id string, gw gateway.Gateway, opts ...Option) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		gateway:      gw,
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		now:          time.Now,
		logger:       logger.ForSession("orchestrator", id),
		baseCtx:      ctx,
		baseCancel:   cancel,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID 返回会话标识。
func (s *Session) ID() string { return s.id }

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending 返回等待确认的提案。
func (s *Session) Pending() *resolver.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Snapshot 返回会话当前的只读视图。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{ID: s.id, State: s.state, Pending: s.pending}
	if s.current != nil {
		rec := *s.current
		snap.Last = &rec
	}
	return snap
}

// transition 在持有锁时调用。
func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	if s.hook != nil {
		s.hook(from, to)
	}
	logger.Audit().Info("会话状态变化",
		slog.String("session_id", s.id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// Propose 登记一个等待确认的提案。等待确认时只有 replace 为 true 才会替换；
// 提交中返回 SESSION_BUSY；轮询中会取消轮询、把在途记录以状态未知结算后接受新提案。
func (s *Session) Propose(p *resolver.Proposal, replace bool) error {
	if !p.RequiresConfirmation() {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal does not require confirmation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xerrors.New(CodeSessionClosed, "session closed")
	}

	switch s.state {
	case StateAwaitingConfirmation:
		if !replace {
			return xerrors.New(CodePendingExists, "a proposal is already awaiting confirmation",
				xerrors.WithMetadata("proposal_id", s.pending.ID))
		}
	case StateSubmitting:
		return xerrors.New(CodeSessionBusy, "a transaction is being submitted")
	case StatePolling:
		s.settleLocked(s.pollSeq, gateway.TxStatus{Status: gateway.StatusPending}, true, "superseded by a new proposal")
	}

	s.pending = p
	if s.state != StateAwaitingConfirmation {
		s.transition(StateAwaitingConfirmation)
	}
	s.logger.Info("提案等待确认",
		slog.String("proposal_id", p.ID),
		slog.String("action", string(p.Action)),
		slog.String("amount", p.Amount),
		slog.String("token", p.Token))
	return nil
}

// Cancel 放弃等待确认的提案，不会调用网关。
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingConfirmation {
		return xerrors.New(CodeNoPendingProposal, "nothing to cancel")
	}
	s.logger.Info("提案已取消", slog.String("proposal_id", s.pending.ID))
	s.pending = nil
	s.transition(StateIdle)
	return nil
}

// Confirm 提交等待确认的提案。提交失败时记录以 failed 结算并返回 SUBMISSION_FAILED；
// 成功时进入轮询并立即返回 pending 状态的记录。
func (s *Session) Confirm(ctx context.Context) (Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record{}, xerrors.New(CodeSessionClosed, "session closed")
	}
	switch s.state {
	case StateAwaitingConfirmation:
	case StateSubmitting:
		s.mu.Unlock()
		return Record{}, xerrors.New(CodeSessionBusy, "a transaction is being submitted")
	default:
		s.mu.Unlock()
		return Record{}, xerrors.New(CodeNoPendingProposal, "nothing to confirm")
	}
	p := s.pending
	s.pending = nil
	rec := s.newRecord(p)
	s.current = &rec
	s.flight = &flight{done: make(chan struct{})}
	s.transition(StateSubmitting)
	s.mu.Unlock()

	hash, err := s.gateway.Submit(ctx, p.SubmitRequest())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || hash == "" {
		if err == nil {
			err = xerrors.New(xerrors.CodeSubmissionFailed, "gateway returned no transaction hash")
		}
		failure := xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "transaction submission failed")
		rec.Status = gateway.StatusFailed
		rec.FailureCode = string(xerrors.CodeSubmissionFailed)
		rec.FailureMessage = err.Error()
		rec.SettledAt = s.now().UTC()
		s.current = &rec
		s.transition(StateSettled)
		s.finishLocked(rec)
		s.logger.Warn("交易提交失败", slog.String("record_id", rec.ID), slog.Any("error", err))
		return rec, failure
	}

	rec.Hash = hash
	s.current = &rec
	s.transition(StatePolling)
	s.persistLocked(rec)

	if s.closed {
		s.settleLocked(s.pollSeq, gateway.TxStatus{Status: gateway.StatusPending}, true, "session closed")
		return rec, nil
	}
	s.pollSeq++
	gen := s.pollSeq
	pollCtx, cancel := context.WithTimeout(s.baseCtx, s.pollTimeout)
	s.pollCancel = cancel
	s.wg.Add(1)
	go s.poll(pollCtx, cancel, gen, hash)
	return rec, nil
}

func (s *Session) newRecord(p *resolver.Proposal) Record {
	return Record{
		ID:               uuid.NewString(),
		SessionID:        s.id,
		ProposalID:       p.ID,
		Status:           gateway.StatusPending,
		Action:           string(p.Action),
		Sender:           p.Sender,
		Recipient:        p.Recipient,
		RecipientAddress: p.RecipientAddress,
		Amount:           p.Amount,
		Token:            p.Token,
		ToToken:          p.ToToken,
		ExpectedAmount:   p.ExpectedAmount,
		YieldEarned:      p.YieldEarned,
		SubmittedAt:      s.now().UTC(),
	}
}

// poll 按间隔查询交易状态，直到终态、超时或被取消。网关错误不会终止轮询。
func (s *Session) poll(ctx context.Context, cancel context.CancelFunc, gen uint64, hash string) {
	defer s.wg.Done()
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		status, err := s.gateway.GetStatus(ctx, hash)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				s.logger.Warn("查询交易状态失败，继续轮询", slog.String("hash", hash), slog.Any("error", err))
			}
		case status.Status.Terminal():
			s.settle(gen, status, false, "")
			return
		default:
			s.observeConfirmations(gen, status)
		}

		select {
		case <-ctx.Done():
			reason := "status polling timed out"
			if stdErrors.Is(ctx.Err(), context.Canceled) {
				reason = "status polling cancelled"
			}
			s.settle(gen, gateway.TxStatus{Status: gateway.StatusPending}, true, reason)
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) observeConfirmations(gen uint64, status gateway.TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.pollSeq && s.state == StatePolling && s.current != nil && status.Confirmations > s.current.Confirmations {
		rec := *s.current
		rec.Confirmations = status.Confirmations
		s.current = &rec
	}
}

func (s *Session) settle(gen uint64, status gateway.TxStatus, unknown bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked(gen, status, unknown, reason)
}

// settleLocked 结算当前在途记录。过期的轮询代数会被忽略，保证每条记录只结算一次。
func (s *Session) settleLocked(gen uint64, status gateway.TxStatus, unknown bool, reason string) {
	if gen != s.pollSeq || s.state != StatePolling || s.current == nil {
		return
	}
	s.pollSeq++
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}

	rec := *s.current
	if rec.Status == gateway.StatusPending {
		rec.Status = status.Status
	}
	if status.Confirmations > rec.Confirmations {
		rec.Confirmations = status.Confirmations
	}
	rec.StatusUnknown = unknown
	rec.SettledAt = s.now().UTC()
	switch {
	case rec.Status == gateway.StatusFailed:
		rec.FailureCode = string(CodeTransactionFailed)
		rec.FailureMessage = "transaction reverted"
	case unknown:
		rec.FailureMessage = reason
	}
	s.current = &rec
	s.transition(StateSettled)
	s.finishLocked(rec)
}

// finishLocked 持久化结算记录，唤醒等待者并回到 idle。
func (s *Session) finishLocked(rec Record) {
	s.persistLocked(rec)
	if s.flight != nil {
		s.flight.rec = rec
		close(s.flight.done)
		s.flight = nil
	}
	logger.Audit().Info("交易已结算",
		slog.String("session_id", s.id),
		slog.String("record_id", rec.ID),
		slog.String("hash", rec.Hash),
		slog.String("status", string(rec.Status)),
		slog.Bool("status_unknown", rec.StatusUnknown))
	s.transition(StateIdle)
}

func (s *Session) persistLocked(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if s.store != nil {
		if err := s.store.Save(ctx, rec); err != nil {
			s.logger.Error("保存交易记录失败", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, rec); err != nil {
			s.logger.Error("投递交易事件失败", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
	}
}

// Wait 阻塞到当前在途记录结算，返回结算后的记录。没有在途记录时返回最近一条记录。
func (s *Session) Wait(ctx context.Context) (Record, error) {
	s.mu.Lock()
	f := s.flight
	var last *Record
	if s.current != nil {
		rec := *s.current
		last = &rec
	}
	s.mu.Unlock()

	if f == nil {
		if last == nil {
			return Record{}, xerrors.New(xerrors.CodeNotFound, "no transaction in this session")
		}
		return *last, nil
	}
	select {
	case <-ctx.Done():
		return Record{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "waiting for settlement")
	case <-f.done:
		return f.rec, nil
	}
}

// Close 取消轮询并等待后台协程退出。在途记录以状态未知结算。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.baseCancel()
	s.mu.Unlock()
	s.wg.Wait()
}

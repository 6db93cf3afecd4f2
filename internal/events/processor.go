package events

import (
	"context"
	"log/slog"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/observability/alerting"
	"IntentArc/internal/txrecord"
	"IntentArc/internal/yield"
	"IntentArc/pkg/logger"
)

// SettlementObserver 接收每一条结算记录，指标模块实现该接口。
type SettlementObserver interface {
	ObserveSettlement(record txrecord.Record)
}

// Processor 负责从队列消费事件：已确认的存取款写入收益台账，
// 需要告警的失败交给告警派发器。
type Processor struct {
	consumer     Consumer
	ledger       yield.Ledger
	depositKind  string
	withdrawKind string
	alerter      alerting.Dispatcher
	observer     SettlementObserver
	workerCount  int
	logger       *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithLedger 配置收益台账。
func WithLedger(ledger yield.Ledger) ProcessorOption {
	return func(p *Processor) {
		p.ledger = ledger
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithSettlementObserver 配置结算观察者。
func WithSettlementObserver(observer SettlementObserver) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		consumer:     consumer,
		depositKind:  "deposit",
		withdrawKind: "withdraw",
		workerCount:  1,
		logger:       logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动事件处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单条事件。返回错误时队列会重新投递。
func (p *Processor) Handle(ctx context.Context, event Event) error {
	record := event.Record
	if event.Type != TypeSettled {
		p.logger.Debug("收到提交事件",
			slog.String("record_id", record.ID),
			slog.String("hash", record.Hash))
		return nil
	}

	logger.Audit().Info("交易已结算",
		slog.String("record_id", record.ID),
		slog.String("session_id", record.SessionID),
		slog.String("hash", record.Hash),
		slog.String("status", string(record.Status)),
		slog.Bool("status_unknown", record.StatusUnknown),
		slog.String("action", record.Action),
		slog.String("amount", record.Amount),
		slog.String("token", record.Token))

	if p.observer != nil {
		p.observer.ObserveSettlement(record)
	}

	if record.Status == gateway.StatusConfirmed && p.ledger != nil {
		if err := p.recordLedger(ctx, record); err != nil {
			logger.L().Error("写入收益台账失败", slog.Any("error", err), slog.String("record_id", record.ID))
			return err
		}
	}

	if record.FailureCode != "" || record.StatusUnknown {
		p.emitAlert(ctx, record)
	}
	return nil
}

// recordLedger 以收益币计量存取款：存款记预期得到的份额，取款记赎回的份额。
func (p *Processor) recordLedger(ctx context.Context, record txrecord.Record) error {
	switch record.Action {
	case p.depositKind:
		amount, token := record.Amount, record.Token
		if record.ExpectedAmount != "" {
			amount, token = record.ExpectedAmount, record.ToToken
		}
		return p.ledger.RecordDeposit(ctx, yield.Deposit{
			ID:          record.ID,
			Owner:       record.Sender,
			Token:       token,
			Amount:      amount,
			TxHash:      record.Hash,
			DepositedAt: record.SettledAt,
		})
	case p.withdrawKind:
		return p.ledger.RecordWithdrawal(ctx, yield.Withdrawal{
			ID:          record.ID,
			Owner:       record.Sender,
			Token:       record.Token,
			Amount:      record.Amount,
			TxHash:      record.Hash,
			WithdrawnAt: record.SettledAt,
		})
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, record txrecord.Record) {
	if p.alerter == nil {
		return
	}
	code := xerrors.Code(record.FailureCode)
	attrs := xerrors.AttributesOf(code)
	if code == "" {
		// 轮询超时：交易可能仍在链上，需要人工核对。
		code = xerrors.CodeTimeout
		attrs = xerrors.AttributesOf(code)
		attrs.Alert = true
	}
	if !attrs.Alert {
		return
	}
	message := record.FailureMessage
	if message == "" {
		message = attrs.Message
	}
	event := alerting.Event{
		Code:      code,
		Message:   message,
		Severity:  attrs.Severity,
		RecordID:  record.ID,
		SessionID: record.SessionID,
		Hash:      record.Hash,
		Metadata: map[string]string{
			"action": record.Action,
			"amount": record.Amount,
			"token":  record.Token,
		},
		OccurredAt: record.SettledAt,
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", record.ID))
	}
}

// Package events 在交易记录状态变化时投递事件，并由后台处理器消费：
// 已确认的存款写入收益台账，需要告警的失败交给告警派发器。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"IntentArc/internal/txrecord"
)

// Type 区分事件类型。
type Type string

const (
	// TypeSubmitted 表示交易已提交、等待结算。
	TypeSubmitted Type = "submitted"
	// TypeSettled 表示交易已结算（确认、失败或状态未知）。
	TypeSettled Type = "settled"
)

// Event 是队列中传递的消息体。
type Event struct {
	Type       Type            `json:"type"`
	Record     txrecord.Record `json:"record"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewEvent 根据记录是否已结算推导事件类型。
func NewEvent(record txrecord.Record, now time.Time) Event {
	kind := TypeSubmitted
	if record.Settled() {
		kind = TypeSettled
	}
	return Event{Type: kind, Record: record, OccurredAt: now.UTC()}
}

func encode(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return event, nil
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责投递事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Notifier 把交易记录转换为事件投递出去，供编排器在状态变化时调用。
type Notifier struct {
	producer Producer
	now      func() time.Time
}

// NewNotifier 构造通知器。
func NewNotifier(producer Producer) *Notifier {
	return &Notifier{producer: producer, now: time.Now}
}

// Notify 投递记录对应的事件。
func (n *Notifier) Notify(ctx context.Context, record txrecord.Record) error {
	if n == nil || n.producer == nil {
		return nil
	}
	return n.producer.Publish(ctx, NewEvent(record, n.now()))
}

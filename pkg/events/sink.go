// 文件: pkg/events/sink.go
// 事件总线 - 事件出口
//
// 核心的平仓/结算事务保持纯净，所有对外发射统一走 Sink 接口，
// 在事务提交之后调用:
// - 先落库 (至少一次)，再向 NATS 发布 (尽力而为)
// - 成交分析流水走 Kafka 异步生产者
// - 任何失败只计数并记日志，绝不反馈给调用方

package events

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fxarena.com/pkg/kafka"
	natspkg "fxarena.com/pkg/nats"
)

// emitTimeout 单次发射的落库超时
const emitTimeout = 5 * time.Second

// =============================================================================
// Sink 接口
// =============================================================================

// Sink 事件出口，核心事务提交后的唯一对外发射点
type Sink interface {
	// Emit 追加事件记录并发布到总线
	Emit(e *PositionEvent)
	// EmitIntent 追加通知意图 (投递由外部服务完成)
	EmitIntent(n *NotificationIntent)
	// RecordTrade 发布成交分析流水
	RecordTrade(r *TradeRecord)
}

// NopSink 丢弃全部事件，用于测试和降级场景
type NopSink struct{}

func (NopSink) Emit(*PositionEvent)            {}
func (NopSink) EmitIntent(*NotificationIntent) {}
func (NopSink) RecordTrade(*TradeRecord)       {}

var (
	_ Sink = (*Recorder)(nil)
	_ Sink = NopSink{}
)

// =============================================================================
// Recorder - 默认实现
// =============================================================================

// RecorderStats 发射统计
type RecorderStats struct {
	EventsRecorded  int64 // 已落库事件数
	IntentsRecorded int64 // 已落库意图数
	PublishedCount  int64 // 已发布到总线的事件数
	TradesSent      int64 // 已发送的成交流水数
	FailedCount     int64 // 落库/发布失败数
}

// Recorder 事件出口默认实现
// bus/trades 允许为 nil，对应后端缺席时降级为纯落库
type Recorder struct {
	db     *gorm.DB
	bus    *natspkg.Publisher
	trades *kafka.Producer

	eventsRecorded  atomic.Int64
	intentsRecorded atomic.Int64
	publishedCount  atomic.Int64
	tradesSent      atomic.Int64
	failedCount     atomic.Int64
}

// NewRecorder 创建事件出口
func NewRecorder(db *gorm.DB, bus *natspkg.Publisher, trades *kafka.Producer) *Recorder {
	return &Recorder{
		db:     db,
		bus:    bus,
		trades: trades,
	}
}

// Emit 落库后发布，失败只计数
func (r *Recorder) Emit(e *PositionEvent) {
	if e == nil {
		return
	}
	if e.EventUID == "" {
		e.EventUID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		r.failedCount.Add(1)
		log.Printf("[EventSink] persist event failed: type=%s, user=%d, err=%v", e.Type, e.UserID, err)
		return
	}
	r.eventsRecorded.Add(1)

	if r.bus == nil {
		return
	}
	subject := SubjectFor(e.Type)
	if err := r.bus.Publish(subject, e); err != nil {
		r.failedCount.Add(1)
		log.Printf("[EventSink] publish failed: subject=%s, err=%v", subject, err)
		return
	}
	r.publishedCount.Add(1)
}

// EmitIntent 直接落库通知意图 (不经过总线)
func (r *Recorder) EmitIntent(n *NotificationIntent) {
	if n == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Payload == "" {
		n.Payload = "{}"
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		r.failedCount.Add(1)
		log.Printf("[EventSink] persist intent failed: kind=%s, user=%d, err=%v", n.Kind, n.UserID, err)
		return
	}
	r.intentsRecorded.Add(1)
}

// RecordTrade 经 Kafka 发送成交流水 (异步)
func (r *Recorder) RecordTrade(rec *TradeRecord) {
	if rec == nil || r.trades == nil {
		return
	}
	if err := r.trades.Send(rec); err != nil {
		r.failedCount.Add(1)
		log.Printf("[EventSink] send trade record failed: trade=%d, err=%v", rec.TradeID, err)
		return
	}
	r.tradesSent.Add(1)
}

// Stats 获取统计
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		EventsRecorded:  r.eventsRecorded.Load(),
		IntentsRecorded: r.intentsRecorded.Load(),
		PublishedCount:  r.publishedCount.Load(),
		TradesSent:      r.tradesSent.Load(),
		FailedCount:     r.failedCount.Load(),
	}
}

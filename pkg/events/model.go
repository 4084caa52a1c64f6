// 文件: pkg/events/model.go
// 事件总线 - 数据模型
//
// 核心提交状态变更后，向外追加两类只增记录:
// - PositionEvent: 事件记录 (开平仓、爆仓、成交、竞赛结果)
// - NotificationIntent: 通知意图 (投递由外部服务完成，核心只记录意图)
//
// 【投递语义】
// 事件至少一次落库，总线发布尽力而为；
// 消费方自行按 event_uid 去重，核心不保证跨类型的投递顺序。

package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// 事件类型
// =============================================================================

const (
	TypePositionOpened        = "position_opened"
	TypePositionClosed        = "position_closed"
	TypePositionLiquidated    = "position_liquidated"
	TypeOrderFilled           = "order_filled"
	TypeTPSLTriggered         = "tpsl_triggered"
	TypeContestJoined         = "contest_joined"
	TypeContestWon            = "contest_won"
	TypeContestLost           = "contest_lost"
	TypeContestCancelled      = "contest_cancelled"
	TypeChallengeTie          = "challenge_tie"
	TypeChallengeDisqualified = "challenge_disqualified"
)

// SubjectPrefix NATS 主题前缀，订阅 "events.>" 可收到全部事件
const SubjectPrefix = "events."

// SubjectFor 事件类型到 NATS 主题的映射
// position_closed -> events.position.closed
func SubjectFor(eventType string) string {
	return SubjectPrefix + strings.ReplaceAll(eventType, "_", ".")
}

// =============================================================================
// PositionEvent 事件记录
// =============================================================================

// PositionEvent 事件记录 (只增表)
type PositionEvent struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EventUID   string    `gorm:"column:event_uid;type:varchar(64);uniqueIndex" json:"event_uid"`
	Type       string    `gorm:"column:event_type;type:varchar(32);index" json:"type"`
	UserID     int64     `gorm:"column:user_id;index" json:"user_id"`
	ContestID  int64     `gorm:"column:contest_id;index" json:"contest_id"`
	PositionID int64     `gorm:"column:position_id" json:"position_id"` // 0 = 与具体持仓无关
	Payload    string    `gorm:"column:payload;type:text" json:"payload"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名
func (PositionEvent) TableName() string {
	return "position_events"
}

// NewPositionEvent 构造事件记录，payload 序列化为 JSON
func NewPositionEvent(eventType string, userID, contestID, positionID int64, payload map[string]any) *PositionEvent {
	body := "{}"
	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			body = string(data)
		}
	}

	return &PositionEvent{
		EventUID:   uuid.NewString(),
		Type:       eventType,
		UserID:     userID,
		ContestID:  contestID,
		PositionID: positionID,
		Payload:    body,
		CreatedAt:  time.Now(),
	}
}

// DecodePayload 反序列化 payload
func (e *PositionEvent) DecodePayload() (map[string]any, error) {
	m := make(map[string]any)
	if e.Payload == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(e.Payload), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// NotificationIntent 通知意图
// =============================================================================

// IntentStatus 通知意图状态
type IntentStatus int8

const (
	IntentPending IntentStatus = 0 // 待投递
	IntentSent    IntentStatus = 1 // 已投递 (由外部投递服务回写)
)

// String 返回状态名称
func (s IntentStatus) String() string {
	switch s {
	case IntentPending:
		return "pending"
	case IntentSent:
		return "sent"
	default:
		return "unknown"
	}
}

// 通知意图类别
const (
	KindAutoClose     = "position_autoclose" // 止损/止盈触发
	KindLiquidation   = "liquidation"        // 强制平仓
	KindMarginWarning = "margin_warning"     // 保证金水平预警
	KindMarginCall    = "margin_call"        // 追加保证金通知
	KindRefund        = "refund"             // 报名费退款
	KindDisqualified  = "disqualification"   // 取消参赛资格
	KindContestResult = "contest_result"     // 竞赛/挑战结果
)

// NotificationIntent 通知意图 (只增表，投递服务轮询 pending 行)
type NotificationIntent struct {
	ID        int64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64        `gorm:"column:user_id;index" json:"user_id"`
	Kind      string       `gorm:"column:kind;type:varchar(32)" json:"kind"`
	Title     string       `gorm:"column:title;type:varchar(128)" json:"title"`
	Body      string       `gorm:"column:body;type:varchar(512)" json:"body"`
	Payload   string       `gorm:"column:payload;type:text" json:"payload"`
	Status    IntentStatus `gorm:"column:status;default:0" json:"status"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
	AckedAt   *time.Time   `gorm:"column:acked_at" json:"acked_at"`
}

// TableName 指定表名
func (NotificationIntent) TableName() string {
	return "notification_intents"
}

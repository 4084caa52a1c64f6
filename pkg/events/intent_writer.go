// 文件: pkg/events/intent_writer.go
// 事件总线 - 通知意图写入器
//
// 监听 NATS 事件总线，把需要触达用户的事件翻译成 notification_intents 行:
// - 止损/止盈自动平仓、强平
// - 取消退款、取消资格
// - 竞赛/挑战结果
// 投递本身由外部通知服务完成，这里只负责意图落库。

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	natspkg "fxarena.com/pkg/nats"
)

// intentWriterQueue 队列组名，多实例时负载均衡
const intentWriterQueue = "intent-writer"

// IntentWriter NATS 队列订阅者，事件 -> 通知意图
type IntentWriter struct {
	db         *gorm.DB
	subscriber *natspkg.Subscriber

	// 统计
	stats struct {
		Received int64
		Written  int64
		Skipped  int64
		Errors   int64
	}
	mu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewIntentWriter 创建通知意图写入器
func NewIntentWriter(db *gorm.DB, natsURL string) (*IntentWriter, error) {
	w := &IntentWriter{
		db:     db,
		stopCh: make(chan struct{}),
	}

	subscriber, err := natspkg.NewSubscriber(natsURL, w.handleMessage)
	if err != nil {
		return nil, err
	}
	w.subscriber = subscriber

	return w, nil
}

// Start 订阅全部事件主题并启动周期统计
func (w *IntentWriter) Start() error {
	if err := w.subscriber.SubscribeQueue(SubjectPrefix+">", intentWriterQueue); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.statsLoop()

	log.Printf("[IntentWriter] started: subject=%s>, queue=%s", SubjectPrefix, intentWriterQueue)
	return nil
}

// Stop 停止
func (w *IntentWriter) Stop() error {
	close(w.stopCh)
	w.wg.Wait()
	if w.subscriber != nil {
		return w.subscriber.Close()
	}
	return nil
}

// statsLoop 周期打印统计
func (w *IntentWriter) statsLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			s := w.Stats()
			log.Printf("[IntentWriter] stats: received=%d, written=%d, skipped=%d, errors=%d",
				s["received"], s["written"], s["skipped"], s["errors"])
		}
	}
}

// handleMessage 处理总线事件
func (w *IntentWriter) handleMessage(subject string, data []byte) error {
	var evt PositionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		w.bump(&w.stats.Errors)
		return fmt.Errorf("unmarshal event: %w", err)
	}

	w.bump(&w.stats.Received)

	intent := w.translate(&evt)
	if intent == nil {
		w.bump(&w.stats.Skipped)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.db.WithContext(ctx).Create(intent).Error; err != nil {
		w.bump(&w.stats.Errors)
		return fmt.Errorf("insert intent: %w", err)
	}

	w.bump(&w.stats.Written)
	return nil
}

// translate 事件翻译为通知意图，不需要触达用户的类型返回 nil
func (w *IntentWriter) translate(evt *PositionEvent) *NotificationIntent {
	payload, err := evt.DecodePayload()
	if err != nil {
		payload = map[string]any{}
	}

	intent := &NotificationIntent{
		UserID:    evt.UserID,
		Payload:   evt.Payload,
		Status:    IntentPending,
		CreatedAt: time.Now(),
	}

	switch evt.Type {
	case TypeTPSLTriggered:
		intent.Kind = KindAutoClose
		symbol := payloadString(payload, "symbol")
		pnl := payloadNumber(payload, "pnl")
		if payloadString(payload, "trigger") == "take_profit" {
			intent.Title = "Take profit triggered"
			intent.Body = fmt.Sprintf("Your %s position was closed at take profit (PnL %.2f).", symbol, pnl)
		} else {
			intent.Title = "Stop loss triggered"
			intent.Body = fmt.Sprintf("Your %s position was closed at stop loss (PnL %.2f).", symbol, pnl)
		}

	case TypePositionLiquidated:
		intent.Kind = KindLiquidation
		intent.Title = "Position liquidated"
		intent.Body = fmt.Sprintf("Your %s position was force-closed due to insufficient margin.",
			payloadString(payload, "symbol"))

	case TypeContestCancelled:
		intent.Kind = KindRefund
		intent.Title = "Contest cancelled"
		intent.Body = "The contest was cancelled and your entry fee has been refunded."

	case TypeChallengeDisqualified:
		intent.Kind = KindDisqualified
		intent.Title = "Disqualified"
		if reason := payloadString(payload, "reason"); reason != "" {
			intent.Body = fmt.Sprintf("You were disqualified: %s.", reason)
		} else {
			intent.Body = "You were disqualified from the contest."
		}

	case TypeContestWon:
		intent.Kind = KindContestResult
		intent.Title = "Contest result"
		intent.Body = fmt.Sprintf("Congratulations, you placed #%d and won %.0f credits.",
			int64(payloadNumber(payload, "rank")), payloadNumber(payload, "prize"))

	case TypeContestLost:
		intent.Kind = KindContestResult
		intent.Title = "Contest result"
		intent.Body = "The contest has ended. Check the final leaderboard for your placement."

	case TypeChallengeTie:
		intent.Kind = KindContestResult
		intent.Title = "Challenge result"
		intent.Body = "The challenge ended in a tie."

	default:
		return nil
	}

	return intent
}

// bump 统计加一
func (w *IntentWriter) bump(field *int64) {
	w.mu.Lock()
	*field++
	w.mu.Unlock()
}

// Stats 获取统计
func (w *IntentWriter) Stats() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]int64{
		"received": w.stats.Received,
		"written":  w.stats.Written,
		"skipped":  w.stats.Skipped,
		"errors":   w.stats.Errors,
	}
}

// payloadString 从 payload 取字符串字段
func payloadString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// payloadNumber 从 payload 取数值字段 (JSON 数值统一为 float64)
func payloadNumber(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

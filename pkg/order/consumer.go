// 文件: pkg/order/consumer.go
// 订单请求入口 - Kafka 消费者组
//
// 外部下单面把请求投到 order.requests，核心按消费者组负载均衡消费。
// 坏消息记日志后跳过，业务拒绝 (风控/资金/状态) 同样只记日志，
// 请求型消息没有重试价值，行情早已走远。

package order

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"fxarena.com/pkg/kafka"
	"fxarena.com/pkg/oracle"
)

const (
	// TopicOrderRequests 订单请求主题
	TopicOrderRequests = "order.requests"

	// consumerGroupID 消费者组，多实例共摊分区
	consumerGroupID = "order-engine"

	// requestTimeout 单条请求的处理超时
	requestTimeout = 5 * time.Second
)

// 请求动作
const (
	ActionPlace  = "place"
	ActionCancel = "cancel"
)

// OrderRequest 订单请求消息
type OrderRequest struct {
	Action string `json:"action"` // place | cancel

	ContestID int64 `json:"contest_id"`
	UserID    int64 `json:"user_id"`

	// place
	Symbol     string  `json:"symbol,omitempty"`
	Side       string  `json:"side,omitempty"`       // buy | sell
	OrderType  string  `json:"order_type,omitempty"` // market | limit
	Quantity   float64 `json:"quantity,omitempty"`
	Leverage   float64 `json:"leverage,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`

	// place 市价单可附带客户端锁定报价
	LockedBid float64 `json:"locked_bid,omitempty"`
	LockedAsk float64 `json:"locked_ask,omitempty"`
	LockedAt  int64   `json:"locked_at_ms,omitempty"` // UnixMilli

	// cancel
	OrderID int64 `json:"order_id,omitempty"`
}

// ToPlaceRequest 消息 -> 下单请求
func (r *OrderRequest) ToPlaceRequest() (PlaceRequest, error) {
	side, err := SideFromString(r.Side)
	if err != nil {
		return PlaceRequest{}, err
	}
	typ, err := TypeFromString(r.OrderType)
	if err != nil {
		return PlaceRequest{}, err
	}

	req := PlaceRequest{
		ContestID:  r.ContestID,
		UserID:     r.UserID,
		Symbol:     r.Symbol,
		Side:       side,
		OrderType:  typ,
		Quantity:   r.Quantity,
		Leverage:   r.Leverage,
		LimitPrice: r.LimitPrice,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
	}
	if r.LockedBid > 0 && r.LockedAsk > 0 {
		lq := oracle.NewQuote(r.Symbol, r.LockedBid, r.LockedAsk, "client")
		if r.LockedAt > 0 {
			lq.Timestamp = time.UnixMilli(r.LockedAt)
		}
		req.Locked = &lq
	}
	return req, nil
}

// =============================================================================
// Consumer - 订单请求消费者
// =============================================================================

// Consumer 订单请求消费者
type Consumer struct {
	service  *Service
	consumer *kafka.Consumer
}

// NewConsumer 创建消费者 (不启动)
func NewConsumer(service *Service, brokers []string) (*Consumer, error) {
	c := &Consumer{service: service}

	kc, err := kafka.NewConsumer(
		kafka.DefaultConsumerConfig(brokers, consumerGroupID, []string{TopicOrderRequests}),
		c.handleMessage,
	)
	if err != nil {
		return nil, err
	}
	c.consumer = kc
	return c, nil
}

// Start 启动消费
func (c *Consumer) Start() {
	c.consumer.Start()
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	return c.consumer.Stop()
}

// handleMessage 处理一条请求
func (c *Consumer) handleMessage(topic string, partition int32, offset int64, key, value []byte) error {
	var req OrderRequest
	if err := json.Unmarshal(value, &req); err != nil {
		log.Printf("[Order] malformed request skipped: offset=%d, err=%v", offset, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Action {
	case ActionCancel:
		if _, err := c.service.CancelOrder(ctx, req.OrderID, req.UserID); err != nil {
			log.Printf("[Order] cancel request failed: order=%d, user=%d, err=%v", req.OrderID, req.UserID, err)
		}
	case ActionPlace, "": // 未带 action 的旧消息按下单处理
		place, err := req.ToPlaceRequest()
		if err != nil {
			log.Printf("[Order] malformed request skipped: offset=%d, err=%v", offset, err)
			return nil
		}
		if _, err := c.service.PlaceOrder(ctx, place); err != nil {
			log.Printf("[Order] place request failed: user=%d, symbol=%s, err=%v", req.UserID, req.Symbol, err)
		}
	default:
		log.Printf("[Order] unknown action skipped: action=%q, offset=%d", req.Action, offset)
	}
	return nil
}

// 文件: pkg/order/consumer_test.go
// 订单请求消息解析单元测试 (纯内存，不依赖 Kafka)

package order

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestOrderRequestToPlaceRequest(t *testing.T) {
	raw := `{
		"action": "place",
		"contest_id": 7,
		"user_id": 42,
		"symbol": "EURUSD",
		"side": "buy",
		"order_type": "limit",
		"quantity": 0.5,
		"leverage": 50,
		"limit_price": 1.0950,
		"stop_loss": 1.0900,
		"take_profit": 1.1100
	}`

	var msg OrderRequest
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	req, err := msg.ToPlaceRequest()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if req.ContestID != 7 || req.UserID != 42 || req.Symbol != "EURUSD" {
		t.Errorf("identity fields wrong: %+v", req)
	}
	if req.Side != SideBuy || req.OrderType != TypeLimit {
		t.Errorf("side/type wrong: %v %v", req.Side, req.OrderType)
	}
	if req.Quantity != 0.5 || req.Leverage != 50 || req.LimitPrice != 1.0950 {
		t.Errorf("numeric fields wrong: %+v", req)
	}
	if req.StopLoss != 1.0900 || req.TakeProfit != 1.1100 {
		t.Errorf("protective prices wrong: %+v", req)
	}
	if req.Locked != nil {
		t.Error("no locked quote fields, Locked should be nil")
	}
}

func TestOrderRequestLockedQuote(t *testing.T) {
	lockedAt := time.Now().Add(-500 * time.Millisecond).UnixMilli()
	msg := OrderRequest{
		Action:    ActionPlace,
		ContestID: 1,
		UserID:    2,
		Symbol:    "GBPUSD",
		Side:      "sell",
		OrderType: "market",
		Quantity:  1,
		LockedBid: 1.2540,
		LockedAsk: 1.2541,
		LockedAt:  lockedAt,
	}

	req, err := msg.ToPlaceRequest()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if req.Locked == nil {
		t.Fatal("locked quote should be carried through")
	}
	if req.Locked.Bid != 1.2540 || req.Locked.Ask != 1.2541 {
		t.Errorf("locked prices wrong: %+v", req.Locked)
	}
	if req.Locked.Timestamp.UnixMilli() != lockedAt {
		t.Errorf("locked timestamp = %v, want unix ms %d", req.Locked.Timestamp, lockedAt)
	}
	if !req.Locked.Fresh(2 * time.Second) {
		t.Error("half second old locked quote should still be fresh")
	}
}

func TestOrderRequestBadEnums(t *testing.T) {
	base := OrderRequest{ContestID: 1, UserID: 2, Symbol: "EURUSD", Quantity: 1}

	bad := base
	bad.Side = "hold"
	bad.OrderType = "market"
	if _, err := bad.ToPlaceRequest(); !errors.Is(err, ErrValidation) {
		t.Errorf("bad side should fail validation, got %v", err)
	}

	bad = base
	bad.Side = "buy"
	bad.OrderType = "stop"
	if _, err := bad.ToPlaceRequest(); !errors.Is(err, ErrValidation) {
		t.Errorf("bad order type should fail validation, got %v", err)
	}
}

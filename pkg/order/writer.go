// 文件: pkg/order/writer.go
// 平仓单写入器 - 持仓引擎平仓事务的落单入口

package order

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/position"
)

// Writer 平仓单写入器，在平仓事务内同步插入已成交的平仓单
type Writer struct{}

// 持仓引擎的落单口由本写入器承接
var _ position.OrderWriter = (*Writer)(nil)

// NewWriter 创建写入器
func NewWriter() *Writer {
	return &Writer{}
}

// CreateCloseOrder 插入平仓单并返回雪花单号
// 平仓单方向与持仓相反，不占保证金，落地即 filled
func (w *Writer) CreateCloseOrder(ctx context.Context, tx *gorm.DB, spec position.CloseOrderSpec) (int64, error) {
	side := SideSell
	if !spec.Long {
		side = SideBuy
	}
	source := SourceWeb
	if spec.System {
		source = SourceSystem
	}

	now := time.Now()
	o := &Order{
		OrderID:       GenerateOrderID(),
		ContestID:     spec.ContestID,
		ParticipantID: spec.ParticipantID,
		UserID:        spec.UserID,
		Symbol:        spec.Symbol,
		Side:          side,
		OrderType:     TypeMarket,
		Source:        source,
		Quantity:      spec.Quantity,
		ExecutedPrice: spec.Price,
		Status:        StatusFilled,
		Reason:        spec.Reason,
		PositionID:    spec.PositionID,
		PlacedAt:      now,
		ExecutedAt:    &now,
	}
	if err := NewRepo(tx).Create(ctx, o); err != nil {
		return 0, fmt.Errorf("create close order: %w", err)
	}
	return o.OrderID, nil
}

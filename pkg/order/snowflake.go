// 文件: pkg/order/snowflake.go
// 雪花算法单号生成
// 使用开源库: github.com/bwmarrin/snowflake

package order

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
)

// InitSnowflake 初始化雪花节点
// nodeID: 节点 ID (0-1023)，多实例部署时各实例唯一
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// GenerateOrderID 生成全局唯一订单号
func GenerateOrderID() int64 {
	if node == nil {
		// 未初始化退回默认节点 0
		InitSnowflake(0)
	}
	return node.Generate().Int64()
}

// 文件: pkg/oracle/ws_feed.go
// WebSocket 行情源 - 订阅上游实时推送，断线自动重连

package oracle

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 30 * time.Second
)

// WSFeed WebSocket 行情源
//
// 【连接管理】
// 1. connectionLoop 维持长连: 断线 -> 等 5 秒 -> 重连
// 2. pingLoop 每 30 秒发 Ping 保活
// 3. 断线期间对 PriceService 置降级标记，缓存里的旧报价对外都带 IsFallback；
//    重连成功后解除
type WSFeed struct {
	service *PriceService

	url     string
	symbols []string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	msgCount   int64
	reconnects int64
}

// wsQuoteMessage 上游推送的报价消息
type wsQuoteMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"ts"` // Unix 毫秒
}

// NewWSFeed 创建 WebSocket 行情源
func NewWSFeed(service *PriceService, url string, symbols []string) *WSFeed {
	return &WSFeed{
		service: service,
		url:     url,
		symbols: symbols,
		stopCh:  make(chan struct{}),
	}
}

// Start 启动连接维护循环
func (f *WSFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.connectionLoop()

	log.Printf("[Oracle] ws feed started: url=%s symbols=%d", f.url, len(f.symbols))
}

// Stop 关闭连接并停止重连
func (f *WSFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	conn := f.conn
	f.mu.Unlock()

	close(f.stopCh)
	if conn != nil {
		conn.Close()
	}
	f.wg.Wait()
	log.Printf("[Oracle] ws feed stopped: messages=%d reconnects=%d",
		atomic.LoadInt64(&f.msgCount), atomic.LoadInt64(&f.reconnects))
}

// Connected 当前是否在线
func (f *WSFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Stats 运行统计快照
func (f *WSFeed) Stats() map[string]int64 {
	return map[string]int64{
		"message_count": atomic.LoadInt64(&f.msgCount),
		"reconnects":    atomic.LoadInt64(&f.reconnects),
	}
}

// connectionLoop 维持连接: 连接 -> 读循环 (阻塞到断线) -> 延迟重连
func (f *WSFeed) connectionLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Printf("[Oracle] ws connect failed: %v, retrying in %v", err, wsReconnectDelay)
			f.service.SetFallback(true)
			if !f.sleep(wsReconnectDelay) {
				return
			}
			continue
		}

		f.readLoop()

		// 读循环返回即断线
		f.service.SetFallback(true)
		atomic.AddInt64(&f.reconnects, 1)
		if !f.sleep(wsReconnectDelay) {
			return
		}
	}
}

// sleep 可被 Stop 打断的等待，返回 false 表示该退出了
func (f *WSFeed) sleep(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (f *WSFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}

	// 订阅品种
	sub := map[string]interface{}{
		"op":      "subscribe",
		"symbols": f.symbols,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.service.SetFallback(false)
	log.Printf("[Oracle] ws connected: %s", f.url)

	go f.pingLoop(conn)
	return nil
}

// pingLoop 保活，conn 断开或 Stop 后退出
func (f *WSFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.connected = false
			f.conn = nil
			f.mu.Unlock()

			select {
			case <-f.stopCh: // 主动 Stop，不刷报错日志
			default:
				log.Printf("[Oracle] ws read error: %v", err)
			}
			conn.Close()
			return
		}

		f.handleMessage(message)
	}
}

func (f *WSFeed) handleMessage(data []byte) {
	var msg wsQuoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return // 非报价消息 (订阅确认等)，忽略
	}
	if msg.Type != "quote" || msg.Bid <= 0 || msg.Ask <= 0 || msg.Ask < msg.Bid {
		return
	}

	atomic.AddInt64(&f.msgCount, 1)

	q := NewQuote(msg.Symbol, msg.Bid, msg.Ask, SourceWS)
	if msg.Timestamp > 0 {
		q.Timestamp = time.UnixMilli(msg.Timestamp)
	}
	f.service.Update(q)
}

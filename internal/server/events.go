package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"labellens/internal/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientSendSize = 32
)

// イベント種別
const (
	EventNotice            = "notice"
	EventCapture           = "capture"
	EventAnalysis          = "analysis"
	EventPermissionRequest = "permission_request"
	EventSession           = "session"
)

// Event はWebSocketで配信するメッセージ
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// eventClient は接続中のWebSocketクライアント
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub は接続中の全クライアントにイベントを配る
// 送信が追いつかないクライアントへのイベントは捨てる
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*eventClient]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewEventHub は新しいEventHubを作成する
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
	}
}

// Broadcast はイベントを全クライアントに送る
func (h *EventHub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data, Time: time.Now()})
	if err != nil {
		log.Error("イベントのエンコードに失敗", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeWS はWebSocketにアップグレードしてクライアントを登録する
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		log.Warn("WebSocketのアップグレードに失敗", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	client := &eventClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.register(client)

	go h.writePump(client)
	h.readPump(client)
}

func (h *EventHub) register(c *eventClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	log.Debug("イベントクライアントが接続しました", "remote", c.conn.RemoteAddr().String(), "clients", count)
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	log.Debug("イベントクライアントが切断しました", "remote", c.conn.RemoteAddr().String(), "clients", count)
}

// readPump はクライアントからの切断とpongを検知する
// 受信したメッセージは使わない
func (h *EventHub) readPump(c *eventClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("イベントクライアントの読み込みエラー", "error", err)
			}
			return
		}
	}
}

// writePump はsendチャンネルのメッセージを書き込み、定期的にpingを送る
func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close は全てのクライアントを切断する
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients は接続中のクライアント数を返す
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EventStats はイベント配信の統計
type EventStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats は配信統計を返す
func (h *EventHub) Stats() EventStats {
	return EventStats{
		Clients: h.Clients(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

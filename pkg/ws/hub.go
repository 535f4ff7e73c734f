package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeInit  = "init"  // 初始化数据（场景镜像+HUD）
	MsgTypeHUD   = "hud"   // HUD 更新
	MsgTypeError = "error" // 错误消息
)

// 客户端消息类型
const (
	ClientSelect         = "select"
	ClientToggleHistory  = "toggle_history"
	ClientFocus          = "focus"
	ClientAnchorClick    = "anchor_click"
	ClientPanelHeight    = "panel_height"
	ClientCommandRequest = "command_request"
	ClientCommandConfirm = "command_confirm"
	ClientCommandCancel  = "command_cancel"
)

const maxClientMessageSize = 4096

// Message WebSocket 消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ClientMessage 浏览器发来的消息
type ClientMessage struct {
	Type      string  `json:"type"`
	VehicleID string  `json:"vehicle_id"`
	Kind      string  `json:"kind,omitempty"`
	Height    float64 `json:"height,omitempty"`
}

// InitData 初始化数据
type InitData struct {
	Scene interface{} `json:"scene"`
	HUD   interface{} `json:"hud"`
}

// directMessage 只发给单个客户端的消息
type directMessage struct {
	client *Client
	data   []byte
}

// Client WebSocket 客户端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub WebSocket 连接管理中心
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	// 初始数据提供者回调
	getInitData func() *InitData
	// 客户端消息处理回调
	onMessage func(msg ClientMessage)
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func() *InitData) {
	h.getInitData = provider
}

// SetMessageHandler 设置客户端消息处理回调
func (h *Hub) SetMessageHandler(handler func(msg ClientMessage)) {
	h.onMessage = handler
}

// Run 运行 Hub，直到 ctx 取消或 Stop 被调用
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.Int("total_clients", total))

		case msg := <-h.direct:
			h.mu.Lock()
			if h.clients[msg.client] {
				select {
				case msg.client.send <- msg.data:
					h.logger.Debug("Sent init data to client")
				default:
					h.logger.Warn("Failed to send init data, client buffer full")
				}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 慢消费者，关闭连接
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Dropping slow WebSocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop 停止 Hub，重复调用无副作用
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// sendInitData 发送初始数据给新连接的客户端
// 在注册方的 goroutine 中生成，Hub 只负责投递，不等待数据提供者
func (h *Hub) sendInitData(client *Client) {
	if h.getInitData == nil {
		h.logger.Warn("No init data provider set")
		return
	}

	initData := h.getInitData()
	if initData == nil {
		h.logger.Warn("Init data provider returned nil")
		return
	}

	msg := Message{
		Type: MsgTypeInit,
		Data: initData,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}

	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.done:
	}
}

// Broadcast 广播消息给所有客户端，Hub 停止后丢弃
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// BroadcastMessage 广播结构化消息给所有客户端
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	msg := Message{
		Type: msgType,
		Data: data,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.Broadcast(jsonData)
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// Register 注册客户端并发送初始数据
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		close(c.send)
		return
	}
	c.hub.sendInitData(c)
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 读取客户端消息并交给处理回调
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(msg)
		}
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}

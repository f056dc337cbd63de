package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
	chatservice "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/internal/service/events"
)

// 客户端指令
const (
	CommandSend    = "send"
	CommandSession = "session"
	CommandDismiss = "dismiss"
	CommandDraft   = "draft"
)

// 仅由WebSocket下发的消息类型，其余类型与事件中心一致
const (
	TypeSnapshot = "snapshot"
	TypeInput    = "input"
	TypeResult   = "result"
	TypeError    = "error"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	outboxSize   = 16
)

// WebSocketHandler 控件的双向实时通道
type WebSocketHandler struct {
	chatSvc  *chatservice.Service
	hub      *events.Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service, hub *events.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc: chatSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.Component("websocket"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/widgets/{widgetID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textData struct {
	Text string `json:"text"`
}

// connection 串行化所有写操作，gorilla连接不支持并发写
type connection struct {
	widgetID string
	conn     *websocket.Conn
	outbox   chan events.Event
	ctx      context.Context
}

func (c *connection) enqueue(eventType string, data any) {
	evt := events.Event{
		Type:      eventType,
		WidgetID:  c.widgetID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case c.outbox <- evt:
	case <-c.ctx.Done():
	}
}

func (c *connection) sendError(message string) {
	c.enqueue(TypeError, map[string]string{"message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")

	hubCh, unsubscribe := h.hub.Subscribe(widgetID)
	defer unsubscribe()

	snapshot, err := h.chatSvc.Snapshot(r.Context(), widgetID)
	if err != nil {
		if errors.Is(err, chatservice.ErrWidgetNotFound) {
			http.Error(w, "widget not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("widget", widgetID).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &connection{
		widgetID: widgetID,
		conn:     conn,
		outbox:   make(chan events.Event, outboxSize),
		ctx:      ctx,
	}

	h.log.Info().Str("widget", widgetID).Msg("connection opened")
	defer h.log.Info().Str("widget", widgetID).Msg("connection closed")

	// The snapshot goes out before the writer starts so it always precedes hub events.
	if !h.write(c, events.Event{Type: TypeSnapshot, WidgetID: widgetID, Data: snapshot, Timestamp: time.Now().UnixMilli()}) {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.writeLoop(ctx, c, hubCh)
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	h.readLoop(ctx, c)
	cancel()
	<-done
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *connection) {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("widget", c.widgetID).Msg("read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(ctx, c, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	switch msg.Type {
	case CommandSend:
		var data textData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid send payload")
			return
		}
		// Sending blocks until the reply arrives, so it must not hold up the reader.
		go h.send(ctx, c, data.Text)
	case CommandSession:
		if _, err := h.chatSvc.NewSession(ctx, c.widgetID); err != nil {
			c.sendError(err.Error())
		}
	case CommandDismiss:
		if err := h.chatSvc.DismissNotice(ctx, c.widgetID); err != nil {
			c.sendError(err.Error())
		}
	case CommandDraft:
		var data textData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid draft payload")
			return
		}
		status, err := h.chatSvc.Draft(ctx, c.widgetID, data.Text)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.enqueue(TypeInput, status)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (h *WebSocketHandler) send(ctx context.Context, c *connection, text string) {
	result, err := h.chatSvc.Send(context.WithoutCancel(ctx), c.widgetID, text)
	switch {
	case errors.Is(err, chatservice.ErrRequestFailed):
		// the apology message and notice already went out as events
		c.enqueue(TypeResult, result)
	case err != nil:
		c.sendError(err.Error())
	default:
		c.enqueue(TypeResult, result)
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (h *WebSocketHandler) writeLoop(ctx context.Context, c *connection, hubCh <-chan events.Event) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-hubCh:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "widget closed"))
				c.conn.Close()
				return
			}
			if !h.write(c, evt) {
				return
			}
		case evt := <-c.outbox:
			if !h.write(c, evt) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(c *connection, evt events.Event) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(evt); err != nil {
		h.log.Debug().Err(err).Str("widget", c.widgetID).Msg("write failed")
		c.conn.Close()
		return false
	}
	return true
}

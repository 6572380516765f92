package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/realtime"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	outboxSize   = 32
)

// 推送给客户端的消息类型
const (
	TypeSnapshot = "snapshot"
	TypeState    = "state"
	TypeTurn     = "turn"
	TypeSessions = "sessions"
	TypeDeleted  = "deleted"
	TypeRetried  = "retried"
	TypeError    = "error"
)

// 客户端可发送的指令
const (
	CommandSend   = "send"
	CommandRetry  = "retry"
	CommandReload = "reload"
)

// Handler WebSocket 实时处理器：会话视图与用户会话列表。
type Handler struct {
	opener   *session.Opener
	repo     chat.Repository
	bus      session.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建WebSocket处理器。opener 为空时会话视图返回 503。
func New(opener *session.Opener, repo chat.Repository, bus session.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		opener: opener,
		repo:   repo,
		bus:    bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("ws"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}", h.handleSession)
	r.Get("/ws/users/{userID}/sessions", h.handleUserSessions)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sendCommand struct {
	Content string         `json:"content"`
	Image   *chat.ImageRef `json:"image"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// conn 包装一条连接：所有数据帧由 writeLoop 单独写出。
type conn struct {
	ws     *websocket.Conn
	out    chan outgoingMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		out:    make(chan outgoingMessage, outboxSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// push 排队一条消息；连接结束后直接丢弃。
func (c *conn) push(kind, sessionID string, data any) {
	msg := outgoingMessage{Type: kind, SessionID: sessionID, Data: data, Timestamp: time.Now().Unix()}
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

func (c *conn) pushError(sessionID, message string) {
	c.push(TypeError, sessionID, map[string]string{"message": message})
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.shutdown()
				_ = c.ws.Close()
				return
			}
			if msg.Type == TypeDeleted {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"),
					time.Now().Add(writeTimeout))
				c.shutdown()
				_ = c.ws.Close()
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop 读取客户端指令直到连接关闭。
func (c *conn) readLoop(handle func(inboundMessage)) {
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		handle(msg)
	}
}

// handleSession 打开一个会话视图：推送快照、状态与轮次结果，并接受 send/retry/reload 指令。
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if h.opener == nil {
		http.Error(w, "ai service unavailable", http.StatusServiceUnavailable)
		return
	}

	// 先注册 hook 再打开，连接建立前的推送排队等待 writeLoop。
	var c *conn
	ready := make(chan struct{})
	pending := func(fn func(*conn)) {
		<-ready
		if c != nil {
			fn(c)
		}
	}
	ctrl, err := h.opener.Open(r.Context(), sessionID, session.Hooks{
		OnState: func(state session.State) {
			pending(func(c *conn) { c.push(TypeState, sessionID, map[string]session.State{"state": state}) })
		},
		OnChange: func(messages []chat.Message) {
			pending(func(c *conn) { c.push(TypeSnapshot, sessionID, messages) })
		},
		OnDeleted: func() {
			pending(func(c *conn) { c.push(TypeDeleted, sessionID, nil) })
		},
	})
	if err != nil {
		close(ready)
		if errors.Is(err, chat.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("open session failed", zap.String("session", sessionID), zap.Error(err))
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		close(ready)
		ctrl.Close()
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c = newConn(ws, h.logger.With(zap.String("session", sessionID)))
	close(ready)

	ctx, cancel := context.WithCancel(context.Background())
	var turns, loops sync.WaitGroup
	defer func() {
		cancel()
		c.shutdown()
		turns.Wait()
		ctrl.Close()
		loops.Wait()
		_ = ws.Close()
	}()

	loops.Add(2)
	go func() { defer loops.Done(); c.writeLoop() }()
	go func() { defer loops.Done(); c.pingLoop() }()

	c.push(TypeSnapshot, sessionID, ctrl.Snapshot())
	c.push(TypeState, sessionID, map[string]session.State{"state": ctrl.State()})
	h.logger.Debug("session view connected", zap.String("session", sessionID))

	c.readLoop(func(msg inboundMessage) {
		switch msg.Type {
		case CommandSend:
			var cmd sendCommand
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				c.pushError(sessionID, "invalid send payload")
				return
			}
			if cmd.Image != nil && strings.TrimSpace(cmd.Image.URL) == "" {
				cmd.Image = nil
			}
			// 模型调用可能很慢，放到独立 goroutine 以保持读循环处理 pong。
			turns.Add(1)
			go func() {
				defer turns.Done()
				turn, err := ctrl.Send(ctx, session.Input{Text: cmd.Content, Image: cmd.Image})
				if err != nil {
					c.pushError(sessionID, err.Error())
				}
				if turn.User.ID != "" {
					c.push(TypeTurn, sessionID, turn)
				}
			}()
		case CommandRetry:
			turns.Add(1)
			go func() {
				defer turns.Done()
				n, err := ctrl.PersistFailed(ctx)
				if err != nil {
					c.pushError(sessionID, err.Error())
				}
				c.push(TypeRetried, sessionID, map[string]int{"count": n})
			}()
		case CommandReload:
			if err := ctrl.Reload(ctx); err != nil {
				c.pushError(sessionID, err.Error())
			}
		default:
			c.pushError(sessionID, "unknown message type: "+msg.Type)
		}
	})
}

// handleUserSessions 推送用户的会话列表，每次会话元数据变化后重新发送。
func (h *Handler) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if h.repo == nil || h.bus == nil {
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}

	sub := h.bus.Subscribe(realtime.Filter{Table: realtime.TableSessions, UserID: userID})
	defer sub.Close()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, h.logger.With(zap.String("user", userID)))

	ctx, cancel := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	defer func() {
		cancel()
		c.shutdown()
		loops.Wait()
		_ = ws.Close()
	}()

	publish := func() {
		sessions, err := h.repo.ListSessions(ctx, userID)
		if err != nil {
			c.pushError("", "failed to list sessions")
			return
		}
		c.push(TypeSessions, "", sessions)
	}
	publish()

	loops.Add(3)
	go func() { defer loops.Done(); c.writeLoop() }()
	go func() { defer loops.Done(); c.pingLoop() }()
	go func() {
		defer loops.Done()
		for {
			select {
			case <-c.done:
				return
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
				sub.TakeDropped()
				publish()
			}
		}
	}()

	c.readLoop(func(msg inboundMessage) {
		if msg.Type == CommandReload {
			publish()
			return
		}
		c.pushError("", "unknown message type: "+msg.Type)
	})
}

package stream

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
	"github.com/zhouzirui/codechat/backend/pkg/utils"
)

// Handler 通过 Server-Sent Events 推送一轮对话的状态变化与结果。
type Handler struct {
	opener *session.Opener
	logger *zap.Logger
}

// New creates a stream handler. A nil opener answers 503.
func New(opener *session.Opener, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{opener: opener, logger: logger.Named("stream")}
}

// RegisterRoutes 注册 SSE 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

type statePayload struct {
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
}

type endPayload struct {
	SessionID string `json:"sessionId"`
	Persisted bool   `json:"persisted"`
}

type errorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// eventWriter 串行化同一连接上的 SSE 写入，客户端断开后不再写。
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	gone    bool
}

func (e *eventWriter) send(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return
	}
	if err := utils.SendSSEEvent(e.w, e.flusher, event, data); err != nil {
		e.gone = true
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	query := r.URL.Query()
	text := query.Get("message")

	var image *chat.ImageRef
	if url := strings.TrimSpace(query.Get("imageUrl")); url != "" {
		image = &chat.ImageRef{URL: url, Name: query.Get("imageName")}
	}
	if strings.TrimSpace(text) == "" && image == nil {
		utils.RespondError(w, http.StatusBadRequest, "Message is required")
		return
	}
	if h.opener == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai service unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	out := &eventWriter{w: w, flusher: flusher}
	ctrl, err := h.opener.Open(r.Context(), sessionID, session.Hooks{
		OnState: func(state session.State) {
			out.send("state", statePayload{SessionID: sessionID, State: state})
		},
	})
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("open session failed", zap.String("session", sessionID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	defer ctrl.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	out.send("start", statePayload{SessionID: sessionID, State: ctrl.State()})

	turn, err := ctrl.Send(r.Context(), session.Input{Text: text, Image: image})
	if turn.User.ID != "" {
		out.send("message", turn.User)
	}
	if turn.Assistant != nil {
		out.send("message", turn.Assistant)
	}
	if err != nil {
		h.logger.Warn("stream turn failed", zap.String("session", sessionID), zap.Error(err))
		out.send("error", errorPayload{SessionID: sessionID, Error: err.Error()})
	}
	out.send("end", endPayload{SessionID: sessionID, Persisted: turn.Persisted})
}

package chat

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/response"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
	"github.com/zhouzirui/codechat/backend/pkg/utils"
)

// UserHeader 在请求体没有 userId 时用于识别用户。
const UserHeader = "X-User-ID"

// Handler 聊天服务的HTTP处理器
type Handler struct {
	repo      chat.Repository
	processor *response.Processor
	opener    *session.Opener
	gateway   session.Gateway
	logger    *zap.Logger
}

// New 创建聊天处理器。opener 与 gateway 为空时，需要模型的接口返回 503。
func New(repo chat.Repository, opener *session.Opener, gateway session.Gateway, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:      repo,
		processor: response.NewProcessor(),
		opener:    opener,
		gateway:   gateway,
		logger:    logger.Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Patch("/", h.handleRenameSession)
			r.Delete("/", h.handleDeleteSession)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
		})
	})
	r.Post("/ai/response", h.handleAIResponse)
}

// handleCreateSession 创建会话（"New Chat"）
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
		Title  string `json:"title"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(UserHeader))
	}

	created, err := h.repo.CreateSession(r.Context(), userID, payload.Title)
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(UserHeader))
	}

	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	found, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, found)
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Title) == "" {
		utils.RespondError(w, http.StatusBadRequest, "title is required")
		return
	}

	renamed, err := h.repo.RenameSession(r.Context(), chi.URLParam(r, "sessionID"), payload.Title)
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, renamed)
}

// handleDeleteSession 删除会话及其全部消息
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.repo.ListMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	for i := range messages {
		messages[i] = h.processor.Hydrate(messages[i])
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleSendMessage 执行一轮完整对话：保存用户消息、调用模型、保存回复。
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if h.opener == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai service unavailable")
		return
	}

	var payload struct {
		Content string         `json:"content"`
		Image   *chat.ImageRef `json:"image"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Image != nil && strings.TrimSpace(payload.Image.URL) == "" {
		payload.Image = nil
	}
	if strings.TrimSpace(payload.Content) == "" && payload.Image == nil {
		utils.RespondError(w, http.StatusBadRequest, "Message is required")
		return
	}

	ctrl, err := h.opener.Open(r.Context(), chi.URLParam(r, "sessionID"), session.Hooks{})
	if err != nil {
		h.respondRepoError(w, err)
		return
	}
	defer ctrl.Close()

	turn, err := ctrl.Send(r.Context(), session.Input{Text: payload.Content, Image: payload.Image})
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusCreated, turn)
	case errors.Is(err, chat.ErrModelCallFailed):
		utils.RespondJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to get AI response",
			"details": err.Error(),
			"user":    turn.User,
		})
	case errors.Is(err, chat.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, chat.ErrPersistenceFailed) && turn.Assistant != nil:
		utils.RespondJSON(w, http.StatusAccepted, turn)
	default:
		h.logger.Error("send message failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to save message")
	}
}

// handleAIResponse 无状态接口：给定消息与上下文，返回解析后的回复。
func (h *Handler) handleAIResponse(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai service unavailable")
		return
	}

	var payload struct {
		Message string                `json:"message"`
		Context []chat.ContextMessage `json:"context"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Message is required")
		return
	}

	reply, err := h.gateway.Complete(r.Context(), payload.Message, payload.Context, nil)
	if err != nil {
		h.logger.Warn("ai response failed", zap.Error(err))
		utils.RespondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to get AI response",
			"details": err.Error(),
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.processor.Process(reply))
}

func (h *Handler) respondRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, chat.ErrUserRequired):
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
	case errors.Is(err, chat.ErrInvalidMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("repository error", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/handler/chat"
	"github.com/zhouzirui/codechat/backend/internal/handler/stream"
	"github.com/zhouzirui/codechat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/codechat/backend/internal/middleware"
	chatModel "github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
	"github.com/zhouzirui/codechat/backend/pkg/utils"
)

// Deps 路由依赖。Opener 与 Gateway 为空表示模型未配置。
type Deps struct {
	Repo    chatModel.Repository
	Bus     session.Bus
	Opener  *session.Opener
	Gateway session.Gateway
	Logger  *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"ai":     deps.Gateway != nil,
		})
	})

	chatHandler := chat.New(deps.Repo, deps.Opener, deps.Gateway, logger)
	streamHandler := stream.New(deps.Opener, logger)
	wsHandler := ws.New(deps.Opener, deps.Repo, deps.Bus, logger)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}

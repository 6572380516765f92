package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/handler"
	"github.com/zhouzirui/codechat/backend/internal/logging"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/realtime"
	"github.com/zhouzirui/codechat/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/codechat/backend/internal/service/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
	"github.com/zhouzirui/codechat/backend/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	repo, closeRepo, err := openRepository(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeRepo()

	hub := realtime.NewHub(logger, cfg.Realtime.Buffer)
	published := realtime.NewPublishingRepository(repo, hub)

	deps := handler.Deps{
		Repo:   published,
		Bus:    hub,
		Logger: logger,
	}

	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without model", zap.Error(err))
		} else {
			deps.Gateway = aiService
			deps.Opener = &session.Opener{
				Deps: session.Deps{
					Repo:    published,
					Gateway: aiService,
					Bus:     hub,
					Logger:  logger,
				},
				ContextLimit: cfg.Chat.ContextLimit,
			}
			logger.Info("AI service initialized", zap.String("provider", string(aiService.Provider())))
		}
	} else {
		logger.Warn("AI 凭证未配置，跳过模型初始化", zap.String("provider", string(cfg.AI.Provider)))
	}

	startServer(ctx, cfg.Server, handler.NewRouter(deps), logger)
}

func openRepository(cfg config.StorageConfig, logger *zap.Logger) (chat.Repository, func(), error) {
	switch cfg.Backend {
	case config.StorageSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite storage", zap.String("path", cfg.SQLitePath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close sqlite store", zap.Error(err))
			}
		}, nil
	case config.StorageMemory:
		logger.Info("using in-memory storage")
		return chatservice.NewService(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("codechat backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

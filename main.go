package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qchat_server/config"
	"qchat_server/handler"
	"qchat_server/logger"
	"qchat_server/middleware"
	"qchat_server/model"
	"qchat_server/notify"
	"qchat_server/protocol"
	"qchat_server/ratelimit"
	"qchat_server/router"
	"qchat_server/server"
	"qchat_server/service"
	"qchat_server/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. 配置与日志
	cfg := config.Load()
	logger.Init(cfg.Mode)
	defer logger.Sync()

	if cfg.JWTSecret == "" {
		logger.L().Fatal("JWT_SECRET is required")
	}
	middleware.InitAuth(cfg.JWTSecret)

	// 2. 基础设施
	if err := utils.InitDB(cfg); err != nil {
		logger.L().Fatal("init database failed", zap.Error(err))
	}
	defer utils.CloseDB()

	if err := utils.GetDB().AutoMigrate(
		&model.User{},
		&model.Friendship{},
		&model.FriendRequest{},
		&model.FriendGroup{},
		&model.Message{},
		&model.MessageRead{},
		&model.OfflineMessage{},
		&model.UserStatus{},
		&model.Notification{},
	); err != nil {
		logger.L().Fatal("auto migrate failed", zap.Error(err))
	}

	if err := utils.InitRedis(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB); err != nil {
		logger.L().Fatal("init redis failed", zap.Error(err))
	}
	defer utils.CloseRedis()

	db := utils.GetDB()
	rdb := utils.GetRedis()

	// 3. 服务装配（显式依赖注入，循环依赖经 Set 注入打破）
	limiter := ratelimit.New(ratelimit.DefaultConfigs())
	defer limiter.Stop()

	queue := service.NewOfflineQueue(db)
	cache := service.NewSearchCache(rdb)
	sink := notify.NewLogSink()

	users := service.NewUserService(db, rdb, sink)
	notifications := service.NewNotificationService(db)
	presence := service.NewPresenceService(db, rdb, cfg.HeartbeatTimeout())
	friends := service.NewFriendService(db, users, notifications, queue, cache)
	messages := service.NewMessageService(db, friends, queue, cfg.RecallWindow())

	pool := server.NewWorkerPool(cfg.WorkerCount, true)
	dispatcher := server.NewDispatcher(cfg, pool, rdb)

	presence.SetPusher(dispatcher)
	presence.SetFriendLister(friends)
	friends.SetPusher(dispatcher)
	friends.SetPresence(presence)
	messages.SetPusher(dispatcher)
	messages.SetPresence(presence)
	dispatcher.SetPresence(presence)

	rt := router.New(limiter, users, friends, messages, presence, notifications)
	dispatcher.SetRouter(rt)

	// 4. 后台任务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presence.StartSweeper()
	defer presence.Stop()
	dispatcher.StartBridge(ctx)

	// 5. HTTP 管理面 + WebSocket 网关
	gin.SetMode(ginMode(cfg.Mode))
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.ErrorHandlerMiddleware())
	admin := handler.NewAdminHandler(dispatcher, limiter, queue, pool, presence)
	admin.SetupRoutes(engine)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	// 6. 启动 TCP 协议入口与 HTTP 服务
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	g.Go(func() error {
		logger.L().Info("http server listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.L().Info("qchat server started",
		zap.String("tcp_port", cfg.TCPPort),
		zap.String("http_port", cfg.HTTPPort),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("frame_limit", protocol.MaxFrameSize))

	if err := g.Wait(); err != nil {
		logger.L().Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.L().Info("qchat server stopped")
}

func ginMode(mode string) string {
	if mode == "debug" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

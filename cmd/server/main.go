package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/api/handlers"
	"github.com/langchou/fleetmap/internal/broker"
	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/config"
	"github.com/langchou/fleetmap/internal/feed"
	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/repository"
	"github.com/langchou/fleetmap/internal/service"
	"github.com/langchou/fleetmap/internal/viewport"
	"github.com/langchou/fleetmap/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Fleetmap",
		zap.String("port", cfg.ServerPort),
		zap.String("feed", cfg.FeedSource),
		zap.String("dispatcher", cfg.CommandDispatcher),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}

	// NATS
	var nc *nats.Conn
	if cfg.UsesNATS() {
		url := cfg.NATSURL
		if cfg.NATSEmbedded {
			embedded, err := broker.Start(broker.Config{Port: cfg.NATSEmbeddedPort}, logger.Named("broker"))
			if err != nil {
				logger.Fatal("Failed to start embedded NATS", zap.Error(err))
			}
			defer embedded.Shutdown()
			if url == "" {
				url = embedded.ClientURL()
			}
		}

		nc, err = broker.Connect(url, logger.Named("nats"))
		if err != nil {
			logger.Fatal("Failed to connect NATS", zap.Error(err))
		}
		defer nc.Drain()
	}

	// 数据库
	var db *repository.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")
	}

	// 快照来源
	source, archiver, err := newSource(ctx, cfg, clk, nc, db, logger)
	if err != nil {
		logger.Fatal("Failed to create feed source", zap.Error(err))
	}

	// 指令通道
	dispatcher, err := newDispatcher(ctx, cfg, clk, nc, logger)
	if err != nil {
		logger.Fatal("Failed to create command dispatcher", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	surface := render.NewWSSurface(wsHub, logger.Named("surface"))

	// 创建地图服务
	mapService := service.NewMapService(
		serviceConfig(cfg),
		logger.Named("map"),
		clk,
		source,
		surface,
		dispatcher,
	)
	if archiver != nil {
		mapService.SetArchiver(archiver)
	}

	wsHub.SetInitDataProvider(func() *ws.InitData {
		hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
		defer hcancel()
		hud, err := mapService.HUD(hctx)
		if err != nil {
			logger.Warn("Failed to build init HUD", zap.Error(err))
		}
		return &ws.InitData{Scene: surface.Scene(), HUD: hud}
	})
	wsHub.SetMessageHandler(handlers.NewClientMessageHandler(logger, mapService, surface).Handle)

	go func() {
		if err := mapService.Run(ctx); err != nil {
			logger.Error("Map service stopped with error", zap.Error(err))
		}
	}()
	go broadcastHUD(ctx, clk, cfg.FeedInterval, mapService, wsHub, logger)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, mapService, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 停止地图服务，等待可视对象销毁后再关闭 Hub
	mapService.Stop()
	select {
	case <-mapService.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Map service did not stop in time")
	}
	wsHub.Stop()
	if closer, ok := source.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Failed to close feed source", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// newSource 按配置创建快照来源，返回可选的持久化器
func newSource(
	ctx context.Context,
	cfg *config.Config,
	clk clock.PassiveClock,
	nc *nats.Conn,
	db *repository.DB,
	logger *zap.Logger,
) (feed.Source, service.Archiver, error) {
	var pg *feed.PostgresSource
	if db != nil {
		pg = feed.NewPostgresSource(
			repository.NewVehicleRepository(db),
			repository.NewPositionRepository(db),
			cfg.HistoryLimit,
			logger.Named("postgres"),
		)
	}

	simulator := func() *feed.Simulator {
		return feed.NewSimulator(
			feed.SimulatorConfig{Seed: cfg.FeedSeed, HistoryLimit: cfg.HistoryLimit},
			nil,
			clk,
			logger.Named("simulator"),
		)
	}

	switch cfg.FeedSource {
	case config.FeedPostgres:
		existing, err := pg.Fetch(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load fleet: %w", err)
		}
		// 空库时写入演示车队
		if len(existing) == 0 {
			fleet, err := simulator().Fetch(ctx)
			if err != nil {
				return nil, nil, err
			}
			if err := pg.Seed(ctx, fleet); err != nil {
				return nil, nil, fmt.Errorf("seed fleet: %w", err)
			}
		}
		return pg, nil, nil

	case config.FeedNATS:
		src, err := feed.NewNATSSource(nc, cfg.NATSSnapshotSubject, logger.Named("nats-feed"))
		if err != nil {
			return nil, nil, err
		}
		return src, nil, nil

	default:
		var archiver service.Archiver
		if cfg.ArchiveFeed && pg != nil {
			archiver = pg
		}
		return simulator(), archiver, nil
	}
}

// newDispatcher 按配置创建指令下发器
func newDispatcher(
	ctx context.Context,
	cfg *config.Config,
	clk clock.Clock,
	nc *nats.Conn,
	logger *zap.Logger,
) (command.Dispatcher, error) {
	simulated := command.NewSimulatedDispatcher(clk, cfg.CommandLatency, logger.Named("dispatcher"))

	if cfg.ServeCommands && nc != nil {
		// 本进程充当车辆端应答指令
		if _, err := command.Serve(ctx, nc, cfg.NATSCommandPrefix, simulated, logger.Named("responder")); err != nil {
			return nil, err
		}
	}

	if cfg.CommandDispatcher == config.DispatcherNATS {
		return command.NewNATSDispatcher(nc, cfg.NATSCommandPrefix, cfg.CommandTimeout, logger.Named("dispatcher")), nil
	}
	return simulated, nil
}

func serviceConfig(cfg *config.Config) service.Config {
	vp := viewport.DefaultConfig()
	vp.FocusZoom = cfg.FocusZoom
	vp.SettleDelay = cfg.FocusSettleDelay
	vp.RenderTimeout = cfg.FocusRenderTimeout
	vp.FitPadding = cfg.FitPadding

	return service.Config{
		FeedInterval:     cfg.FeedInterval,
		FeedbackDuration: cfg.FeedbackDuration,
		RouteRefit:       cfg.RouteRefit,
		Center:           geo.LatLng{Lat: cfg.MapCenterLat, Lng: cfg.MapCenterLng},
		Zoom:             cfg.MapZoom,
		Viewport:         vp,
	}
}

// broadcastHUD 定时推送 HUD
func broadcastHUD(ctx context.Context, clk clock.WithTicker, interval time.Duration, svc *service.MapService, hub *ws.Hub, logger *zap.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-svc.Done():
			return
		case <-ticker.C():
			hctx, hcancel := context.WithTimeout(ctx, interval)
			hud, err := svc.HUD(hctx)
			hcancel()
			if err != nil {
				logger.Debug("Skip HUD broadcast", zap.Error(err))
				continue
			}
			hub.BroadcastMessage(ws.MsgTypeHUD, hud)
		}
	}
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

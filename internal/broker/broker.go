package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config 内嵌 NATS 配置
type Config struct {
	Host string
	Port int // -1 表示随机端口
}

// Embedded 进程内 NATS 服务，用于单机部署和测试
type Embedded struct {
	logger *zap.Logger
	server *server.Server
}

// Start 启动内嵌 NATS
func Start(cfg Config, logger *zap.Logger) (*Embedded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "fleetmap",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready for connections")
	}

	logger.Info("Embedded NATS started", zap.String("url", ns.ClientURL()))
	return &Embedded{logger: logger, server: ns}, nil
}

// ClientURL 客户端连接地址
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown 关闭服务
func (e *Embedded) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.logger.Info("Embedded NATS stopped")
}

// Connect 连接 NATS，带重连与日志回调
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name("fleetmap"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("NATS error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

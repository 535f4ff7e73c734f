package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// 快照来源
const (
	FeedSimulator = "simulator"
	FeedPostgres  = "postgres"
	FeedNATS      = "nats"
)

// 指令下发方式
const (
	DispatcherSimulated = "simulated"
	DispatcherNATS      = "nats"
)

type Config struct {
	// Server
	ServerPort string `validate:"required,numeric"`
	Debug      bool

	// Feed
	FeedSource   string        `validate:"oneof=simulator postgres nats"`
	FeedInterval time.Duration `validate:"gt=0"`
	FeedSeed     uint64
	HistoryLimit int `validate:"gte=0"`
	// ArchiveFeed 模拟器快照是否写入数据库
	ArchiveFeed bool

	// Database
	DatabaseURL string `validate:"required_if=FeedSource postgres"`

	// NATS
	NATSURL             string
	NATSEmbedded        bool
	NATSEmbeddedPort    int `validate:"gte=-1,lte=65535"`
	NATSSnapshotSubject string
	NATSCommandPrefix   string

	// Commands
	CommandDispatcher string        `validate:"oneof=simulated nats"`
	CommandLatency    time.Duration `validate:"gte=0"`
	CommandTimeout    time.Duration `validate:"gt=0"`
	FeedbackDuration  time.Duration `validate:"gt=0"`
	// ServeCommands 在本进程应答 NATS 指令 (演示环境没有真实车辆端)
	ServeCommands bool

	// Viewport
	FocusZoom          float64       `validate:"gt=0,lte=22"`
	FocusSettleDelay   time.Duration `validate:"gte=0"`
	FocusRenderTimeout time.Duration `validate:"gt=0"`
	FitPadding         float64       `validate:"gte=0"`
	RouteRefit         bool
	MapCenterLat       float64 `validate:"gte=-90,lte=90"`
	MapCenterLng       float64 `validate:"gte=-180,lte=180"`
	MapZoom            float64 `validate:"gt=0,lte=22"`
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:          getEnv("PORT", "4000"),
		Debug:               getEnvBool("DEBUG", false),
		FeedSource:          getEnv("FEED_SOURCE", FeedSimulator),
		FeedInterval:        getEnvDuration("FEED_INTERVAL", 2*time.Second),
		FeedSeed:            uint64(getEnvInt("FEED_SEED", 1)),
		HistoryLimit:        getEnvInt("HISTORY_LIMIT", 100),
		ArchiveFeed:         getEnvBool("ARCHIVE_FEED", false),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		NATSURL:             getEnv("NATS_URL", ""),
		NATSEmbedded:        getEnvBool("NATS_EMBEDDED", false),
		NATSEmbeddedPort:    getEnvInt("NATS_EMBEDDED_PORT", 4222),
		NATSSnapshotSubject: getEnv("NATS_SNAPSHOT_SUBJECT", "fleetmap.snapshots"),
		NATSCommandPrefix:   getEnv("NATS_COMMAND_PREFIX", "fleetmap.commands"),
		CommandDispatcher:   getEnv("COMMAND_DISPATCHER", DispatcherSimulated),
		CommandLatency:      getEnvDuration("COMMAND_LATENCY", 2*time.Second),
		CommandTimeout:      getEnvDuration("COMMAND_TIMEOUT", 10*time.Second),
		FeedbackDuration:    getEnvDuration("FEEDBACK_DURATION", 3*time.Second),
		ServeCommands:       getEnvBool("SERVE_COMMANDS", false),
		FocusZoom:           getEnvFloat("FOCUS_ZOOM", 16),
		FocusSettleDelay:    getEnvDuration("FOCUS_SETTLE_DELAY", 100*time.Millisecond),
		FocusRenderTimeout:  getEnvDuration("FOCUS_RENDER_TIMEOUT", time.Second),
		FitPadding:          getEnvFloat("FIT_PADDING", 60),
		RouteRefit:          getEnvBool("ROUTE_REFIT", true),
		MapCenterLat:        getEnvFloat("MAP_CENTER_LAT", -23.5505),
		MapCenterLng:        getEnvFloat("MAP_CENTER_LNG", -46.6333),
		MapZoom:             getEnvFloat("MAP_ZOOM", 13),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// NATS 来源或 NATS 指令通道需要外部或内嵌的 NATS
	needsNATS := c.FeedSource == FeedNATS || c.CommandDispatcher == DispatcherNATS
	if needsNATS && c.NATSURL == "" && !c.NATSEmbedded {
		return fmt.Errorf("invalid config: NATS feed or dispatcher requires NATS_URL or NATS_EMBEDDED")
	}
	if c.ArchiveFeed && c.DatabaseURL == "" {
		return fmt.Errorf("invalid config: ARCHIVE_FEED requires DATABASE_URL")
	}
	return nil
}

// UsesNATS 是否需要 NATS 连接
func (c *Config) UsesNATS() bool {
	return c.FeedSource == FeedNATS || c.CommandDispatcher == DispatcherNATS || c.NATSEmbedded
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

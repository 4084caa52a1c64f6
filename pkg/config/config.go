// 文件: pkg/config/config.go
// 配置 - YAML 文件 + .env 覆盖 + 默认值回填，启动时加载一次
//
// 所有组件显式接收配置，不走全局单例；.env 只覆盖部署相关的键 (DSN、地址)

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 进程完整配置
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	PriceFeed PriceFeedConfig `yaml:"price_feed"`
	Trading   TradingConfig   `yaml:"trading"`
	Margin    MarginConfig    `yaml:"margin"`
	Scan      ScanConfig      `yaml:"scan"`
	Challenge ChallengeConfig `yaml:"challenge"`
}

// DatabaseConfig MySQL 连接配置
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig Kafka 集群配置
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// PriceFeedConfig 行情源配置
type PriceFeedConfig struct {
	// Mode: websocket | api | both | sim
	// both 模式 WS 为主源、REST 为备援
	Mode          string `yaml:"mode"`
	PrimarySource string `yaml:"primary_source"`

	APIBaseURL string   `yaml:"api_base_url"`
	WSURL      string   `yaml:"ws_url"`
	Symbols    []string `yaml:"symbols"`

	UpdateIntervalMs     int     `yaml:"update_interval_ms"`
	CacheTTLMs           int     `yaml:"cache_ttl_ms"`
	ClientPollIntervalMs int     `yaml:"client_poll_interval_ms"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
}

// TradingConfig 全局交易限制 (管理员配置)
type TradingConfig struct {
	MinLeverage     float64 `yaml:"min_leverage"`
	MaxLeverage     float64 `yaml:"max_leverage"`
	DefaultLeverage float64 `yaml:"default_leverage"`

	MinPositionSize float64 `yaml:"min_position_size"` // 手
	MaxPositionSize float64 `yaml:"max_position_size"`

	// 限价单挂单价距中间价的点数区间
	MinLimitDistancePips float64 `yaml:"min_limit_distance_pips"`
	MaxLimitDistancePips float64 `yaml:"max_limit_distance_pips"`
}

// MarginConfig 保证金监控配置
// 阈值为全局管理员配置，分级判定用它而不是赛事字段
type MarginConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	SafeThreshold        float64 `yaml:"safe_threshold"`        // %
	WarningThreshold     float64 `yaml:"warning_threshold"`     // %
	MarginCallThreshold  float64 `yaml:"margin_call_threshold"` // %
	LiquidationThreshold float64 `yaml:"liquidation_threshold"` // %
}

// ScanConfig 各周期任务的扫描间隔 (秒)
type ScanConfig struct {
	RevaluationSeconds     int `yaml:"revaluation_seconds"`
	StopTakeSeconds        int `yaml:"stop_take_seconds"`
	MarginSeconds          int `yaml:"margin_seconds"`
	LimitOrderSeconds      int `yaml:"limit_order_seconds"`
	ActivationSeconds      int `yaml:"activation_seconds"`
	FinalizationSeconds    int `yaml:"finalization_seconds"`
	ChallengeExpirySeconds int `yaml:"challenge_expiry_seconds"`
}

// ChallengeConfig 1v1 挑战全局设置 (单例配置)
type ChallengeConfig struct {
	MinEntryFee int64 `yaml:"min_entry_fee"`
	MaxEntryFee int64 `yaml:"max_entry_fee"`

	MinDurationMinutes int `yaml:"min_duration_minutes"`
	MaxDurationMinutes int `yaml:"max_duration_minutes"`

	MaxPendingChallenges  int `yaml:"max_pending_challenges"`
	MaxActiveChallenges   int `yaml:"max_active_challenges"`
	CooldownMinutes       int `yaml:"cooldown_minutes"`
	AcceptDeadlineMinutes int `yaml:"accept_deadline_minutes"`

	PlatformFeePercentage float64  `yaml:"platform_fee_percentage"`
	TiePrizeDistribution  string   `yaml:"tie_prize_distribution"` // split_equally | challenger_wins | both_lose
	DefaultAssetClasses   []string `yaml:"default_asset_classes"`
}

// Load 加载配置: .env -> YAML -> 环境变量覆盖 -> 默认值回填
// path 为空时跳过文件，仅用环境变量和默认值 (测试与模拟器场景)
func Load(path string) (*Config, error) {
	// .env 不存在时静默跳过
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// Default 纯默认值配置
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// =============================================================================
// 时长换算
// =============================================================================

func (c *PriceFeedConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

func (c *PriceFeedConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

func (c *MarginConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c *ChallengeConfig) AcceptDeadline() time.Duration {
	return time.Duration(c.AcceptDeadlineMinutes) * time.Minute
}

func (c *ChallengeConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// =============================================================================
// 环境变量覆盖
// =============================================================================

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PRICE_FEED_MODE"); v != "" {
		cfg.PriceFeed.Mode = v
	}
	if v := os.Getenv("PRICE_API_BASE_URL"); v != "" {
		cfg.PriceFeed.APIBaseURL = v
	}
	if v := os.Getenv("PRICE_WS_URL"); v != "" {
		cfg.PriceFeed.WSURL = v
	}
}

// =============================================================================
// 默认值
// =============================================================================

func setDefaults(cfg *Config) {
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "root:123456@tcp(127.0.0.1:3307)/fxarena?charset=utf8mb4&parseTime=True&loc=Local"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	if cfg.PriceFeed.Mode == "" {
		cfg.PriceFeed.Mode = "sim"
	}
	if cfg.PriceFeed.PrimarySource == "" {
		cfg.PriceFeed.PrimarySource = "ws"
	}
	if len(cfg.PriceFeed.Symbols) == 0 {
		cfg.PriceFeed.Symbols = []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD"}
	}
	if cfg.PriceFeed.UpdateIntervalMs <= 0 {
		cfg.PriceFeed.UpdateIntervalMs = 1000
	}
	if cfg.PriceFeed.CacheTTLMs <= 0 {
		cfg.PriceFeed.CacheTTLMs = 5000
	}
	if cfg.PriceFeed.ClientPollIntervalMs <= 0 {
		cfg.PriceFeed.ClientPollIntervalMs = 2000
	}
	if cfg.PriceFeed.RequestsPerSecond <= 0 {
		cfg.PriceFeed.RequestsPerSecond = 2
	}

	if cfg.Trading.MinLeverage <= 0 {
		cfg.Trading.MinLeverage = 1
	}
	if cfg.Trading.MaxLeverage <= 0 {
		cfg.Trading.MaxLeverage = 500
	}
	if cfg.Trading.DefaultLeverage <= 0 {
		cfg.Trading.DefaultLeverage = 100
	}
	if cfg.Trading.MinPositionSize <= 0 {
		cfg.Trading.MinPositionSize = 0.01
	}
	if cfg.Trading.MaxPositionSize <= 0 {
		cfg.Trading.MaxPositionSize = 100
	}
	if cfg.Trading.MinLimitDistancePips <= 0 {
		cfg.Trading.MinLimitDistancePips = 1
	}
	if cfg.Trading.MaxLimitDistancePips <= 0 {
		cfg.Trading.MaxLimitDistancePips = 5000
	}

	if cfg.Margin.CheckIntervalSeconds <= 0 {
		cfg.Margin.CheckIntervalSeconds = 30
	}
	if cfg.Margin.SafeThreshold <= 0 {
		cfg.Margin.SafeThreshold = 200
	}
	if cfg.Margin.WarningThreshold <= 0 {
		cfg.Margin.WarningThreshold = 150
	}
	if cfg.Margin.MarginCallThreshold <= 0 {
		cfg.Margin.MarginCallThreshold = 100
	}
	if cfg.Margin.LiquidationThreshold <= 0 {
		cfg.Margin.LiquidationThreshold = 50
	}

	if cfg.Scan.RevaluationSeconds <= 0 {
		cfg.Scan.RevaluationSeconds = 5
	}
	if cfg.Scan.StopTakeSeconds <= 0 {
		cfg.Scan.StopTakeSeconds = 5
	}
	if cfg.Scan.MarginSeconds <= 0 {
		cfg.Scan.MarginSeconds = cfg.Margin.CheckIntervalSeconds
	}
	if cfg.Scan.LimitOrderSeconds <= 0 {
		cfg.Scan.LimitOrderSeconds = 5
	}
	if cfg.Scan.ActivationSeconds <= 0 {
		cfg.Scan.ActivationSeconds = 30
	}
	if cfg.Scan.FinalizationSeconds <= 0 {
		cfg.Scan.FinalizationSeconds = 30
	}
	if cfg.Scan.ChallengeExpirySeconds <= 0 {
		cfg.Scan.ChallengeExpirySeconds = 60
	}

	if cfg.Challenge.MinEntryFee <= 0 {
		cfg.Challenge.MinEntryFee = 10
	}
	if cfg.Challenge.MaxEntryFee <= 0 {
		cfg.Challenge.MaxEntryFee = 10000
	}
	if cfg.Challenge.MinDurationMinutes <= 0 {
		cfg.Challenge.MinDurationMinutes = 30
	}
	if cfg.Challenge.MaxDurationMinutes <= 0 {
		cfg.Challenge.MaxDurationMinutes = 7 * 24 * 60
	}
	if cfg.Challenge.MaxPendingChallenges <= 0 {
		cfg.Challenge.MaxPendingChallenges = 5
	}
	if cfg.Challenge.MaxActiveChallenges <= 0 {
		cfg.Challenge.MaxActiveChallenges = 3
	}
	if cfg.Challenge.CooldownMinutes <= 0 {
		cfg.Challenge.CooldownMinutes = 5
	}
	if cfg.Challenge.AcceptDeadlineMinutes <= 0 {
		cfg.Challenge.AcceptDeadlineMinutes = 24 * 60
	}
	if cfg.Challenge.PlatformFeePercentage <= 0 {
		cfg.Challenge.PlatformFeePercentage = 10
	}
	if cfg.Challenge.TiePrizeDistribution == "" {
		cfg.Challenge.TiePrizeDistribution = "split_equally"
	}
	if len(cfg.Challenge.DefaultAssetClasses) == 0 {
		cfg.Challenge.DefaultAssetClasses = []string{"forex"}
	}
}

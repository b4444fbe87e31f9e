package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 支持 mysql / postgres / sqlite 三种驱动
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite 文件路径，":memory:" 表示内存库
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN 按驱动拼接连接串
func (c DatabaseConfig) DSN() (string, error) {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.Database), nil
	case "postgres":
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, sslMode), nil
	case "sqlite":
		if c.Path == "" {
			return "", errors.New("sqlite 需要配置 database.path")
		}
		return c.Path, nil
	default:
		return "", fmt.Errorf("不支持的数据库驱动: %q", c.Driver)
	}
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// BusinessConfig 账本业务参数
type BusinessConfig struct {
	UndoWindowSeconds       int     `mapstructure:"undo_window_seconds"`
	SignupBonusCredits      int64   `mapstructure:"signup_bonus_credits"`
	FreeSlotsPerWeek        int     `mapstructure:"free_slots_per_week"`
	HeatDelta               int64   `mapstructure:"heat_delta"`
	CreditRate              string  `mapstructure:"credit_rate"`  // 1 积分折合的货币金额
	ArtistShare             string  `mapstructure:"artist_share"` // 艺人分成比例
	MinSongPrice            int64   `mapstructure:"min_song_price"`
	MaxSongPrice            int64   `mapstructure:"max_song_price"`
	CreditBundles           []int64 `mapstructure:"credit_bundles"`
	MinReferenceLength      int     `mapstructure:"min_reference_length"`
	Timezone                string  `mapstructure:"timezone"`
	LockTTLSeconds          int     `mapstructure:"lock_ttl_seconds"`
	LockRetryIntervalMs     int     `mapstructure:"lock_retry_interval_ms"`
	LockMaxRetries          int     `mapstructure:"lock_max_retries"`
	StoreRetryDelayMs       int     `mapstructure:"store_retry_delay_ms"`
	StoreMaxAttempts        int     `mapstructure:"store_max_attempts"`
	MaxRetryCount           int     `mapstructure:"max_retry_count"` // outbox 最大投递次数
	FinalizeIntervalSeconds int     `mapstructure:"finalize_interval_seconds"`
}

func (b BusinessConfig) UndoWindow() time.Duration {
	return time.Duration(b.UndoWindowSeconds) * time.Second
}

func (b BusinessConfig) LockTTL() time.Duration {
	return time.Duration(b.LockTTLSeconds) * time.Second
}

func (b BusinessConfig) LockRetryInterval() time.Duration {
	return time.Duration(b.LockRetryIntervalMs) * time.Millisecond
}

func (b BusinessConfig) StoreRetryDelay() time.Duration {
	return time.Duration(b.StoreRetryDelayMs) * time.Millisecond
}

// RevenuePolicy 解析积分汇率和艺人分成比例
func (b BusinessConfig) RevenuePolicy() (rate, artistShare decimal.Decimal, err error) {
	rate, err = decimal.NewFromString(b.CreditRate)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("credit_rate 格式错误: %w", err)
	}
	artistShare, err = decimal.NewFromString(b.ArtistShare)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("artist_share 格式错误: %w", err)
	}
	return rate, artistShare, nil
}

// Location 免费名额按该时区的周一零点重置
func (b BusinessConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.Timezone)
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "haven.ledger.events")

	v.SetDefault("business.undo_window_seconds", 10)
	v.SetDefault("business.signup_bonus_credits", 100)
	v.SetDefault("business.free_slots_per_week", 1)
	v.SetDefault("business.heat_delta", 10)
	v.SetDefault("business.credit_rate", "0.80")
	v.SetDefault("business.artist_share", "0.55")
	v.SetDefault("business.min_song_price", 5)
	v.SetDefault("business.max_song_price", 50)
	v.SetDefault("business.credit_bundles", []int64{50, 100, 250, 500, 1000})
	v.SetDefault("business.min_reference_length", 10)
	v.SetDefault("business.timezone", "UTC")
	v.SetDefault("business.lock_ttl_seconds", 30)
	v.SetDefault("business.lock_retry_interval_ms", 100)
	v.SetDefault("business.lock_max_retries", 30)
	v.SetDefault("business.store_retry_delay_ms", 200)
	v.SetDefault("business.store_max_attempts", 2)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.finalize_interval_seconds", 5)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 返回只包含默认值的配置，测试和本地开发使用
func Default() *Config {
	cfg := &Config{}
	if err := newViper().Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("默认配置解析失败: %v", err))
	}
	return cfg
}

// Load 读取配置文件，环境变量 HAVEN_* 覆盖文件中的值
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验业务参数
func (c *Config) Validate() error {
	b := c.Business
	if b.UndoWindowSeconds <= 0 {
		return errors.New("undo_window_seconds 必须大于0")
	}
	if b.SignupBonusCredits < 0 {
		return errors.New("signup_bonus_credits 不能为负数")
	}
	if b.FreeSlotsPerWeek < 0 {
		return errors.New("free_slots_per_week 不能为负数")
	}
	if b.HeatDelta < 0 {
		return errors.New("heat_delta 不能为负数")
	}
	if b.MinSongPrice <= 0 || b.MinSongPrice > b.MaxSongPrice {
		return fmt.Errorf("歌曲价格区间不合法: [%d,%d]", b.MinSongPrice, b.MaxSongPrice)
	}
	rate, share, err := b.RevenuePolicy()
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return errors.New("credit_rate 不能为负数")
	}
	if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("artist_share 必须在 0 到 1 之间")
	}
	if _, err := b.Location(); err != nil {
		return fmt.Errorf("timezone 不合法: %w", err)
	}
	if b.StoreMaxAttempts < 1 {
		return errors.New("store_max_attempts 至少为1")
	}
	return nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	GlobalConfig = cfg
	return cfg
}

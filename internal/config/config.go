package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	MySQL     MySQLConfig      `mapstructure:"mysql"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Security  SecurityConfig   `mapstructure:"security"`
	Business  BusinessConfig   `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
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
	LoyaltyCredit  string `mapstructure:"loyalty_credit"`  // 积分入账通知
	PromotionUsage string `mapstructure:"promotion_usage"` // 优惠核销通知
	PaymentNotify  string `mapstructure:"payment_notify"`  // 用户状态变更通知
}

// ProviderConfig 单个移动支付网关的接入配置
type ProviderConfig struct {
	Code          string `mapstructure:"code"`
	DisplayName   string `mapstructure:"display_name"`
	Active        bool   `mapstructure:"active"`
	APIURL        string `mapstructure:"api_url"`
	MerchantID    string `mapstructure:"merchant_id"`
	APIKey        string `mapstructure:"api_key"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookURL    string `mapstructure:"webhook_url"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	TestMode      bool   `mapstructure:"test_mode"`
}

// SecurityConfig 风控与审计参数
type SecurityConfig struct {
	FraudDetectionEnabled bool    `mapstructure:"fraud_detection_enabled"`
	HighValueThreshold    float64 `mapstructure:"high_value_threshold"` // 大额预警阈值（MAD）
	HighRiskScore         int     `mapstructure:"high_risk_score"`      // 高风险拒绝阈值
	FraudWindowMinutes    int     `mapstructure:"fraud_window_minutes"` // 频次统计时间窗
	FraudFrequencyLimit   int     `mapstructure:"fraud_frequency_limit"`
	CallbackMaxAgeMinutes int     `mapstructure:"callback_max_age_minutes"` // 回调时间戳新鲜度
	AuditCapacity         int     `mapstructure:"audit_capacity"`
	BusinessHourStart     int     `mapstructure:"business_hour_start"` // 正常营业时段（小时）
	BusinessHourEnd       int     `mapstructure:"business_hour_end"`
}

type BusinessConfig struct {
	StatusPollIntervalSeconds int `mapstructure:"status_poll_interval_seconds"` // 卡单轮询间隔
	StatusPollAgeMinutes      int `mapstructure:"status_poll_age_minutes"`      // processing 超过该时长视为卡单
	MaxRetryCount             int `mapstructure:"max_retry_count"`              // 发件箱最大重试
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	GlobalConfig = config
	return config
}

// applyDefaults 风控参数缺省值，保证零配置也有安全兜底
func applyDefaults(cfg *Config) {
	if cfg.MySQL.MaxOpenConns <= 0 {
		cfg.MySQL.MaxOpenConns = 100
	}
	if cfg.MySQL.MaxIdleConns <= 0 {
		cfg.MySQL.MaxIdleConns = 10
	}

	sec := &cfg.Security
	if sec.HighValueThreshold <= 0 {
		sec.HighValueThreshold = 10000
	}
	if sec.HighRiskScore <= 0 {
		sec.HighRiskScore = 60
	}
	if sec.FraudWindowMinutes <= 0 {
		sec.FraudWindowMinutes = 10
	}
	if sec.FraudFrequencyLimit <= 0 {
		sec.FraudFrequencyLimit = 5
	}
	if sec.CallbackMaxAgeMinutes <= 0 {
		sec.CallbackMaxAgeMinutes = 5
	}
	if sec.AuditCapacity <= 0 {
		sec.AuditCapacity = 1000
	}
	if sec.BusinessHourEnd <= 0 {
		sec.BusinessHourStart = 6
		sec.BusinessHourEnd = 23
	}

	biz := &cfg.Business
	if biz.StatusPollIntervalSeconds <= 0 {
		biz.StatusPollIntervalSeconds = 30
	}
	if biz.StatusPollAgeMinutes <= 0 {
		biz.StatusPollAgeMinutes = 5
	}
	if biz.MaxRetryCount <= 0 {
		biz.MaxRetryCount = 3
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CHAT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "chat.db"
	defaultLogLevel      = "info"
	defaultRedisAddress  = "localhost:6379"
	defaultQueuePrefix   = "chat:queue"
	defaultMaxReceive    = 5
	defaultAdminGroup    = "admin"
	defaultGroupsClaim   = "cognito:groups"
	defaultConsumerBatch = 10
)

// AppConfig captures runtime configuration for the chat relay service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	RedisAddress  string
	RedisPassword string
	QueuePrefix   string
	MaxReceive    int
	ConsumerBatch int
	RunDLQLane    bool
	PoolJWKSURL   string
	PoolAudience  string
	AdminGroup    string
	GroupsClaim   string
	SMSWebhookURL string
	SMSRecipient  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("queue.prefix", defaultQueuePrefix)
	configViper.SetDefault("queue.max_receive", defaultMaxReceive)
	configViper.SetDefault("queue.batch_size", defaultConsumerBatch)
	configViper.SetDefault("queue.dlq_lane", false)
	configViper.SetDefault("pool.admin_group", defaultAdminGroup)
	configViper.SetDefault("pool.groups_claim", defaultGroupsClaim)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		QueuePrefix:   configViper.GetString("queue.prefix"),
		MaxReceive:    configViper.GetInt("queue.max_receive"),
		ConsumerBatch: configViper.GetInt("queue.batch_size"),
		RunDLQLane:    configViper.GetBool("queue.dlq_lane"),
		PoolJWKSURL:   configViper.GetString("pool.jwks_url"),
		PoolAudience:  configViper.GetString("pool.audience"),
		AdminGroup:    configViper.GetString("pool.admin_group"),
		GroupsClaim:   configViper.GetString("pool.groups_claim"),
		SMSWebhookURL: configViper.GetString("sms.webhook_url"),
		SMSRecipient:  configViper.GetString("sms.recipient"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.QueuePrefix) == "" {
		return fmt.Errorf("queue.prefix is required")
	}
	if c.MaxReceive <= 0 {
		return fmt.Errorf("queue.max_receive must be positive")
	}
	if c.ConsumerBatch <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	if strings.TrimSpace(c.PoolJWKSURL) == "" {
		return fmt.Errorf("pool.jwks_url is required")
	}
	if strings.TrimSpace(c.PoolAudience) == "" {
		return fmt.Errorf("pool.audience is required")
	}
	return nil
}

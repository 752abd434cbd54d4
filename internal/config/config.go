// Package config assembles the process configuration of every mailpilot binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"mailpilot/internal/ai"
	"mailpilot/internal/provider/gmail"
	"mailpilot/pkg/config"
	"mailpilot/pkg/tokencrypt"
)

type LogConfig struct {
	Level string `yaml:"level"`
}

// OAuthConfig 授权流程配置
type OAuthConfig struct {
	StateSecret string `yaml:"state_secret"`
	// SuccessURL 回调成功后跳转的前端地址，为空时返回 JSON
	SuccessURL string `yaml:"success_url"`
	// WebhookToken is the shared token Pub/Sub appends to push URLs.
	WebhookToken string `yaml:"webhook_token"`
}

type SecurityConfig struct {
	// TokenKey is a 64-char hex key for sealing OAuth tokens at rest.
	TokenKey string `yaml:"token_key"`
}

type SyncConfig struct {
	IncrementalInterval time.Duration `yaml:"incremental_interval"`
	SnoozeInterval      time.Duration `yaml:"snooze_interval"`
	PushDedupTTL        time.Duration `yaml:"push_dedup_ttl"`
}

type QueuesConfig struct {
	Sync       config.QueueConfig `yaml:"sync"`
	Classify   config.QueueConfig `yaml:"classify"`
	AutoHandle config.QueueConfig `yaml:"autohandle"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB       config.DBConfig     `yaml:"db"`
	MQ       config.MQConfig     `yaml:"mq"`
	Redis    config.RedisConfig  `yaml:"redis"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	Server   config.ServerConfig `yaml:"server"`
	Log      LogConfig           `yaml:"log"`
	AI       ai.Config           `yaml:"ai"`
	Gmail    gmail.Config        `yaml:"gmail"`
	OAuth    OAuthConfig         `yaml:"oauth"`
	Security SecurityConfig      `yaml:"security"`
	Sync     SyncConfig          `yaml:"sync"`
	Queues   QueuesConfig        `yaml:"queues"`
	Outbox   OutboxConfig        `yaml:"outbox"`
}

// Load reads <dir>/base.yaml and <dir>/<env>.yaml, applies environment
// overrides and defaults, and validates the result.
func Load(env, dir string) (*Config, error) {
	raw, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideQueueFromEnv("QUEUE_SYNC", &cfg.Queues.Sync)
	config.OverrideQueueFromEnv("QUEUE_CLASSIFY", &cfg.Queues.Classify)
	config.OverrideQueueFromEnv("QUEUE_AUTOHANDLE", &cfg.Queues.AutoHandle)
	overrideFromEnv(&cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("AI_PROVIDER", &cfg.AI.Provider)
	setString("AI_API_KEY", &cfg.AI.APIKey)
	setString("AI_MODEL", &cfg.AI.Model)
	setString("AI_BASE_URL", &cfg.AI.BaseURL)
	setString("GMAIL_CLIENT_ID", &cfg.Gmail.ClientID)
	setString("GMAIL_CLIENT_SECRET", &cfg.Gmail.ClientSecret)
	setString("GMAIL_REDIRECT_URL", &cfg.Gmail.RedirectURL)
	setString("OAUTH_STATE_SECRET", &cfg.OAuth.StateSecret)
	setString("OAUTH_SUCCESS_URL", &cfg.OAuth.SuccessURL)
	setString("WEBHOOK_TOKEN", &cfg.OAuth.WebhookToken)
	setString("TOKEN_ENCRYPTION_KEY", &cfg.Security.TokenKey)

	if v := os.Getenv("AI_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.AI.MaxConcurrent = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sync.IncrementalInterval <= 0 {
		c.Sync.IncrementalInterval = 5 * time.Minute
	}
	if c.Sync.SnoozeInterval <= 0 {
		c.Sync.SnoozeInterval = time.Minute
	}
	if c.Sync.PushDedupTTL <= 0 {
		c.Sync.PushDedupTTL = time.Hour
	}
	queueDefaults(&c.Queues.Sync, 3, 5*time.Second)
	queueDefaults(&c.Queues.Classify, 2, 2*time.Second)
	queueDefaults(&c.Queues.AutoHandle, 5, time.Second)
	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
}

func queueDefaults(q *config.QueueConfig, concurrency int, base time.Duration) {
	if q.Concurrency == 0 {
		q.Concurrency = concurrency
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 3
	}
	if q.BaseBackoff == 0 {
		q.BaseBackoff = base
	}
	if q.MaxBackoff == 0 {
		q.MaxBackoff = 10 * time.Minute
	}
	if q.DeadLetterMax == 0 {
		q.DeadLetterMax = 1000
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.AI.Provider {
	case "", "stub", "none":
	case "anthropic", "claude", "openai":
		if c.AI.APIKey == "" {
			errs = append(errs, fmt.Errorf("ai.api_key is required for provider %q", c.AI.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not supported", c.AI.Provider))
	}

	if c.OAuth.StateSecret == "" {
		errs = append(errs, errors.New("oauth.state_secret is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if _, err := tokencrypt.NewBox(c.Security.TokenKey); err != nil {
		errs = append(errs, fmt.Errorf("security.token_key: %w", err))
	}

	for name, q := range map[string]config.QueueConfig{
		"sync":       c.Queues.Sync,
		"classify":   c.Queues.Classify,
		"autohandle": c.Queues.AutoHandle,
	} {
		if q.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queues.%s.concurrency must be positive", name))
		}
		if q.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("queues.%s.max_attempts must be positive", name))
		}
	}

	return errors.Join(errs...)
}

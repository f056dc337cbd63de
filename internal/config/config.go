package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// DefaultWebhookURL is the chat webhook every widget talks to unless CHAT_WEBHOOK_URL overrides it.
const DefaultWebhookURL = "https://automation.blocksdna.tech/webhook/07ee8bdd-bd72-4795-93ae-2787ac558a2d/chat"

// Backend 选择回复来源。
type Backend string

const (
	BackendWebhook Backend = "webhook"
	BackendArk     Backend = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Chat    ChatConfig
	Image   ImageConfig
	AI      AIConfig
	Profile ProfileConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parse log config: %w", err)
	}
	if err := env.Parse(&cfg.Chat); err != nil {
		return nil, fmt.Errorf("parse chat config: %w", err)
	}
	if err := env.Parse(&cfg.Image); err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}
	if err := env.Parse(&cfg.AI); err != nil {
		return nil, fmt.Errorf("parse ai config: %w", err)
	}
	if err := env.Parse(&cfg.Profile); err != nil {
		return nil, fmt.Errorf("parse profile config: %w", err)
	}

	if err := cfg.Chat.validate(); err != nil {
		return nil, err
	}
	if cfg.Chat.Backend == BackendArk && !cfg.AI.Enabled() {
		return nil, fmt.Errorf("CHAT_BACKEND=ark requires Model and ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY")
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	var server ServerConfig
	if err := env.Parse(&server); err != nil {
		return ServerConfig{}, fmt.Errorf("parse server config: %w", err)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		server.Addr = port
		return server, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	server.Addr = ":" + port
	return server, nil
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

// ChatConfig 描述聊天控件的行为。
type ChatConfig struct {
	Backend             Backend       `env:"CHAT_BACKEND" envDefault:"webhook"`
	WebhookURL          string        `env:"CHAT_WEBHOOK_URL"`
	RequestTimeout      time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"60s"`
	DiscardStaleReplies bool          `env:"CHAT_DISCARD_STALE_REPLIES" envDefault:"false"`
	WidgetIdleTTL       time.Duration `env:"CHAT_WIDGET_IDLE_TTL" envDefault:"2h"`
	NoticeTimeout       time.Duration `env:"CHAT_NOTICE_TIMEOUT" envDefault:"5s"`
}

// Endpoint returns the webhook URL, falling back to the built-in one.
func (c ChatConfig) Endpoint() string {
	if u := strings.TrimSpace(c.WebhookURL); u != "" {
		return u
	}
	return DefaultWebhookURL
}

func (c ChatConfig) validate() error {
	switch c.Backend {
	case BackendWebhook, BackendArk:
	default:
		return fmt.Errorf("invalid CHAT_BACKEND value %q", c.Backend)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid CHAT_REQUEST_TIMEOUT value %s", c.RequestTimeout)
	}
	if c.NoticeTimeout <= 0 {
		return fmt.Errorf("invalid CHAT_NOTICE_TIMEOUT value %s", c.NoticeTimeout)
	}
	return nil
}

// ImageConfig 描述图片占位符的延迟加载。
type ImageConfig struct {
	LoadDelay     time.Duration `env:"IMAGE_LOAD_DELAY" envDefault:"100ms"`
	ProbeTimeout  time.Duration `env:"IMAGE_PROBE_TIMEOUT" envDefault:"10s"`
	MaxConcurrent int64         `env:"IMAGE_MAX_CONCURRENT" envDefault:"4"`
	// AllowPrivateHosts lets probes reach loopback, private and link-local addresses.
	AllowPrivateHosts bool `env:"IMAGE_ALLOW_PRIVATE_HOSTS" envDefault:"false"`
}

// ProfileConfig points at an optional TOML assistant profile.
type ProfileConfig struct {
	File string `env:"PROFILE_FILE"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string   `env:"ARK_API_KEY"`
	AccessKey    string   `env:"ARK_ACCESS_KEY"`
	SecretKey    string   `env:"ARK_SECRET_KEY"`
	Model        string   `env:"Model"`
	BaseURL      string   `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region       string   `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature  *float64 `env:"ARK_TEMPERATURE"`
	TopP         *float64 `env:"ARK_TOP_P"`
	MaxTokens    *int     `env:"ARK_MAX_TOKENS"`
	HistoryLimit int      `env:"ARK_HISTORY_LIMIT" envDefault:"10"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

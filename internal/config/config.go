package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the location of the optional YAML config file.
const ConfigPathEnvVar = "SITECHAT_CONFIG"

// DefaultConfigPaths are tried in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// Supported AI providers.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderArk       = "ark"
)

// Config aggregates every setting of the service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	AI        AIConfig        `koanf:"ai"`
	Auth      AuthConfig      `koanf:"auth"`
	CORS      CORSConfig      `koanf:"cors"`
	Relay     RelayConfig     `koanf:"relay"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig points at the relational store.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

// AIConfig selects the model provider and its credentials.
type AIConfig struct {
	Provider        string `koanf:"provider"`
	Model           string `koanf:"model"`
	GeminiAPIKey    string `koanf:"gemini_api_key"`
	OpenAIAPIKey    string `koanf:"openai_api_key"`
	AnthropicAPIKey string `koanf:"anthropic_api_key"`
	OllamaHost      string `koanf:"ollama_host"`
	ArkAPIKey       string `koanf:"ark_api_key"`
	ArkAccessKey    string `koanf:"ark_access_key"`
	ArkSecretKey    string `koanf:"ark_secret_key"`
	BaseURL         string `koanf:"base_url"`
	Region          string `koanf:"region"`
}

// AuthConfig configures dashboard tokens. An empty secret disables the dashboard.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// CORSConfig lists the origins allowed to call the widget endpoints.
type CORSConfig struct {
	Origins []string `koanf:"origins"`
}

// RelayConfig tunes the socket relay.
type RelayConfig struct {
	SerializeSends bool `koanf:"serialize_sends"`
	QueueDepth     int  `koanf:"queue_depth"`
}

// RateLimitConfig bounds widget initialisations per client IP.
type RateLimitConfig struct {
	InitPerMinute int `koanf:"init_per_minute"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() Config {
	return Config{
		Server:   ServerConfig{Addr: "8080"},
		Database: DatabaseConfig{DSN: "sitechat.db"},
		AI: AIConfig{
			Provider: ProviderGemini,
			BaseURL:  "https://ark.cn-beijing.volces.com/api/v3",
			Region:   "cn-beijing",
		},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		CORS:      CORSConfig{Origins: []string{"*"}},
		Relay:     RelayConfig{QueueDepth: 32},
		RateLimit: RateLimitConfig{InitPerMinute: 60},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// defaultModels fills AI_MODEL when it is unset. Ark has no entry: its model
// is a per-account endpoint id.
var defaultModels = map[string]string{
	ProviderGemini:    "gemini-2.0-flash",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderOllama:    "llama3",
}

// envMappings maps environment variables to config paths. Variables not
// listed here are ignored.
var envMappings = map[string]string{
	"PORT":                   "server.addr",
	"DATABASE_DSN":           "database.dsn",
	"AI_PROVIDER":            "ai.provider",
	"AI_MODEL":               "ai.model",
	"GEMINI_API_KEY":         "ai.gemini_api_key",
	"OPENAI_API_KEY":         "ai.openai_api_key",
	"ANTHROPIC_API_KEY":      "ai.anthropic_api_key",
	"OLLAMA_HOST":            "ai.ollama_host",
	"ARK_API_KEY":            "ai.ark_api_key",
	"ARK_ACCESS_KEY":         "ai.ark_access_key",
	"ARK_SECRET_KEY":         "ai.ark_secret_key",
	"ARK_BASE_URL":           "ai.base_url",
	"ARK_REGION":             "ai.region",
	"JWT_SECRET":             "auth.jwt_secret",
	"AUTH_TOKEN_TTL":         "auth.token_ttl",
	"CORS_ORIGINS":           "cors.origins",
	"RELAY_SERIALIZE_SENDS":  "relay.serialize_sends",
	"RELAY_QUEUE_DEPTH":      "relay.queue_depth",
	"WIDGET_INIT_RATE_LIMIT": "ratelimit.init_per_minute",
	"LOG_LEVEL":              "log.level",
	"LOG_FORMAT":             "log.format",
}

var sliceConfigPaths = []string{"cors.origins"}

// Load layers defaults, the optional YAML file and environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaultModels[cfg.AI.Provider]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.AI.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderArk:
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q", c.AI.Provider)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	if c.Relay.QueueDepth < 0 {
		return fmt.Errorf("RELAY_QUEUE_DEPTH must not be negative")
	}
	if c.RateLimit.InitPerMinute < 0 {
		return fmt.Errorf("WIDGET_INIT_RATE_LIMIT must not be negative")
	}
	return nil
}

// DashboardEnabled reports whether admin routes can issue tokens.
func (c AuthConfig) DashboardEnabled() bool {
	return c.JWTSecret != ""
}

// normalizeAddr turns a bare port into a listen address.
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	if strings.Contains(port, ":") {
		// ":8080" and "127.0.0.1:8080" pass through unchanged.
		return port, nil
	}

	return ":" + port, nil
}

// Enabled reports whether the selected provider has the credentials it needs.
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderGemini:
		return c.GeminiAPIKey != ""
	case ProviderOpenAI:
		return c.OpenAIAPIKey != ""
	case ProviderAnthropic:
		return c.AnthropicAPIKey != ""
	case ProviderOllama:
		return c.OllamaHost != ""
	case ProviderArk:
		return c.Model != "" && (c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
	default:
		return false
	}
}

// NewChatModel builds an Ark chat model from the config.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("ark: missing credentials or model, set ARK_API_KEY and AI_MODEL (or an AK/SK pair)")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.ArkAPIKey,
		AccessKey: c.ArkAccessKey,
		SecretKey: c.ArkSecretKey,
		Model:     c.Model,
	}

	return ark.NewChatModel(ctx, cfg)
}

func findConfigFile() string {
	if path := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func envTransformFunc(key string) string {
	return envMappings[key]
}

// processSliceFields splits comma separated env values for slice settings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				values = append(values, p)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Provider 标识使用哪家大模型。
type Provider string

const (
	ProviderArk       Provider = "ark"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// StorageBackend 标识会话持久化方式。
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageSQLite StorageBackend = "sqlite"
)

// DefaultSystemPrompt 要求模型为每个代码块标注语言。
const DefaultSystemPrompt = "You are an expert programming assistant proficient in all programming languages. " +
	"For each code example, please specify the language and provide clear explanations. " +
	"Format your response with '```language' at the start of each code block."

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	AI       AIConfig
	Chat     ChatConfig
	Realtime RealtimeConfig
}

// Load 从环境变量加载配置，若设置了 CODECHAT_CONFIG 则再叠加 YAML 文件。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	buffer, err := parseOptionalIntEnv("REALTIME_BUFFER")
	if err != nil {
		return nil, err
	}
	realtime := RealtimeConfig{Buffer: 64}
	if buffer != nil {
		if *buffer < 1 {
			return nil, fmt.Errorf("invalid REALTIME_BUFFER value %d: must be positive", *buffer)
		}
		realtime.Buffer = *buffer
	}

	cfg := &Config{
		Server:   server,
		Log:      logCfg,
		Storage:  storage,
		AI:       ai,
		Chat:     chat,
		Realtime: realtime,
	}

	if path := strings.TrimSpace(os.Getenv("CODECHAT_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 控制日志级别与输出格式（json / console）。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
	switch cfg.Format {
	case "json", "console":
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q", cfg.Format)
	}
	return cfg, nil
}

// StorageConfig 描述持久化后端。
type StorageConfig struct {
	Backend    StorageBackend
	SQLitePath string
}

func loadStorageConfig() (StorageConfig, error) {
	backend := StorageBackend(strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", string(StorageMemory))))
	switch backend {
	case StorageMemory, StorageSQLite:
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_BACKEND value %q", backend)
	}
	return StorageConfig{
		Backend:    backend,
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "data/codechat.sqlite"),
	}, nil
}

// ChatConfig 控制发送给模型的历史长度，0 表示不截断。
type ChatConfig struct {
	ContextLimit int
}

func loadChatConfig() (ChatConfig, error) {
	limit, err := parseOptionalIntEnv("CHAT_CONTEXT_LIMIT")
	if err != nil {
		return ChatConfig{}, err
	}
	cfg := ChatConfig{ContextLimit: 20}
	if limit != nil {
		if *limit < 0 {
			return ChatConfig{}, fmt.Errorf("invalid CHAT_CONTEXT_LIMIT value %d", *limit)
		}
		cfg.ContextLimit = *limit
	}
	return cfg, nil
}

// RealtimeConfig 控制实时事件总线。
type RealtimeConfig struct {
	Buffer int
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider         Provider
	SystemPrompt     string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64

	Ark       ArkConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
}

// ArkConfig 火山方舟凭证。
type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string
}

// OpenAIConfig 适用于任意 OpenAI 兼容接口（例如 together.xyz）。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicConfig Claude 接口配置。
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Enabled 表示当前 provider 是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Ark.Model != "" && (c.Ark.APIKey != "" || (c.Ark.AccessKey != "" && c.Ark.SecretKey != ""))
	case ProviderOpenAI:
		return c.OpenAI.APIKey != "" && c.OpenAI.Model != ""
	case ProviderAnthropic:
		return c.Anthropic.APIKey != "" && c.Anthropic.Model != ""
	default:
		return false
	}
}

// NewArkChatModel 使用配置创建一个方舟模型实例。
func (c AIConfig) NewArkChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var maxTokens *int
	if c.MaxTokens > 0 {
		val := c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.Ark.BaseURL,
		Region:      c.Ark.Region,
		APIKey:      c.Ark.APIKey,
		AccessKey:   c.Ark.AccessKey,
		SecretKey:   c.Ark.SecretKey,
		Model:       c.Ark.Model,
		MaxTokens:   maxTokens,
		Temperature: toFloat32(c.Temperature),
		TopP:        toFloat32(c.TopP),
	}

	return ark.NewChatModel(ctx, cfg)
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}

func loadAIConfig() (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderOpenAI))))
	switch provider {
	case ProviderArk, ProviderOpenAI, ProviderAnthropic:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	maxTokens := 4096
	if override, err := parseOptionalIntEnv("AI_MAX_TOKENS"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AIConfig{}, fmt.Errorf("invalid AI_MAX_TOKENS value %d", *override)
		}
		maxTokens = *override
	}

	temperature, err := parseFloatEnvOrDefault("AI_TEMPERATURE", 0.4)
	if err != nil {
		return AIConfig{}, err
	}
	topP, err := parseFloatEnvOrDefault("AI_TOP_P", 0.2)
	if err != nil {
		return AIConfig{}, err
	}
	frequency, err := parseFloatEnvOrDefault("AI_FREQUENCY_PENALTY", 0.5)
	if err != nil {
		return AIConfig{}, err
	}
	presence, err := parseFloatEnvOrDefault("AI_PRESENCE_PENALTY", 0.5)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:         provider,
		SystemPrompt:     getEnvOrDefault("AI_SYSTEM_PROMPT", DefaultSystemPrompt),
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		TopP:             topP,
		FrequencyPenalty: frequency,
		PresencePenalty:  presence,
		Ark: ArkConfig{
			APIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			AccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
			SecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
			Model:     strings.TrimSpace(os.Getenv("Model")),
			BaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			BaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.together.xyz/v1"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "mistralai/Mixtral-8x7B-Instruct-v0.1"),
		},
		Anthropic: AnthropicConfig{
			APIKey:  strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL: strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
			Model:   getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		},
	}, nil
}

// fileConfig 是 CODECHAT_CONFIG 指向的 YAML 结构，未出现的字段保持环境变量的值。
type fileConfig struct {
	AI struct {
		Provider         *string  `yaml:"provider"`
		SystemPrompt     *string  `yaml:"systemPrompt"`
		MaxTokens        *int     `yaml:"maxTokens"`
		Temperature      *float64 `yaml:"temperature"`
		TopP             *float64 `yaml:"topP"`
		FrequencyPenalty *float64 `yaml:"frequencyPenalty"`
		PresencePenalty  *float64 `yaml:"presencePenalty"`
	} `yaml:"ai"`
	Chat struct {
		ContextLimit *int `yaml:"contextLimit"`
	} `yaml:"chat"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if file.AI.Provider != nil {
		provider := Provider(strings.ToLower(strings.TrimSpace(*file.AI.Provider)))
		switch provider {
		case ProviderArk, ProviderOpenAI, ProviderAnthropic:
			c.AI.Provider = provider
		default:
			return fmt.Errorf("invalid ai.provider value %q", provider)
		}
	}
	if file.AI.SystemPrompt != nil {
		if prompt := strings.TrimSpace(*file.AI.SystemPrompt); prompt != "" {
			c.AI.SystemPrompt = prompt
		}
	}
	if file.AI.MaxTokens != nil {
		if *file.AI.MaxTokens < 1 {
			return fmt.Errorf("invalid ai.maxTokens value %d", *file.AI.MaxTokens)
		}
		c.AI.MaxTokens = *file.AI.MaxTokens
	}
	if file.AI.Temperature != nil {
		c.AI.Temperature = file.AI.Temperature
	}
	if file.AI.TopP != nil {
		c.AI.TopP = file.AI.TopP
	}
	if file.AI.FrequencyPenalty != nil {
		c.AI.FrequencyPenalty = file.AI.FrequencyPenalty
	}
	if file.AI.PresencePenalty != nil {
		c.AI.PresencePenalty = file.AI.PresencePenalty
	}
	if file.Chat.ContextLimit != nil {
		if *file.Chat.ContextLimit < 0 {
			return fmt.Errorf("invalid chat.contextLimit value %d", *file.Chat.ContextLimit)
		}
		c.Chat.ContextLimit = *file.Chat.ContextLimit
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseFloatEnvOrDefault(key string, defaultValue float64) (*float64, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return &defaultValue, nil
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

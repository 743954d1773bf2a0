// =============================================================================
// 📦 Periscope 配置加载器
// =============================================================================
// 统一配置加载：YAML 文件（支持 ${ENV_VAR} 展开）+ 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("periscope.yaml").
//	    WithEnvPrefix("PERISCOPE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/periscopehq/periscope/assistant"
	"github.com/periscopehq/periscope/browser"
	"github.com/periscopehq/periscope/observability"
	"github.com/periscopehq/periscope/search"
)

// Config 是 Periscope 的完整配置结构
type Config struct {
	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm"`

	// Assistant 问答流水线配置
	Assistant assistant.Config `yaml:"assistant"`

	// Search 网络搜索配置
	Search search.Config `yaml:"search"`

	// Cache 搜索缓存配置
	Cache CacheConfig `yaml:"cache"`

	// Browser 云浏览器配置
	Browser browser.Config `yaml:"browser"`

	// Observability 追踪上报配置
	Observability ObservabilityConfig `yaml:"observability"`

	// Telemetry OTel 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// Provider 名称（用于日志与追踪标识）
	Provider string `yaml:"provider"`
	// API Key
	APIKey string `yaml:"api_key"`
	// 基础 URL（OpenAI 兼容端点）
	BaseURL string `yaml:"base_url"`
	// 默认模型
	Model string `yaml:"model"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries"`
}

// CacheConfig 搜索缓存配置
type CacheConfig struct {
	// Backend: memory | redis | none
	Backend string `yaml:"backend"`
	// TTL 缓存条目存活时间
	TTL time.Duration `yaml:"ttl"`
	// Redis 地址（backend=redis 时生效）
	RedisAddr string `yaml:"redis_addr"`
	// Redis 密码
	RedisPassword string `yaml:"redis_password"`
	// Redis 数据库编号
	RedisDB int `yaml:"redis_db"`
}

// ObservabilityConfig 追踪上报配置
type ObservabilityConfig struct {
	// Enabled 是否启用追踪上报
	Enabled bool `yaml:"enabled"`
	// Ingest 上报端点与批量参数
	Ingest observability.IngestConfig `yaml:"ingest"`
	// MetricsNamespace Prometheus 指标命名空间
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// TelemetryConfig OTel 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// 服务名称
	ServiceName string `yaml:"service_name"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths"`
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:   "openai",
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Assistant: assistant.DefaultConfig(),
		Search:    search.DefaultConfig(),
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     10 * time.Minute,
		},
		Browser: browser.DefaultConfig(),
		Observability: ObservabilityConfig{
			Ingest:           observability.DefaultIngestConfig(),
			MetricsNamespace: "periscope",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "periscope",
			SampleRate:  1.0,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "PERISCOPE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置。文件内容先做 ${ENV_VAR} 展开，
// 便于把密钥留在环境里而不是写进文件。
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量覆盖配置。环境变量名由前缀和各级 yaml tag
// 大写拼接而成，如 PERISCOPE_LLM_API_KEY。
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(yamlTag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key is required")
	}
	if c.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if c.Assistant.Temperature < 0 || c.Assistant.Temperature > 2 {
		errs = append(errs, "assistant.temperature must be between 0 and 2")
	}
	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, "cache.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Observability.Enabled {
		if c.Observability.Ingest.Host == "" {
			errs = append(errs, "observability.ingest.host is required when enabled")
		}
		if c.Observability.Ingest.PublicKey == "" || c.Observability.Ingest.SecretKey == "" {
			errs = append(errs, "observability.ingest key pair is required when enabled")
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	Agent         struct {
		ID       string `json:"id" yaml:"id"`
		Name     string `json:"name" yaml:"name"`
		Username string `json:"username" yaml:"username"`
		Bio      string `json:"bio" yaml:"bio"`
	} `json:"agent" yaml:"agent"`
	Response struct {
		TimeoutMS              int      `json:"timeout_ms" yaml:"timeout_ms"`
		MaxRetries             int      `json:"max_retries" yaml:"max_retries"`
		MultiStep              bool     `json:"multi_step" yaml:"multi_step"`
		MaxMultiStepIterations int      `json:"max_multi_step_iterations" yaml:"max_multi_step_iterations"`
		ProviderTimeoutMS      int      `json:"provider_timeout_ms" yaml:"provider_timeout_ms"`
		ActionPlanning         bool     `json:"action_planning" yaml:"action_planning"`
		AlwaysRespond          bool     `json:"always_respond" yaml:"always_respond"`
		AllowedChannelTypes    []string `json:"allowed_channel_types" yaml:"allowed_channel_types"`
		AllowedSources         []string `json:"allowed_sources" yaml:"allowed_sources"`
		DisableSupersedeCheck  bool     `json:"disable_supersede_check" yaml:"disable_supersede_check"`
		ModelSize              string   `json:"model_size" yaml:"model_size"`
		OffByDefault           bool     `json:"off_by_default" yaml:"off_by_default"`
	} `json:"response" yaml:"response"`
	LLM struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		ModelSmall       string  `json:"model_small" yaml:"model_small"`
		ModelLarge       string  `json:"model_large" yaml:"model_large"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	Brave struct {
		APIKey string `json:"api_key" yaml:"api_key"`
	} `json:"brave" yaml:"brave"`
	Telegram struct {
		Token string `json:"token" yaml:"token"`
	} `json:"telegram" yaml:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Telemetry struct {
		OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
		Insecure     bool   `json:"insecure" yaml:"insecure"`
	} `json:"telemetry" yaml:"telemetry"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".parley"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
	}
	cfg.Agent.ID = "parley"
	cfg.Agent.Name = "Parley"
	cfg.Response.TimeoutMS = 3_600_000
	cfg.Response.MaxRetries = 3
	cfg.Response.MaxMultiStepIterations = 6
	cfg.Response.ProviderTimeoutMS = 1000
	cfg.Response.ActionPlanning = true
	cfg.Response.AllowedChannelTypes = []string{}
	cfg.Response.AllowedSources = []string{}
	cfg.Response.ModelSize = "small"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.ModelSmall = "gpt-4o-mini"
	cfg.LLM.ModelLarge = "gpt-4o"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.HTTP.Listen = "127.0.0.1:8088"
	return cfg
}

// Load reads the config at path over the defaults. A missing file is
// created with the defaults. Environment variables take precedence over
// both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// decode accepts YAML for .yaml/.yml paths and JSON5 otherwise, so JSON
// configs may carry comments and trailing commas.
func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json5.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
		if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
			cfg.LLM.BaseURL = v
		}
	default:
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
		if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
			cfg.LLM.BaseURL = v
		}
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Brave.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// ResponseTimeout is the run timeout as a duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Response.TimeoutMS) * time.Millisecond
}

// ProviderTimeout is the multi-step provider batch timeout as a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Response.ProviderTimeoutMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic nested-map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value keyed by dot path, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored at a dot-path key in the config file,
// or the default when the file predates the key. The file is created with
// defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(raw, key); ok {
		if _, nested := v.(map[string]any); !nested {
			return v, nil
		}
	}
	defaults, err := defaultValues()
	if err != nil {
		return nil, err
	}
	if v, ok := defaults[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue stores value at a dot-path key in an existing config file. The
// key must exist in Config and value is parsed as the key's type, so
// "llm.api_key 1234" stays a string and "response.multi_step yes" fails.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	defaults, err := defaultValues()
	if err != nil {
		return err
	}
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	parsed, err := coerce(key, value, def)
	if err != nil {
		return err
	}

	assign(raw, key, parsed)
	data, err := encode(path, raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func defaultValues() (map[string]any, error) {
	m, err := ToMap(Default())
	if err != nil {
		return nil, err
	}
	return Flatten(m), nil
}

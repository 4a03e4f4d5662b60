package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override.
const envPrefix = "UNILLM_"

// Config is the top-level application configuration.
type Config struct {
	LLM      LLMConfig     `yaml:"llm"`
	Session  SessionConfig `yaml:"session"`
	Tools    ToolsConfig   `yaml:"tools"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Includes []string      `yaml:"includes,omitempty"`
}

// Tool modes accepted by SessionConfig.ToolMode.
const (
	ToolModeAuto     = "auto"
	ToolModeNative   = "native"
	ToolModeFallback = "fallback"
)

// SessionConfig controls the chat session loop.
type SessionConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	SystemPrompt  string        `yaml:"system_prompt"`
	ToolMode      string        `yaml:"tool_mode"` // "auto" probes the backend
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	EstimateUsage bool          `yaml:"estimate_usage"` // tiktoken estimate when the backend omits usage
}

// FailoverConfig holds provider failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig bounds outbound requests per provider.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // ollama, anthropic, openai, openrouter
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`

	// OpenRouter attribution headers.
	AppURL  string `yaml:"app_url,omitempty"`
	AppName string `yaml:"app_name,omitempty"`
}

// ToolsConfig holds tool catalogue settings.
type ToolsConfig struct {
	ValidateArguments bool          `yaml:"validate_arguments"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
	MCPServers        []MCPServer   `yaml:"mcp_servers,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config that talks to a local Ollama server.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers: []ProviderConfig{{
				Name:    "ollama",
				Type:    "ollama",
				BaseURL: "http://localhost:11434",
				Model:   "llama3.2",
			}},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				Burst:             5,
			},
		},
		Session: SessionConfig{
			MaxIterations: 10,
			SystemPrompt:  "You are a helpful assistant.",
			ToolMode:      ToolModeAuto,
			ProbeTimeout:  10 * time.Second,
		},
		Tools: ToolsConfig{
			ValidateArguments: true,
			ExecTimeout:       30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Provider returns the provider config named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// vendorKeyEnv names the conventional API key variable per provider type.
var vendorKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ApplyEnvOverrides maps UNILLM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv(envPrefix + "LLM_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.LLM.CircuitBreaker.Enabled = v == "true"
	}
	if v := os.Getenv(envPrefix + "LLM_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.RateLimit.Enabled = n > 0
			cfg.LLM.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv(envPrefix + "LLM_FAILOVER_FALLBACKS"); v != "" {
		cfg.LLM.Failover.Enabled = true
		cfg.LLM.Failover.Fallbacks = splitAndTrim(v, ",")
	}

	if v := os.Getenv(envPrefix + "SESSION_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxIterations = n
		}
	}
	if v := os.Getenv(envPrefix + "SESSION_TOOL_MODE"); v != "" {
		cfg.Session.ToolMode = v
	}
	if v := os.Getenv(envPrefix + "SESSION_SYSTEM_PROMPT"); v != "" {
		cfg.Session.SystemPrompt = v
	}
	if v := os.Getenv(envPrefix + "SESSION_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.ProbeTimeout = d
		}
	}

	if v := os.Getenv(envPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv(envPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-provider overrides: UNILLM_LLM_PROVIDER_<NAME>_{API_KEY,MODEL,BASE_URL}.
	// Names are upper-cased with '-' and '.' mapped to '_'.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		key := envPrefix + "LLM_PROVIDER_" + envName(p.Name) + "_"
		if v := os.Getenv(key + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(key + "MODEL"); v != "" {
			p.Model = v
		}
		if v := os.Getenv(key + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
		if p.APIKey == "" {
			if name, ok := vendorKeyEnv[p.Type]; ok {
				p.APIKey = os.Getenv(name)
			}
		}
	}
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const encPrefix = "enc:"

// decryptSecrets decrypts "enc:..." provider API keys and MCP server env values.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	for i := range cfg.Tools.MCPServers {
		srv := &cfg.Tools.MCPServers[i]
		for k, v := range srv.Env {
			if err := decryptField(&v, passphrase); err != nil {
				return fmt.Errorf("mcp server %s env %s: %w", srv.Name, k, err)
			}
			srv.Env[k] = v
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, encPrefix) {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*field, encPrefix), passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

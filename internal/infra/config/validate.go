package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateSession(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviderTypes = map[string]bool{
	"ollama":     true,
	"anthropic":  true,
	"openai":     true,
	"openrouter": true,
}

// keylessProviderTypes may run without an API key.
var keylessProviderTypes = map[string]bool{
	"ollama": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty")
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: ollama, anthropic, openai, openrouter)", i, p.Type)
			continue
		}
		if p.APIKey == "" && !keylessProviderTypes[p.Type] {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via %sLLM_PROVIDER_%s_API_KEY)",
				i, p.Name, envPrefix, envName(p.Name))
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%d] (%s): base_url %q is not an absolute URL", i, p.Name, p.BaseURL)
			}
		}
		if p.MaxTokens < 0 {
			ve.Add("llm.providers[%d] (%s): max_tokens must be >= 0", i, p.Name)
		}
	}

	if cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
	if rl := cfg.LLM.RateLimit; rl.Enabled {
		if rl.RequestsPerMinute <= 0 {
			ve.Add("llm.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("llm.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.MaxIterations <= 0 {
		ve.Add("session.max_iterations must be > 0")
	}
	switch cfg.Session.ToolMode {
	case ToolModeAuto, ToolModeNative, ToolModeFallback:
	default:
		ve.Add("session.tool_mode %q is invalid (want: auto, native, fallback)", cfg.Session.ToolMode)
	}
	if cfg.Session.ProbeTimeout < 0 {
		ve.Add("session.probe_timeout must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.ExecTimeout < 0 {
		ve.Add("tools.exec_timeout must be >= 0")
	}
	seen := make(map[string]bool)
	for i, srv := range cfg.Tools.MCPServers {
		if srv.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		} else if seen[srv.Name] {
			ve.Add("tools.mcp_servers[%d]: duplicate server name %q", i, srv.Name)
		}
		seen[srv.Name] = true

		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio transport", i, srv.Name)
			}
		case "http":
			if srv.URL == "" {
				ve.Add("tools.mcp_servers[%d] (%s): url is required for http transport", i, srv.Name)
			}
		default:
			ve.Add("tools.mcp_servers[%d] (%s): transport %q is invalid (want: stdio, http)", i, srv.Name, srv.Transport)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

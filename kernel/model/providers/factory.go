package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/OnslaughtSnail/virga/kernel/model"
)

// Factory builds model providers from alias configs.
type Factory struct {
	configs map[string]Config
}

// NewFactory returns a factory preloaded with the well-known providers.
func NewFactory() *Factory {
	f := &Factory{configs: map[string]Config{}}
	for _, cfg := range builtinConfigs() {
		// Builtin configs are well formed.
		_ = f.Register(cfg)
	}
	return f
}

// Register adds or overwrites one alias config.
func (f *Factory) Register(cfg Config) error {
	if f == nil {
		return fmt.Errorf("providers: factory is nil")
	}
	alias := strings.ToLower(strings.TrimSpace(cfg.Alias))
	if alias == "" {
		return fmt.Errorf("providers: alias is required")
	}
	switch cfg.API {
	case APIOpenAI, APIOpenAICompatible, APIAnthropic, APIGemini, APIDeepSeek:
	default:
		return fmt.Errorf("providers: unsupported api type %q", cfg.API)
	}
	cfg.Alias = alias
	f.configs[alias] = cfg
	return nil
}

// New creates a model provider from a "provider/model" id. The model part
// overrides the alias config's default model.
func (f *Factory) New(id string) (model.LLM, error) {
	alias, modelName, err := ParseModelID(id)
	if err != nil {
		return nil, err
	}
	cfg, ok := f.lookup(alias)
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", alias)
	}
	if modelName != "" {
		cfg.Model = modelName
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("providers: no model named for provider %q", alias)
	}
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.API {
	case APIDeepSeek:
		return newDeepSeek(cfg, token), nil
	case APIOpenAI, APIOpenAICompatible:
		return newOpenAICompat(cfg, token), nil
	case APIAnthropic:
		return newAnthropic(cfg, token), nil
	case APIGemini:
		return newGemini(cfg, token), nil
	default:
		return nil, fmt.Errorf("providers: unsupported api type %q", cfg.API)
	}
}

// New creates a model provider from the default factory.
func New(id string) (model.LLM, error) {
	return NewFactory().New(id)
}

// ListProviders returns registered provider aliases.
func (f *Factory) ListProviders() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.configs))
	for k := range f.configs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *Factory) lookup(alias string) (Config, bool) {
	cfg, ok := f.configs[strings.ToLower(strings.TrimSpace(alias))]
	return cfg, ok
}

// ParseModelID splits a "provider/model" id. The model part is optional and
// may itself contain slashes (openrouter-style ids).
func ParseModelID(id string) (provider, modelName string, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", fmt.Errorf("providers: model id is required")
	}
	provider, modelName, found := strings.Cut(id, "/")
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", "", fmt.Errorf("providers: model id %q has no provider part", id)
	}
	if found && strings.TrimSpace(modelName) == "" {
		return "", "", fmt.Errorf("providers: model id %q has an empty model part", id)
	}
	return provider, strings.TrimSpace(modelName), nil
}

func resolveToken(cfg Config) (string, error) {
	if token := strings.TrimSpace(cfg.Auth.Token); token != "" {
		return token, nil
	}
	env := strings.TrimSpace(cfg.Auth.TokenEnv)
	if env == "" {
		return "", fmt.Errorf("providers: no credential configured for provider %q", cfg.Alias)
	}
	if token := strings.TrimSpace(os.Getenv(env)); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("providers: %s is not set (required by provider %q)", env, cfg.Alias)
}

func builtinConfigs() []Config {
	return []Config{
		{
			Alias:               "anthropic",
			Provider:            "anthropic",
			API:                 APIAnthropic,
			Model:               "claude-sonnet-4-5",
			MaxOutputTokens:     8192,
			ContextWindowTokens: 200_000,
			Auth:                AuthConfig{TokenEnv: "ANTHROPIC_API_KEY"},
		},
		{
			Alias:               "gemini",
			Provider:            "gemini",
			API:                 APIGemini,
			Model:               "gemini-2.5-pro",
			MaxOutputTokens:     8192,
			ContextWindowTokens: 1_000_000,
			Auth:                AuthConfig{TokenEnv: "GEMINI_API_KEY"},
		},
		{
			Alias:               "openai",
			Provider:            "openai",
			API:                 APIOpenAI,
			Model:               "gpt-4.1",
			BaseURL:             "https://api.openai.com/v1",
			ContextWindowTokens: 1_000_000,
			Auth:                AuthConfig{TokenEnv: "OPENAI_API_KEY"},
		},
		{
			Alias:               "deepseek",
			Provider:            "deepseek",
			API:                 APIDeepSeek,
			Model:               "deepseek-chat",
			BaseURL:             "https://api.deepseek.com",
			ContextWindowTokens: 128_000,
			Auth:                AuthConfig{TokenEnv: "DEEPSEEK_API_KEY"},
		},
		{
			Alias:               "openrouter",
			Provider:            "openrouter",
			API:                 APIOpenAICompatible,
			BaseURL:             "https://openrouter.ai/api/v1",
			ContextWindowTokens: 128_000,
			Auth:                AuthConfig{TokenEnv: "OPENROUTER_API_KEY"},
		},
	}
}

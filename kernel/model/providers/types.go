package providers

import "time"

// APIType selects the wire dialect a provider speaks.
type APIType string

const (
	APIOpenAI           APIType = "openai"
	APIOpenAICompatible APIType = "openai_compatible"
	APIAnthropic        APIType = "anthropic"
	APIGemini           APIType = "gemini"
	APIDeepSeek         APIType = "deepseek"
)

// AuthConfig resolves the credential for one provider. Token wins when set,
// otherwise TokenEnv names the environment variable to read.
type AuthConfig struct {
	Token    string
	TokenEnv string
}

// Config is a provider-agnostic model alias definition.
type Config struct {
	Alias               string
	Provider            string
	API                 APIType
	Model               string
	BaseURL             string
	Timeout             time.Duration
	MaxOutputTokens     int
	ContextWindowTokens int
	Auth                AuthConfig
}

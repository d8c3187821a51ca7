package config

import "time"

// Provider backend kinds understood by the bootstrap wiring.
const (
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeOpenAI    = "openai"
	ProviderTypeEcho      = "echo"
)

// ProviderConfig declares one routable execution provider.
type ProviderConfig struct {
	// ID is the unique provider identifier used by the router and in
	// route events.
	ID string `yaml:"id"`

	// Type selects the backend implementation: anthropic, openai, echo.
	Type string `yaml:"type"`

	// Priority orders routing; lower is preferred.
	Priority int `yaml:"priority"`

	// Model is the default model when the agent config names none.
	Model string `yaml:"model"`

	// MaxTokens caps completion length when the agent config does not.
	MaxTokens int64 `yaml:"max_tokens"`

	// ContextTokens is advertised via backend capabilities.
	ContextTokens int `yaml:"context_tokens"`

	// GoalTypes restricts accepted goal types; empty accepts all.
	GoalTypes []string `yaml:"goal_types"`

	// MaxConcurrent caps concurrent executions on this provider.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// APIKey is the provider credential. Usually injected with
	// {{.VAR}} expansion; resolved per call, never logged.
	APIKey string `yaml:"api_key"`

	// CredentialUser, when set, resolves the API key from the named
	// user's encrypted provider credential instead of APIKey.
	CredentialUser string `yaml:"credential_user"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes one provider's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenDuration is how long the breaker stays OPEN before admitting
	// half-open probes.
	OpenDuration time.Duration `yaml:"open_duration"`

	// HalfOpenMaxAttempts caps concurrent half-open probes.
	HalfOpenMaxAttempts int `yaml:"half_open_max_attempts"`

	// SuccessThresholdToClose is the consecutive probe successes that
	// close the breaker.
	SuccessThresholdToClose int `yaml:"success_threshold_to_close"`
}

// DefaultProviders returns the built-in provider table: a single echo
// provider, so a fresh checkout runs end to end without provider keys.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:       "echo",
			Type:     ProviderTypeEcho,
			Priority: 100,
		},
	}
}

// mergeProviders overlays user-declared providers on the built-in table.
// A user provider with a built-in's ID replaces it; others are appended.
func mergeProviders(builtin, user []ProviderConfig) []ProviderConfig {
	if len(user) == 0 {
		return builtin
	}
	merged := make([]ProviderConfig, 0, len(builtin)+len(user))
	replaced := make(map[string]bool, len(user))
	for _, p := range user {
		replaced[p.ID] = true
	}
	for _, p := range builtin {
		if !replaced[p.ID] {
			merged = append(merged, p)
		}
	}
	return append(merged, user...)
}

func validateProviders(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return newValidationError("providers", "", "at least one provider is required")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p.ID == "" {
			return newValidationError("providers", "id", "is required")
		}
		if seen[p.ID] {
			return newValidationError("providers", p.ID, "duplicate provider id")
		}
		seen[p.ID] = true

		switch p.Type {
		case ProviderTypeAnthropic, ProviderTypeOpenAI:
			if p.APIKey == "" && p.CredentialUser == "" {
				return newValidationError("providers", p.ID,
					"api_key or credential_user is required for "+p.Type)
			}
		case ProviderTypeEcho:
		default:
			return newValidationError("providers", p.ID,
				"type must be anthropic, openai, or echo")
		}

		if p.MaxConcurrent < 0 {
			return newValidationError("providers", p.ID, "max_concurrent must be non-negative")
		}
		if p.Breaker.FailureThreshold < 0 || p.Breaker.HalfOpenMaxAttempts < 0 {
			return newValidationError("providers", p.ID, "breaker counts must be non-negative")
		}
	}
	return nil
}

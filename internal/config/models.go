package config

import "os"

// ModelDefinition represents a model configuration
type ModelDefinition struct {
	Model           string            `json:"model"`
	DisplayName     string            `json:"displayName"`
	Provider        string            `json:"provider"`
	BaseURL         string            `json:"baseUrl,omitempty"`
	MaxOutputTokens int               `json:"maxOutputTokens,omitempty"`
	ContextWindow   int               `json:"contextWindow,omitempty"`
	ExtraHeaders    map[string]string `json:"extraHeaders,omitempty"`
}

// ModelRegistry holds model configurations keyed by shorthand name
type ModelRegistry struct {
	Models   map[string]ModelDefinition
	Default  string
	Fallback string
}

// Registry builds a ModelRegistry from the models section
func (m ModelsSection) Registry() *ModelRegistry {
	return &ModelRegistry{Models: m.Models, Default: m.Default, Fallback: m.Fallback}
}

// GetModel returns a model definition by shorthand name
func (r *ModelRegistry) GetModel(name string) (ModelDefinition, bool) {
	model, ok := r.Models[name]
	return model, ok
}

// HasModel checks if a model exists in the registry
func (r *ModelRegistry) HasModel(name string) bool {
	_, ok := r.Models[name]
	return ok
}

// ResolveModel resolves a model shorthand name to the full model ID.
// An empty name resolves the default; unknown names are returned unchanged.
func (r *ModelRegistry) ResolveModel(name string) string {
	if name == "" {
		name = r.Default
	}
	if model, ok := r.Models[name]; ok {
		return model.Model
	}
	return name
}

// FallbackFor returns the model to substitute when name is overloaded.
// It returns "" when no distinct fallback is configured.
func (r *ModelRegistry) FallbackFor(name string) string {
	if r.Fallback == "" {
		return ""
	}
	fallback := r.ResolveModel(r.Fallback)
	if fallback == r.ResolveModel(name) {
		return ""
	}
	return fallback
}

// ProvidersSection holds model provider credentials
type ProvidersSection struct {
	Credentials map[string]ProviderCredential `json:"credentials"`
	Default     string                        `json:"default"`
}

// ProviderCredential is a single provider API key
type ProviderCredential struct {
	Provider string `json:"provider"` // openai, openrouter, anthropic-compatible gateways
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// DefaultCredential returns the default provider credential. A missing
// api_key falls back to the provider's environment variable.
func (p ProvidersSection) DefaultCredential() (ProviderCredential, bool) {
	if p.Default == "" {
		return ProviderCredential{}, false
	}
	cred, ok := p.Credentials[p.Default]
	if !ok {
		return ProviderCredential{}, false
	}
	if cred.APIKey == "" {
		if env := ProviderEnvVar(cred.Provider); env != "" {
			cred.APIKey = os.Getenv(env)
		}
	}
	return cred, true
}

// ProviderEnvVar returns the environment variable name for a provider
func ProviderEnvVar(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}

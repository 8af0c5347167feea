package config

import "testing"

func TestModelRegistry(t *testing.T) {
	registry := ModelsSection{
		Models: map[string]ModelDefinition{
			"smart": {Model: "gpt-4.1", Provider: "openai"},
			"fast":  {Model: "gpt-4o-mini", Provider: "openai"},
		},
		Default:  "smart",
		Fallback: "fast",
	}.Registry()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"resolve shorthand", registry.ResolveModel("fast"), "gpt-4o-mini"},
		{"resolve default", registry.ResolveModel(""), "gpt-4.1"},
		{"unknown passes through", registry.ResolveModel("custom-model"), "custom-model"},
		{"fallback for default", registry.FallbackFor("smart"), "gpt-4o-mini"},
		{"no fallback for itself", registry.FallbackFor("fast"), ""},
		{"no fallback for resolved id", registry.FallbackFor("gpt-4o-mini"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if _, ok := registry.GetModel("smart"); !ok {
		t.Error("expected to find model smart")
	}
	if registry.HasModel("missing") {
		t.Error("HasModel(missing) = true, want false")
	}
}

func TestProvidersSection_DefaultCredential(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	p := ProvidersSection{
		Credentials: map[string]ProviderCredential{
			"main":  {Provider: "openai"},
			"other": {Provider: "openrouter", APIKey: "explicit"},
		},
		Default: "main",
	}

	cred, ok := p.DefaultCredential()
	if !ok {
		t.Fatal("DefaultCredential() ok = false")
	}
	if cred.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cred.APIKey)
	}

	p.Default = "missing"
	if _, ok := p.DefaultCredential(); ok {
		t.Error("DefaultCredential() for unknown default should be false")
	}
}

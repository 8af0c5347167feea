package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/HyphaGroup/runloom/internal/tools"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

func TestNext(t *testing.T) {
	tests := []struct {
		from State
		sig  signal
		want State
	}{
		{StateStreamStart, sigText, StateAccumulating},
		{StateAccumulating, sigText, StateAccumulating},
		{StateAccumulating, sigToolDetected, StateToolDetected},
		{StateToolDetected, sigText, StateAccumulating},
		{StateToolDetected, sigExecute, StateToolExecuting},
		{StateToolExecuting, sigResolved, StateToolResolved},
		{StateToolExecuting, sigText, StateToolExecuting},
		{StateToolResolved, sigText, StateAccumulating},
		{StateAccumulating, sigEnd, StateFinalizing},
		{StateStreamStart, sigEnd, StateFinalizing},
		{StateFinalizing, sigExecute, StateToolExecuting},
		{StateToolResolved, sigDone, StateStreamEnd},
		{StateFinalizing, sigDone, StateStreamEnd},
		{StateAccumulating, sigDone, StateAccumulating},
		{StateToolExecuting, sigFail, StateError},
		{StateFinalizing, sigFail, StateError},
		{StateError, sigText, StateError},
		{StateStreamEnd, sigFail, StateStreamEnd},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, next(tt.from, tt.sig))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"native only", func(c *Config) { c.XMLToolCalling = false; c.NativeToolCalling = true }, false},
		{"no format", func(c *Config) { c.XMLToolCalling = false }, true},
		{"no format without execution", func(c *Config) { c.XMLToolCalling = false; c.ExecuteTools = false }, false},
		{"negative limit", func(c *Config) { c.MaxXMLToolCalls = -1 }, true},
		{"bad strategy", func(c *Config) { c.ToolExecutionStrategy = tools.Strategy("random") }, true},
		{"bad adding strategy", func(c *Config) { c.XMLAddingStrategy = "system" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

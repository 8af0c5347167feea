package processor

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/runloom/internal/config"
	"github.com/HyphaGroup/runloom/internal/tools"
)

// How markup tool results are fed back to the model
const (
	AddAsAssistantMessage = "assistant_message"
	AddAsUserMessage      = "user_message"
	AddInlineEdit         = "inline_edit"
)

// Config selects tool-calling formats and execution behavior
type Config struct {
	XMLToolCalling        bool
	NativeToolCalling     bool
	ExecuteTools          bool
	ExecuteOnStream       bool
	ToolExecutionStrategy tools.Strategy
	XMLAddingStrategy     string
	// MaxXMLToolCalls caps markup calls per pass; 0 is unlimited
	MaxXMLToolCalls int
}

// DefaultConfig enables markup tools executed after the stream, in order
func DefaultConfig() Config {
	return Config{
		XMLToolCalling:        true,
		ExecuteTools:          true,
		ToolExecutionStrategy: tools.Sequential,
		XMLAddingStrategy:     AddAsAssistantMessage,
	}
}

// FromSection builds a Config from the processor section of the config file
func FromSection(s config.ProcessorSection) Config {
	cfg := DefaultConfig()
	if s.XMLToolCalling != nil {
		cfg.XMLToolCalling = *s.XMLToolCalling
	}
	if s.ExecuteTools != nil {
		cfg.ExecuteTools = *s.ExecuteTools
	}
	cfg.NativeToolCalling = s.NativeToolCalling
	cfg.ExecuteOnStream = s.ExecuteOnStream
	if s.ToolExecutionStrategy != "" {
		cfg.ToolExecutionStrategy = tools.Strategy(s.ToolExecutionStrategy)
	}
	if s.XMLAddingStrategy != "" {
		cfg.XMLAddingStrategy = s.XMLAddingStrategy
	}
	cfg.MaxXMLToolCalls = s.MaxXMLToolCalls
	return cfg
}

// Validate checks the combination of options
func (c Config) Validate() error {
	if c.ExecuteTools && !c.XMLToolCalling && !c.NativeToolCalling {
		return errors.New("at least one tool calling format must be enabled when execute_tools is set")
	}
	if c.MaxXMLToolCalls < 0 {
		return fmt.Errorf("max_xml_tool_calls must be >= 0, got %d", c.MaxXMLToolCalls)
	}
	if !c.ToolExecutionStrategy.Valid() {
		return fmt.Errorf("unknown tool_execution_strategy %q", c.ToolExecutionStrategy)
	}
	switch c.XMLAddingStrategy {
	case AddAsAssistantMessage, AddAsUserMessage, AddInlineEdit:
	default:
		return fmt.Errorf("unknown xml_adding_strategy %q", c.XMLAddingStrategy)
	}
	return nil
}

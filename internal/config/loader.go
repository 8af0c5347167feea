package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFileName is the name of the configuration file
const ConfigFileName = "runloom.jsonc"

// EnvConfigPath overrides the config file location
const EnvConfigPath = "RUNLOOM_CONFIG"

// FindConfigPath returns the path to runloom.jsonc using precedence:
// 1. explicit path (flag)
// 2. RUNLOOM_CONFIG env var
// 3. ./config/runloom.jsonc (project-local)
// 4. ~/.runloom/config/runloom.jsonc (user global)
func FindConfigPath(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfigPath)
	}
	if explicit != "" {
		if info, err := os.Stat(explicit); err == nil && info.IsDir() {
			explicit = filepath.Join(explicit, ConfigFileName)
		}
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%s not found: %w", explicit, err)
		}
		return absPath(explicit), nil
	}

	candidates := []string{
		filepath.Join("config", ConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".runloom", "config", ConfigFileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", fmt.Errorf("%s not found; tried: %v", ConfigFileName, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// LoadAll locates and loads the configuration file. When no file exists
// and allowMissing is set, defaults are returned.
func LoadAll(explicit string, allowMissing bool) (*Config, error) {
	path, err := FindConfigPath(explicit)
	if err != nil {
		if allowMissing && explicit == "" {
			return Default(), nil
		}
		return nil, err
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Server.DataDir) {
		cfg.Server.DataDir = filepath.Join(homeDir(path), cfg.Server.DataDir)
	}
	return cfg, nil
}

// homeDir is the directory relative paths resolve against: the parent of a
// config/ directory, or the directory holding the file.
func homeDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if filepath.Base(dir) == "config" {
		return filepath.Dir(dir)
	}
	return dir
}

// DatabasePath resolves the SQLite file location
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.Server.DataDir, c.Database.Path)
}

// LogDir resolves the log directory
func (c *Config) LogDir() string {
	if c.Server.LogDir == "" {
		return filepath.Join(c.Server.DataDir, "logs")
	}
	return c.Server.LogDir
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var problems []string

	switch c.Processor.ToolExecutionStrategy {
	case "sequential", "parallel":
	default:
		problems = append(problems, fmt.Sprintf("processor.tool_execution_strategy %q is not sequential or parallel", c.Processor.ToolExecutionStrategy))
	}
	switch c.Processor.XMLAddingStrategy {
	case "user_message", "assistant_message", "inline_edit":
	default:
		problems = append(problems, fmt.Sprintf("processor.xml_adding_strategy %q is unknown", c.Processor.XMLAddingStrategy))
	}
	if c.Processor.MaxXMLToolCalls < 0 {
		problems = append(problems, "processor.max_xml_tool_calls must be >= 0")
	}
	if c.Runs.MaxAutoContinues < 0 {
		problems = append(problems, "runs.max_auto_continues must be >= 0")
	}
	if c.Models.Default != "" && len(c.Models.Models) > 0 && !c.Models.Registry().HasModel(c.Models.Default) {
		problems = append(problems, fmt.Sprintf("models.default %q is not defined", c.Models.Default))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

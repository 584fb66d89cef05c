package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Backend struct {
		BaseURL           string  `koanf:"base_url"`
		APIToken          string  `koanf:"api_token"`
		TokenCommand      string  `koanf:"token_command"`
		AgentID           string  `koanf:"agent_id"`
		TimeoutSeconds    int     `koanf:"timeout_seconds"`
		RequestsPerSecond float64 `koanf:"requests_per_second"`
	} `koanf:"backend"`

	Upload struct {
		MaxRetries  int `koanf:"max_retries"`
		BaseDelayMS int `koanf:"base_delay_ms"`
	} `koanf:"upload"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

// LoadConfig loads the configuration from a file, layered as
// defaults < TOML file < DOCPILOT_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"backend.base_url":            "http://localhost:8181",
		"backend.timeout_seconds":     120,
		"backend.requests_per_second": 5.0,
		"upload.max_retries":          3,
		"upload.base_delay_ms":        1000,
		"log.level":                   "info",
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try default locations
		defaultPaths := []string{"./docpilot.toml", "$HOME/.docpilot.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix DOCPILOT_. The first
	// underscore separates the section, the rest stays part of the key:
	// DOCPILOT_BACKEND_BASE_URL -> backend.base_url
	k.Load(env.Provider("DOCPILOT_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "DOCPILOT_"))
		return strings.Join(strings.SplitN(s, "_", 2), ".")
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# docpilot configuration

[backend]
base_url = "http://localhost:8181"
# api_token = "your-api-token"
# token_command = "pass show docpilot/api-token"
# agent_id = "default"
timeout_seconds = 120
requests_per_second = 5

[upload]
max_retries = 3
base_delay_ms = 1000

[log]
level = "info"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}

	u, err := url.Parse(config.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base_url %q is not a valid URL", config.Backend.BaseURL)
	}

	if config.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout_seconds must be positive")
	}

	if config.Backend.RequestsPerSecond <= 0 {
		return fmt.Errorf("backend requests_per_second must be positive")
	}

	if config.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload max_retries must not be negative")
	}

	return nil
}

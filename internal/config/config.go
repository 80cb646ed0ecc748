package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DataDir       string `yaml:"data_dir"`
	SchemaDir     string `yaml:"schema_dir"`
	TenantsFile   string `yaml:"tenants_file"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	Output        string `yaml:"output"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/boardtasks/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      "info",
		LogFormat:     "console",
		BusyTimeoutMS: 30000,
		Output:        "table",
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	if err := loadYAMLConfig(cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	// Override with environment variables
	if dataDir := getEnvOrFile("BOARDS_DATA_DIR", "BOARDS_DATA_DIR_FILE"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if schemaDir := os.Getenv("BOARDS_SCHEMA_DIR"); schemaDir != "" {
		cfg.SchemaDir = schemaDir
	}
	if tenants := os.Getenv("BOARDS_TENANTS_FILE"); tenants != "" {
		cfg.TenantsFile = tenants
	}
	if logLevel := os.Getenv("BOARDS_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat := os.Getenv("BOARDS_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if output := os.Getenv("BOARDS_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if timeout := os.Getenv("BOARDS_BUSY_TIMEOUT_MS"); timeout != "" {
		ms, err := strconv.Atoi(timeout)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid BOARDS_BUSY_TIMEOUT_MS %q", timeout)
		}
		cfg.BusyTimeoutMS = ms
	}

	// Set defaults if not configured
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.TenantsFile == "" {
		cfg.TenantsFile = filepath.Join("lib", "config.json")
	}

	return cfg, nil
}

// BusyTimeout returns the SQLite busy wait as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMS) * time.Millisecond
}

// loadYAMLConfig loads configuration from ~/.config/boardtasks/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "boardtasks", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

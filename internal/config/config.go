// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/karlbohlmark/eifl/internal/crypto"
)

// Config holds the server configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	DataDir       string
	TickInterval  time.Duration
	EncryptionKey string
	GitHubToken   string
	PublicURL     string
}

// HasEncryptionKey reports whether secret management is configured.
func (c *Config) HasEncryptionKey() bool {
	return c.EncryptionKey != ""
}

// Load reads configuration from environment variables and returns a
// validated Config. EIFL_ENCRYPTION_KEY is optional; when absent the server
// starts with secret management disabled. When present it must be at least
// 32 characters. Optional variables with defaults: EIFL_LISTEN_ADDR
// (127.0.0.1:8080), EIFL_DB_PATH (eifl.db), EIFL_DATA_DIR (data),
// EIFL_TICK_INTERVAL (60s).
func Load() (*Config, error) {
	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("EIFL_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	dbPath := "eifl.db"
	if v, ok := os.LookupEnv("EIFL_DB_PATH"); ok {
		dbPath = v
	}

	dataDir := "data"
	if v, ok := os.LookupEnv("EIFL_DATA_DIR"); ok {
		dataDir = v
	}

	tickInterval := 60 * time.Second
	if v, ok := os.LookupEnv("EIFL_TICK_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("EIFL_TICK_INTERVAL has invalid duration %q: %w", v, err)
		}
		tickInterval = parsed
	}

	encryptionKey := os.Getenv("EIFL_ENCRYPTION_KEY")
	if encryptionKey != "" && len(encryptionKey) < crypto.MinKeyLength {
		return nil, fmt.Errorf("EIFL_ENCRYPTION_KEY must be at least %d characters", crypto.MinKeyLength)
	}

	return &Config{
		ListenAddr:    listenAddr,
		DBPath:        dbPath,
		DataDir:       dataDir,
		TickInterval:  tickInterval,
		EncryptionKey: encryptionKey,
		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		PublicURL:     os.Getenv("EIFL_PUBLIC_URL"),
	}, nil
}

// RunnerConfig holds the worker process configuration.
type RunnerConfig struct {
	ServerURL    string
	Token        string
	WorkDir      string
	PollInterval time.Duration
}

// LoadRunner reads the runner configuration. EIFL_SERVER_URL and
// EIFL_RUNNER_TOKEN are required; EIFL_RUNNER_WORKDIR defaults to a
// temporary directory and EIFL_POLL_INTERVAL to 5s.
func LoadRunner() (*RunnerConfig, error) {
	serverURL := os.Getenv("EIFL_SERVER_URL")
	if serverURL == "" {
		return nil, fmt.Errorf("EIFL_SERVER_URL is required")
	}

	token := os.Getenv("EIFL_RUNNER_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("EIFL_RUNNER_TOKEN is required")
	}

	workDir := os.Getenv("EIFL_RUNNER_WORKDIR")
	if workDir == "" {
		workDir = os.TempDir()
	}

	pollInterval := 5 * time.Second
	if v, ok := os.LookupEnv("EIFL_POLL_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("EIFL_POLL_INTERVAL has invalid duration %q: %w", v, err)
		}
		pollInterval = parsed
	}

	return &RunnerConfig{
		ServerURL:    serverURL,
		Token:        token,
		WorkDir:      workDir,
		PollInterval: pollInterval,
	}, nil
}

package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"skytrader/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig loads envFile into the environment, then loads and validates
// the YAML config. A missing envFile is not an error; variables already
// set in the environment win over the file.
func LoadConfig(path, envFile string) (*Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

func loadEnv(envFile string) error {
	if envFile == "" {
		return nil
	}
	info, err := os.Stat(envFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	// The env file holds API keys and the bot token
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("insecure permissions on %s: %04o (should be 0600)", envFile, mode)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Journal.Enabled {
		dir := filepath.Dir(cfg.Journal.Path)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("journal directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("journal directory %s is not a directory", dir)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clearhub/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the hub's on-disk configuration. A missing file is created with
// defaults (including a fresh node keystore) on first load.
type Config struct {
	ListenAddress        string `toml:"ListenAddress"`
	DataDir              string `toml:"DataDir"`
	VaultPath            string `toml:"VaultPath"`
	NodeKeystorePath     string `toml:"NodeKeystorePath"`
	SettlementPolicyPath string `toml:"SettlementPolicyPath"`
	LogFile              string `toml:"LogFile"`
	OpenConfirmDelay     string `toml:"OpenConfirmDelay"`
	CloseConfirmDelay    string `toml:"CloseConfirmDelay"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./clearhub-data"
	}
	if strings.TrimSpace(cfg.VaultPath) == "" {
		cfg.VaultPath = filepath.Join(cfg.DataDir, "vault.db")
	}

	return cfg, nil
}

// ConfirmDelays parses the optional open/close confirmation delays. Empty
// values yield zero, leaving the node's built-in defaults in effect.
func (c *Config) ConfirmDelays() (open, close time.Duration, err error) {
	if raw := strings.TrimSpace(c.OpenConfirmDelay); raw != "" {
		if open, err = time.ParseDuration(raw); err != nil {
			return 0, 0, fmt.Errorf("invalid OpenConfirmDelay %q: %w", raw, err)
		}
	}
	if raw := strings.TrimSpace(c.CloseConfirmDelay); raw != "" {
		if close, err = time.ParseDuration(raw); err != nil {
			return 0, 0, fmt.Errorf("invalid CloseConfirmDelay %q: %w", raw, err)
		}
	}
	return open, close, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./clearhub-data",
	}
	cfg.VaultPath = filepath.Join(cfg.DataDir, "vault.db")
	cfg.NodeKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}

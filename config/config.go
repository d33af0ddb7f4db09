package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress            string `toml:"RPCAddress"`
	DataDir               string `toml:"DataDir"`
	Environment           string `toml:"Environment"`
	RecordDepositLamports uint64 `toml:"RecordDepositLamports"`
	LogFile               string `toml:"LogFile"`
	LogFileMaxSizeMB      int    `toml:"LogFileMaxSizeMB"`
	LogFileMaxBackups     int    `toml:"LogFileMaxBackups"`
	LogFileMaxAgeDays     int    `toml:"LogFileMaxAgeDays"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values the node cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		RPCAddress:            "127.0.0.1:8645",
		DataDir:               "./subledger-data",
		Environment:           "local",
		RecordDepositLamports: 890_880,
		LogFileMaxSizeMB:      64,
		LogFileMaxBackups:     5,
		LogFileMaxAgeDays:     14,
	}
}

func applyDefaults(cfg *Config) {
	base := defaultConfig()
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = base.RPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = base.DataDir
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = base.Environment
	}
	if cfg.LogFileMaxSizeMB == 0 {
		cfg.LogFileMaxSizeMB = base.LogFileMaxSizeMB
	}
	if cfg.LogFileMaxBackups == 0 {
		cfg.LogFileMaxBackups = base.LogFileMaxBackups
	}
	if cfg.LogFileMaxAgeDays == 0 {
		cfg.LogFileMaxAgeDays = base.LogFileMaxAgeDays
	}
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

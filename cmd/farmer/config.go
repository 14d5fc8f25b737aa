package main

import (
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// duration is a time.Duration that decodes from strings like "24h".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	t, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(t)
	return nil
}

type farmerConfig struct {
	DataDir           string   `toml:"data_dir"`
	StorageEngine     string   `toml:"storage_engine"`
	ReapInterval      duration `toml:"reap_interval"`
	RelayURL          string   `toml:"relay_url"`
	LocalAddr         string   `toml:"local_addr"`
	APIAddr           string   `toml:"api_addr"`
	ReconnectInterval duration `toml:"reconnect_interval"`
	LogLevel          string   `toml:"log_level"`
}

func defaultConfigDir() (string, error) {
	user, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(user.HomeDir, ".config", "farm"), nil
}

// loadConfig reads the config file at path. A missing file is not an error;
// unset keys take their default values.
func loadConfig(path string) (farmerConfig, error) {
	var config farmerConfig
	_, err := toml.DecodeFile(path, &config)
	if os.IsNotExist(err) {
		// if no config file found, proceed with empty config
		err = nil
	}
	if err != nil {
		return farmerConfig{}, errors.Wrapf(err, "could not decode %v", path)
	}
	// set defaults
	if config.DataDir == "" {
		config.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if config.StorageEngine == "" {
		config.StorageEngine = "bolt"
	}
	if config.ReapInterval == 0 {
		config.ReapInterval = duration(24 * time.Hour)
	}
	if config.LocalAddr == "" {
		config.LocalAddr = "127.0.0.1:4000"
	}
	if config.APIAddr == "" {
		config.APIAddr = "localhost:9090"
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = duration(5 * time.Second)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	return config, config.validate()
}

func (c farmerConfig) validate() error {
	switch c.StorageEngine {
	case "bolt", "leveldb":
	default:
		return errors.Errorf("unknown storage engine %q", c.StorageEngine)
	}
	if c.ReapInterval < 0 {
		return errors.New("reap_interval must be positive")
	} else if c.ReconnectInterval < 0 {
		return errors.New("reconnect_interval must be positive")
	}
	return nil
}

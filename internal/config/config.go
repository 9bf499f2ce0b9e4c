// Package config loads the ambient settings storagectl needs to open an
// engine: the record log path, the PIN-fails flash encoding, and the
// PIN_MAX_TRIES override, from an optional JSON-with-comments file layered
// with environment variable overrides, mirroring the teacher's viper-based
// config loading generalized to a hujson document.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/tailscale/hujson"
)

// Config is the full set of settings storagectl needs to open an engine.
type Config struct {
	// Path is the on-disk location of the record log.
	Path string `mapstructure:"path" json:"path"`
	// FlashBitAccess selects the bitwise PIN-fails encoding (true) or the
	// blockwise encoding (false) the engine is opened with.
	FlashBitAccess bool `mapstructure:"flash_bit_access" json:"flash_bit_access"`
	// PinMaxTries is loaded from the file and environment but is not passed
	// to the engine; policy.PinMaxTries is a fixed constant.
	PinMaxTries int `mapstructure:"pin_max_tries" json:"pin_max_tries,omitempty"`
	// PinLogCapacity bounds the blockwise counter's word block. Zero means
	// "no proactive bound".
	PinLogCapacity int `mapstructure:"pin_log_capacity" json:"pin_log_capacity,omitempty"`
}

// Default returns the built-in configuration used when no config file is
// present and no environment overrides are set.
func Default() Config {
	return Config{
		Path:           defaultPath(),
		FlashBitAccess: true,
	}
}

func defaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "storagectl", "storage.bin")
	}
	return "storage.bin"
}

// ErrConfigTooLarge guards against a pathological config file, matching the
// teacher's 100 KB config-file size limit.
var ErrConfigTooLarge = errors.New("config: file exceeds the 100 KB limit")

const maxConfigFileSize = 100 * 1024

// Load reads configFile (a JWCC/hujson document; a missing file is not an
// error and yields Default()), then layers STORAGECTL_-prefixed environment
// variable overrides on top, matching the teacher's file-then-env
// precedence.
func Load(configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		fileCfg, err := loadFile(configFile)
		if err != nil {
			return Config{}, err
		}
		if fileCfg != nil {
			cfg = *fileCfg
		}
	}

	return applyEnv(cfg)
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err == nil && info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: %s", ErrConfigTooLarge, path)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid JWCC: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("json")
	cfg := Default()
	v.SetDefault("path", cfg.Path)
	v.SetDefault("flash_bit_access", cfg.FlashBitAccess)
	v.SetDefault("pin_max_tries", cfg.PinMaxTries)
	v.SetDefault("pin_log_capacity", cfg.PinLogCapacity)

	if err := v.ReadConfig(bytes.NewReader(standardized)); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv layers STORAGECTL_PATH, STORAGECTL_FLASH_BIT_ACCESS,
// STORAGECTL_PIN_MAX_TRIES, and STORAGECTL_PIN_LOG_CAPACITY over cfg.
func applyEnv(cfg Config) (Config, error) {
	v := viper.New()
	v.SetDefault("path", cfg.Path)
	v.SetDefault("flash_bit_access", cfg.FlashBitAccess)
	v.SetDefault("pin_max_tries", cfg.PinMaxTries)
	v.SetDefault("pin_log_capacity", cfg.PinLogCapacity)

	if err := v.BindEnv("path", "STORAGECTL_PATH"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("flash_bit_access", "STORAGECTL_FLASH_BIT_ACCESS"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("pin_max_tries", "STORAGECTL_PIN_MAX_TRIES"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("pin_log_capacity", "STORAGECTL_PIN_LOG_CAPACITY"); err != nil {
		return cfg, err
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return cfg, fmt.Errorf("config: env override: %w", err)
	}
	return out, nil
}

// String renders cfg as indented JSON.
func (c Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", struct{ Config }{c})
	}
	return string(data)
}

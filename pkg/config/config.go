package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the portal configuration
type Config struct {
	Peripheral PeripheralConfig `yaml:"peripheral"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	API        APIConfig        `yaml:"api"`
	Finance    FinanceConfig    `yaml:"finance"`
	Logger     LoggerConfig     `yaml:"logger"`
}

// PeripheralConfig is the identity the peripheral advertises
type PeripheralConfig struct {
	Name     string          `yaml:"name"`
	Services []ServiceConfig `yaml:"services"`
}

// ServiceConfig describes one GATT service
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig describes one characteristic. Properties are any of
// "read", "write" and "notify"; Value is hex encoded.
type CharacteristicConfig struct {
	UUID       string   `yaml:"uuid"`
	Properties []string `yaml:"properties"`
	Value      string   `yaml:"value"`
}

// BluetoothConfig tunes the pairing coordinator and the HCI adapter
type BluetoothConfig struct {
	// DeviceID selects hciN; -1 picks the first adapter
	DeviceID       int           `yaml:"device_id"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	AssumeBonded   bool          `yaml:"assume_bonded"`
	// Simulate runs on the in-memory stack instead of an adapter
	Simulate bool `yaml:"simulate"`
}

// APIConfig configures the HTTP/WebSocket server
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// FinanceConfig configures scraping of finance accounts
type FinanceConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Command       []string        `yaml:"command"`
	ScreenshotDir string          `yaml:"screenshot_dir"`
	Screenshots   bool            `yaml:"screenshots"`
	Env           string          `yaml:"env"`
	Timeout       time.Duration   `yaml:"timeout"`
	MaxAge        time.Duration   `yaml:"max_age"`
	Lookback      time.Duration   `yaml:"lookback"`
	Schedule      string          `yaml:"schedule"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Accounts      []AccountConfig `yaml:"accounts"`
}

// BreakerConfig configures the circuit breaker around the scraper
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AccountConfig is one finance account
type AccountConfig struct {
	Name        string            `yaml:"name"`
	CompanyID   string            `yaml:"company_id"`
	Credentials map[string]string `yaml:"credentials"`
}

// LoggerConfig sets the logrus level
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration used when no file is present
func Defaults() *Config {
	return &Config{
		Peripheral: PeripheralConfig{
			Name: "Configuration Portal",
			Services: []ServiceConfig{{
				UUID: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				Characteristics: []CharacteristicConfig{
					{UUID: "6e400002-b5a3-f393-e0a9-e50e24dcca9e", Properties: []string{"write"}},
					{UUID: "6e400003-b5a3-f393-e0a9-e50e24dcca9e", Properties: []string{"read", "notify"}},
				},
			}},
		},
		Bluetooth: BluetoothConfig{
			DeviceID:   -1,
			RetryDelay: 10 * time.Second,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Finance: FinanceConfig{
			ScreenshotDir: "./build/static/media",
			Env:           "production",
			Timeout:       5 * time.Minute,
			MaxAge:        6 * time.Hour,
			Lookback:      30 * 24 * time.Hour,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     10 * time.Minute,
				Interval:    time.Hour,
			},
		},
		Logger: LoggerConfig{
			Level: "debug",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CONFIGPORTAL_* env vars to config fields
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CONFIGPORTAL_PERIPHERAL_NAME"); v != "" {
		cfg.Peripheral.Name = v
	}
	if v := os.Getenv("CONFIGPORTAL_BLUETOOTH_DEVICE_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFIGPORTAL_BLUETOOTH_DEVICE_ID: %w", err)
		}
		cfg.Bluetooth.DeviceID = n
	}
	if v := os.Getenv("CONFIGPORTAL_BLUETOOTH_RETRY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONFIGPORTAL_BLUETOOTH_RETRY_DELAY: %w", err)
		}
		cfg.Bluetooth.RetryDelay = d
	}
	if v := os.Getenv("CONFIGPORTAL_BLUETOOTH_CONFIRM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONFIGPORTAL_BLUETOOTH_CONFIRM_TIMEOUT: %w", err)
		}
		cfg.Bluetooth.ConfirmTimeout = d
	}
	if v := os.Getenv("CONFIGPORTAL_BLUETOOTH_ASSUME_BONDED"); v != "" {
		cfg.Bluetooth.AssumeBonded = v == "true"
	}
	if v := os.Getenv("CONFIGPORTAL_BLUETOOTH_SIMULATE"); v != "" {
		cfg.Bluetooth.Simulate = v == "true"
	}
	if v := os.Getenv("CONFIGPORTAL_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("CONFIGPORTAL_FINANCE_ENABLED"); v != "" {
		cfg.Finance.Enabled = v == "true"
	}
	if v := os.Getenv("CONFIGPORTAL_FINANCE_COMMAND"); v != "" {
		cfg.Finance.Command = strings.Fields(v)
	}
	if v := os.Getenv("CONFIGPORTAL_FINANCE_SCHEDULE"); v != "" {
		cfg.Finance.Schedule = v
	}
	// NODE_ENV style deployment name, used to decide whether the scraper shows its browser
	if v := os.Getenv("CONFIGPORTAL_ENV"); v != "" {
		cfg.Finance.Env = v
	}
	if v := os.Getenv("CONFIGPORTAL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	return nil
}

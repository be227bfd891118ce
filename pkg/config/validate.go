package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValidationError accumulates config validation errors
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Add records a formatted validation error
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate returns a *ValidationError listing every problem found
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	if cfg.Peripheral.Name == "" {
		ve.Add("peripheral.name is required")
	}
	if len(cfg.Peripheral.Services) == 0 {
		ve.Add("peripheral.services must list at least one service")
	}
	for i, s := range cfg.Peripheral.Services {
		if s.UUID == "" {
			ve.Add("peripheral.services[%d].uuid is required", i)
		}
		for j, c := range s.Characteristics {
			for _, p := range c.Properties {
				switch p {
				case "read", "write", "notify":
				default:
					ve.Add("peripheral.services[%d].characteristics[%d]: unknown property %q", i, j, p)
				}
			}
			if _, err := hex.DecodeString(c.Value); err != nil {
				ve.Add("peripheral.services[%d].characteristics[%d].value is not hex: %v", i, j, err)
			}
		}
	}

	if cfg.Bluetooth.RetryDelay <= 0 {
		ve.Add("bluetooth.retry_delay must be positive")
	}
	if cfg.Bluetooth.ConfirmTimeout < 0 {
		ve.Add("bluetooth.confirm_timeout must not be negative")
	}

	if cfg.API.Addr == "" {
		ve.Add("api.addr is required")
	}

	if cfg.Finance.Enabled {
		if len(cfg.Finance.Command) == 0 {
			ve.Add("finance.command is required when finance is enabled")
		}
		seen := make(map[string]bool)
		for i, a := range cfg.Finance.Accounts {
			if a.Name == "" {
				ve.Add("finance.accounts[%d].name is required", i)
			} else if seen[a.Name] {
				ve.Add("finance.accounts[%d]: duplicate name %q", i, a.Name)
			}
			seen[a.Name] = true
			if a.CompanyID == "" {
				ve.Add("finance.accounts[%d].company_id is required", i)
			}
		}
	}

	if _, err := log.ParseLevel(cfg.Logger.Level); err != nil {
		ve.Add("logger.level: %v", err)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

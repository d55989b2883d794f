package searchapi

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Endpoint  string
	SecretKey string
	Timeout   time.Duration
}

type ConfigErrorCode string

const (
	ConfigErrorMissingEndpoint ConfigErrorCode = "missing_endpoint"
	ConfigErrorInvalidEndpoint ConfigErrorCode = "invalid_endpoint"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid search api config"
	}
	switch e.Code {
	case ConfigErrorMissingEndpoint:
		return "search api endpoint is required"
	case ConfigErrorInvalidEndpoint:
		return fmt.Sprintf("invalid search api endpoint=%q; expected absolute URL like https://search.example.com/v1", e.Value)
	default:
		return "invalid search api config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &ConfigError{Code: ConfigErrorMissingEndpoint}
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{
			Code:  ConfigErrorInvalidEndpoint,
			Value: cfg.Endpoint,
			Cause: err,
		}
	}
	return nil
}

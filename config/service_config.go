package config

import (
	"fmt"
	"strings"
)

// a type with service configuration parameters
type serviceConfig struct {
	// name of the service, reported by the control API
	Name string `json:"name" yaml:"name"`
	// port on which the control API listens
	Port int `json:"port" yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// directory in which the session journal is stored
	DataDirectory string `json:"data_dir" yaml:"data_dir"`
	// minimum severity of logged messages (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
	// if true, log messages are written as JSON
	LogJSON bool `json:"log_json" yaml:"log_json"`
	// destination root selected at startup (optional)
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Name:           "TransferBox",
		Port:           8080,
		MaxConnections: 100,
		LogLevel:       "info",
	}
}

func (params serviceConfig) validate() error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			params.MaxConnections)
	}
	switch strings.ToLower(params.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("Invalid log_level: %s (must be debug, info, warn, or error)",
			params.LogLevel)
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// global config variables
var Service serviceConfig
var Devices deviceConfig
var Transfer transferConfig
var Proxies proxyConfig
var Progress progressConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service  serviceConfig  `yaml:"service"`
	Devices  deviceConfig   `yaml:"devices"`
	Transfer transferConfig `yaml:"transfer"`
	Proxies  proxyConfig    `yaml:"proxies"`
	Progress progressConfig `yaml:"progress"`
}

// This helper locates and reads a configuration file, returning an error
// indicating success or failure. All environment variables of the form
// ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	conf := configFile{
		Service:  defaultServiceConfig(),
		Devices:  defaultDeviceConfig(),
		Transfer: defaultTransferConfig(),
		Proxies:  defaultProxyConfig(),
		Progress: defaultProgressConfig(),
	}
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		slog.Error(fmt.Sprintf("Couldn't parse configuration data: %s", err))
		return err
	}

	// copy the config data into place
	Service = conf.Service
	Devices = conf.Devices
	Transfer = conf.Transfer
	Proxies = conf.Proxies
	Progress = conf.Progress

	return err
}

// This helper validates the given configfile, returning an error that indicates
// success or failure.
func validateConfig() error {
	if err := Service.validate(); err != nil {
		return err
	}
	if err := Devices.validate(); err != nil {
		return err
	}
	if err := Transfer.validate(); err != nil {
		return err
	}
	if err := Proxies.validate(); err != nil {
		return err
	}
	return Progress.validate()
}

// Initializes the transfer box configuration using the given YAML byte data.
// Any fields missing from the data receive their default values.
func Init(yamlData []byte) error {
	// Read the configuration from our YAML file.
	err := readConfig(yamlData)
	if err != nil {
		return err
	}

	// Validate the configuration.
	return validateConfig()
}

// Reads and initializes the configuration from the file at the given path.
func InitFromFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	return Init(data)
}

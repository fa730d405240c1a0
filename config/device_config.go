package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// parameters for detecting removable media
type deviceConfig struct {
	// interval between polls of the mount table (milliseconds)
	PollInterval int `json:"poll_interval" yaml:"poll_interval"`
	// directories under which removable volumes are mounted
	MountRoots []string `json:"mount_roots" yaml:"mount_roots"`
	// file listing the system's mounts (/proc/self/mounts format)
	MountTable string `json:"mount_table" yaml:"mount_table"`
}

func defaultDeviceConfig() deviceConfig {
	roots := []string{"/mnt"}
	if user := os.Getenv("USER"); user != "" {
		roots = append([]string{filepath.Join("/media", user)}, roots...)
	}
	return deviceConfig{
		PollInterval: 2000,
		MountRoots:   roots,
		MountTable:   "/proc/self/mounts",
	}
}

// returns the poll interval as a duration
func (params deviceConfig) Interval() time.Duration {
	return time.Duration(params.PollInterval) * time.Millisecond
}

func (params deviceConfig) validate() error {
	if params.PollInterval <= 0 {
		return fmt.Errorf("Invalid poll_interval: %d (must be positive)", params.PollInterval)
	}
	if len(params.MountRoots) == 0 {
		return fmt.Errorf("No mount_roots were provided!")
	}
	for _, root := range params.MountRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("Invalid mount root: %s (must be an absolute path)", root)
		}
	}
	if params.MountTable == "" {
		return fmt.Errorf("No mount_table was provided!")
	}
	return nil
}

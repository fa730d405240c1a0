package config

import (
	"fmt"
)

// parameters governing delivery of progress updates to subscribers
type progressConfig struct {
	// upper bound on progress snapshots delivered per second
	MaxUpdatesPerSecond int `json:"max_updates_per_second" yaml:"max_updates_per_second"`
	// number of undelivered events buffered per subscriber
	SubscriberQueue int `json:"subscriber_queue" yaml:"subscriber_queue"`
}

func defaultProgressConfig() progressConfig {
	return progressConfig{
		MaxUpdatesPerSecond: 4,
		SubscriberQueue:     64,
	}
}

func (params progressConfig) validate() error {
	if params.MaxUpdatesPerSecond <= 0 {
		return fmt.Errorf("Invalid max_updates_per_second: %d (must be positive)",
			params.MaxUpdatesPerSecond)
	}
	if params.SubscriberQueue <= 0 {
		return fmt.Errorf("Invalid subscriber_queue: %d (must be positive)",
			params.SubscriberQueue)
	}
	return nil
}

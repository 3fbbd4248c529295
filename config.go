package snaptrace

import (
	"encoding/json"
	"os"
)

// Config carries the tunables a tracer needs for one device: how much
// memory the COW manager's section cache may hold, the auto-expand step and
// reserved-space policy, and a queue depth setting.
type Config struct {
	// CacheBytes bounds the COW manager's resident section memory.
	CacheBytes int64 `json:"cacheBytes"`
	// AutoExpandStepMiB, when nonzero, arms automatic growth of the backing
	// file by this many MiB once the data region is exhausted.
	AutoExpandStepMiB int64 `json:"autoExpandStepMiB"`
	// AutoExpandReservedMiB is free space that must remain after growth.
	AutoExpandReservedMiB int64 `json:"autoExpandReservedMiB"`
	// QueueDepth is carried for configuration files only: the cow/orig/sset
	// queues have no fixed capacity and nothing in the engine reads it.
	QueueDepth int `json:"queueDepth"`
}

// DefaultConfig returns reasonable defaults: an 8 MiB section cache, no
// auto-expand armed, and a queue depth of 256 entries per queue.
func DefaultConfig() Config {
	return Config{
		CacheBytes: 8 << 20,
		QueueDepth: 256,
	}
}

// LoadConfig reads a JSON-encoded Config from filename.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

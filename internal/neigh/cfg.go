package neigh

import "time"

// Config is the neighbour tracking configuration.
type Config struct {
	// ResyncInterval is how often the kernel neighbour table is replayed
	// over the tracked entries.
	ResyncInterval time.Duration `yaml:"resync_interval"`
	// MaxEntries bounds the neighbour table.
	MaxEntries int `yaml:"max_entries"`
}

func DefaultConfig() *Config {
	return &Config{
		ResyncInterval: 5 * time.Minute,
		MaxEntries:     1 << 16,
	}
}

package app

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/flowplane/offload/common/logging"
	"github.com/flowplane/offload/internal/neigh"
	"github.com/flowplane/offload/internal/restore"
)

// Config is the top-level offload core configuration.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Neigh   *neigh.Config  `yaml:"neigh"`
	Mapping MappingConfig  `yaml:"mapping"`
	// Layout is the completion metadata bit layout, fixed by the
	// hardware contract.
	Layout restore.Layout `yaml:"completion_layout"`
	Chains ChainsConfig   `yaml:"chains"`
}

// MappingConfig sizes the mapping tables.
type MappingConfig struct {
	// MemoryLimit bounds the host memory spent on each mapping table.
	// The handle space is additionally bounded by the register bit
	// widths of the completion layout.
	MemoryLimit datasize.ByteSize `yaml:"memory_limit"`
}

// ChainsConfig is the chain numbering of the hardware table hierarchy.
type ChainsConfig struct {
	PrioRange     uint32 `yaml:"prio_range"`
	NotFoundChain uint32 `yaml:"not_found_chain"`
}

func DefaultConfig() *Config {
	return &Config{
		Neigh: neigh.DefaultConfig(),
		Mapping: MappingConfig{
			MemoryLimit: 16 * datasize.MB,
		},
		Layout: restore.DefaultLayout(),
		Chains: ChainsConfig{
			PrioRange:     1 << 16,
			NotFoundChain: 1 << 24,
		},
	}
}

// LoadConfig reads the configuration from a yaml file, filling unset
// sections with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// approxMappingEntrySize is a conservative per-entry estimate used to turn
// the memory limit into a handle count.
const approxMappingEntrySize = 128

// tableCapacity bounds a table's handle space by both the register bit
// width and the memory limit.
func (m MappingConfig) tableCapacity(maxID uint32) uint32 {
	byMemory := uint64(m.MemoryLimit) / approxMappingEntrySize
	if byMemory < uint64(maxID) {
		return uint32(byMemory)
	}
	return maxID
}

package engine

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultChunkSize   int64 = 5000
	DefaultWorkers           = 4
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultCacheTTL          = 10 * time.Minute
	DefaultArchiveKeep       = 14
)

// Config tunes the rebuild engine. It is read from the YAML file named by
// MATLENS_CONFIG_PATH.
type Config struct {
	// ChunkSize is the width of every id chunk.
	ChunkSize int64 `yaml:"chunk_size" json:"chunk_size"`
	// Workers bounds concurrent chunks inside one stage.
	Workers int `yaml:"workers" json:"workers"`
	// ConcurrentDuplicates runs duplicate detection alongside the usage chain.
	ConcurrentDuplicates bool `yaml:"concurrent_duplicates" json:"concurrent_duplicates"`
	// LeaseTTL is how long a rebuild lease lives without renewal.
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	// Schedule is the interval between scheduled rebuilds; zero disables them.
	Schedule time.Duration `yaml:"schedule" json:"schedule"`
	// CacheTTL is the lifetime of cached summary rows.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Archive  ArchiveConfig `yaml:"archive" json:"archive"`
}

// ArchiveConfig controls unused snapshot archiving.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
	Keep    int    `yaml:"keep" json:"keep"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Workers:   DefaultWorkers,
		LeaseTTL:  DefaultLeaseTTL,
		CacheTTL:  DefaultCacheTTL,
		Archive:   ArchiveConfig{Keep: DefaultArchiveKeep},
	}
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Archive.Keep == 0 {
		c.Archive.Keep = d.Archive.Keep
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.LeaseTTL < time.Second {
		errs = append(errs, fmt.Errorf("lease_ttl must be at least 1s, got %s", c.LeaseTTL))
	}
	if c.Schedule < 0 {
		errs = append(errs, fmt.Errorf("schedule must not be negative, got %s", c.Schedule))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL))
	}
	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required when archiving is enabled"))
		}
		if c.Archive.Keep < 1 {
			errs = append(errs, fmt.Errorf("archive.keep must be positive, got %d", c.Archive.Keep))
		}
	}
	return errors.Join(errs...)
}

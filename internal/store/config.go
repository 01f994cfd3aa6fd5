package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// BufferMemorySpec is the "min,max,reserved,fraction" memory budget form
// for one page size.
type BufferMemorySpec string

// resolveCount turns a memory spec into a frame count for a page size.
func (s BufferMemorySpec) resolveCount(pageSize int) (int, error) {
	parts := strings.Split(string(s), ",")
	if len(parts) != 4 {
		return 0, fmt.Errorf("buffer memory spec %q: want min,max,reserved,fraction", s)
	}
	min, err := parseBytes(parts[0])
	if err != nil {
		return 0, err
	}
	max, err := parseBytes(parts[1])
	if err != nil {
		return 0, err
	}
	reserved, err := parseBytes(parts[2])
	if err != nil {
		return 0, err
	}
	fraction, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil || fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("buffer memory spec %q: bad fraction", s)
	}
	budget := int64(float64(max-reserved) * fraction)
	if budget < min {
		budget = min
	}
	count := int(budget / int64(pageSize))
	if count < 4 {
		count = 4
	}
	return count, nil
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad byte count %q", s)
	}
	return n * mult, nil
}

// BufferConfig sizes the per-page-size buffer pools.
type BufferConfig struct {
	// Count maps page size to an explicit frame count.
	Count map[int]int `yaml:"count"`
	// Memory maps page size to a min,max,reserved,fraction budget.
	Memory map[int]BufferMemorySpec `yaml:"memory"`
}

// Config is the engine configuration. The YAML form mirrors the
// property keys: datapath, journalpath, buffer.count.<N>,
// buffer.memory.<N>, volume specs, commit_policy.
type Config struct {
	DataPath     string       `yaml:"datapath"`
	JournalPath  string       `yaml:"journalpath"`
	Buffers      BufferConfig `yaml:"buffer"`
	Volumes      []VolumeSpec `yaml:"volumes"`
	CommitPolicy string       `yaml:"commit_policy"`

	JournalBlockSize   uint64        `yaml:"journal_block_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	CopierInterval     time.Duration `yaml:"copier_interval"`

	// Logger receives engine logs; zerolog.Nop() by default.
	Logger *zerolog.Logger `yaml:"-"`
	// Metrics optionally registers the engine counters.
	Metrics prometheus.Registerer `yaml:"-"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// normalize validates the configuration and fills defaults. Invalid page
// sizes fail here, before anything touches disk.
func (c *Config) normalize() error {
	if c.DataPath == "" {
		return fmt.Errorf("%w: datapath is required", ErrInvalidVolumeSpecification)
	}
	if c.JournalPath == "" {
		c.JournalPath = c.DataPath
	}
	for ps := range c.Buffers.Count {
		if !ValidPageSize(ps) {
			return fmt.Errorf("%w: buffer.count.%d (valid: 1024, 2048, 4096, 8192, 16384)",
				ErrBufferSizeUnavailable, ps)
		}
	}
	for ps := range c.Buffers.Memory {
		if !ValidPageSize(ps) {
			return fmt.Errorf("%w: buffer.memory.%d", ErrBufferSizeUnavailable, ps)
		}
	}
	switch strings.ToUpper(c.CommitPolicy) {
	case "", "SOFT", "HARD", "GROUP":
	default:
		return fmt.Errorf("invalid commit_policy %q (SOFT, HARD or GROUP)", c.CommitPolicy)
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 2 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Second
	}
	if c.CopierInterval == 0 {
		c.CopierInterval = 10 * time.Second
	}
	for i := range c.Volumes {
		if err := c.Volumes[i].validate(); err != nil {
			return err
		}
		ps := c.Volumes[i].PageSize
		if ps == 0 {
			ps = DefaultPageSize
		}
		if _, err := c.bufferCountFor(ps); err != nil {
			return fmt.Errorf("volume %s: %w", c.Volumes[i].Name, err)
		}
	}
	return nil
}

// bufferCountFor resolves the frame count for a page size; a volume page
// size with neither a count nor a memory budget is a configuration error.
func (c *Config) bufferCountFor(pageSize int) (int, error) {
	if n, ok := c.Buffers.Count[pageSize]; ok {
		if n < 4 {
			return 0, fmt.Errorf("%w: buffer.count.%d = %d is below the minimum of 4",
				ErrBufferSizeUnavailable, pageSize, n)
		}
		return n, nil
	}
	if spec, ok := c.Buffers.Memory[pageSize]; ok {
		return spec.resolveCount(pageSize)
	}
	return 0, fmt.Errorf("%w: no buffer.count.%d or buffer.memory.%d configured",
		ErrBufferSizeUnavailable, pageSize, pageSize)
}

// commitPolicy maps the config string to its enum, defaulting to SOFT.
func (c *Config) commitPolicy() CommitPolicy {
	switch strings.ToUpper(c.CommitPolicy) {
	case "HARD":
		return CommitHard
	case "GROUP":
		return CommitGroup
	default:
		return CommitSoft
	}
}

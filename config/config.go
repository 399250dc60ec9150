package config

import (
	"os"
	"ringstore/storage"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OverridePolicy decides what Put does with a key that is not greater than
// the last key in the store.
type OverridePolicy string

const (
	// OverrideReject fails the put with storage.ErrKeyOutOfOrder.
	OverrideReject OverridePolicy = "reject"
	// OverrideRewind drops the records of the active segment whose keys are
	// not smaller than the new key, then appends it.
	OverrideRewind OverridePolicy = "rewind"
)

const (
	DefaultSegmentCount = 40
	DefaultSegmentSize  = 1 << 30
	DefaultSliceSize    = 300
)

var validate = validator.New()

type Config struct {
	Dir           string         `yaml:"dir" validate:"required"`
	Prefix        string         `yaml:"prefix" validate:"required,excludesall=/\\"`
	SegmentCount  int            `yaml:"segment_count" validate:"min=1,max=65536"`
	SegmentSize   int64          `yaml:"segment_size" validate:"min=5,max=4294967295"`
	SliceSize     int            `yaml:"slice_size" validate:"min=1"`
	Flush         bool           `yaml:"flush"`
	FlushInterval time.Duration  `yaml:"flush_interval" validate:"min=0"`
	Override      OverridePolicy `yaml:"override" validate:"oneof=reject rewind"`
}

// Default mirrors a ring of 40 one gigabyte segments sampled every 300 keys.
func Default() Config {
	return Config{
		Dir:          "./data",
		Prefix:       "data-ringBuffer-",
		SegmentCount: DefaultSegmentCount,
		SegmentSize:  DefaultSegmentSize,
		SliceSize:    DefaultSliceSize,
		Override:     OverrideReject,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(storage.ErrConfiguration, "parse %s: %v", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports invalid options as storage.ErrConfiguration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrapf(storage.ErrConfiguration, "%v", err)
	}
	return nil
}

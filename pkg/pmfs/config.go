package pmfs

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// MountOptions are the mount-time knobs named in spec §6.
type MountOptions struct {
	MntCPVersion uint32 `yaml:"mnt_cp_version"`
	PosixACL     bool   `yaml:"posix_acl"`
	ReadOnly     bool   `yaml:"read_only"`
}

// TuningConfig is the background-GC pacing knobs, decoded from the same
// document.
type TuningConfig struct {
	MinSleepMS          int `yaml:"min_sleep_ms"`
	MaxSleepMS          int `yaml:"max_sleep_ms"`
	NoGCSleepMS         int `yaml:"nogc_sleep_ms"`
	SevereFreeBlocksPct int `yaml:"severe_free_blocks_pct"`
}

// Config is the top-level YAML document for `pmfsctl`, decoded with
// gopkg.in/yaml.v2 the way the teacher's pkg/vcfg decodes its project
// manifest.
type Config struct {
	Mount  MountOptions `yaml:"mount"`
	Tuning TuningConfig `yaml:"tuning"`
}

// LoadConfig reads and decodes a YAML config file. A missing file is not
// an error: the zero Config (defaults applied by ToWorkerConfig) is
// returned instead.
func LoadConfig(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "pmfs: read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "pmfs: parse config")
	}
	return &cfg, nil
}

// ToWorkerConfig applies defaults over whatever the tuning section left
// unset.
func (c *Config) ToWorkerConfig() WorkerConfig {
	wc := DefaultWorkerConfig()
	if c.Tuning.MinSleepMS > 0 {
		wc.MinSleep = time.Duration(c.Tuning.MinSleepMS) * time.Millisecond
	}
	if c.Tuning.MaxSleepMS > 0 {
		wc.MaxSleep = time.Duration(c.Tuning.MaxSleepMS) * time.Millisecond
	}
	if c.Tuning.NoGCSleepMS > 0 {
		wc.NoGCSleep = time.Duration(c.Tuning.NoGCSleepMS) * time.Millisecond
	}
	if c.Tuning.SevereFreeBlocksPct > 0 {
		wc.SevereFreeBlocksPct = c.Tuning.SevereFreeBlocksPct
	}
	return wc
}

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".desktopctl.yaml"

const (
	DefaultDebounce          = 600 * time.Millisecond
	DefaultFlushRetryDelay   = 5 * time.Second
	DefaultStalenessInterval = 30 * time.Second
	DefaultStalenessRetry    = 60 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultPollRetryDelay    = 10 * time.Second
	DefaultMaxDrafts         = 20
	DefaultDraftTTL          = 72 * time.Hour
	DefaultRequestTimeout    = 30 * time.Second
)

type File struct {
	Server   Server   `yaml:"server"`
	Sync     Sync     `yaml:"sync"`
	Pipeline Pipeline `yaml:"pipeline"`
	Drafts   Drafts   `yaml:"drafts"`
}

type Server struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type Sync struct {
	Debounce          time.Duration `yaml:"debounce,omitempty"`
	RetryDelay        time.Duration `yaml:"retry_delay,omitempty"`
	StalenessInterval time.Duration `yaml:"staleness_interval,omitempty"`
	StalenessRetry    time.Duration `yaml:"staleness_retry,omitempty"`
}

type Pipeline struct {
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	RetryDelay   time.Duration `yaml:"retry_delay,omitempty"`
}

type Drafts struct {
	Dir       string        `yaml:"dir,omitempty"`
	Backend   string        `yaml:"backend,omitempty"` // "file" | "sqlite"
	MaxDrafts int           `yaml:"max_drafts,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

func DefaultPath(root string) string {
	return filepath.Join(root, DefaultConfigFilename)
}

func DefaultDraftsDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "desktopctl", "drafts")
	}
	return filepath.Join(home, ".desktopctl", "drafts")
}

// WithDefaults returns a copy with every unset field filled in.
func (f File) WithDefaults() File {
	if f.Server.Timeout <= 0 {
		f.Server.Timeout = DefaultRequestTimeout
	}
	if f.Sync.Debounce <= 0 {
		f.Sync.Debounce = DefaultDebounce
	}
	if f.Sync.RetryDelay <= 0 {
		f.Sync.RetryDelay = DefaultFlushRetryDelay
	}
	if f.Sync.StalenessInterval <= 0 {
		f.Sync.StalenessInterval = DefaultStalenessInterval
	}
	if f.Sync.StalenessRetry <= 0 {
		f.Sync.StalenessRetry = DefaultStalenessRetry
	}
	if f.Pipeline.PollInterval <= 0 {
		f.Pipeline.PollInterval = DefaultPollInterval
	}
	if f.Pipeline.RetryDelay <= 0 {
		f.Pipeline.RetryDelay = DefaultPollRetryDelay
	}
	if f.Drafts.Dir == "" {
		f.Drafts.Dir = DefaultDraftsDir()
	}
	if f.Drafts.Backend == "" {
		f.Drafts.Backend = "file"
	}
	if f.Drafts.MaxDrafts <= 0 {
		f.Drafts.MaxDrafts = DefaultMaxDrafts
	}
	if f.Drafts.TTL <= 0 {
		f.Drafts.TTL = DefaultDraftTTL
	}
	return f
}

func (f File) Validate() error {
	switch f.Drafts.Backend {
	case "", "file", "sqlite":
	default:
		return errors.Errorf("unknown drafts backend %q (want file|sqlite)", f.Drafts.Backend)
	}
	if f.Pipeline.RetryDelay > 0 && f.Pipeline.PollInterval > 0 && f.Pipeline.RetryDelay < f.Pipeline.PollInterval {
		return errors.New("pipeline.retry_delay must not be shorter than pipeline.poll_interval")
	}
	return nil
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

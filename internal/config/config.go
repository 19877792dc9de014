package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openmined/filemirror/internal/mirror"
	"github.com/openmined/filemirror/internal/utils"
	"github.com/spf13/viper"
)

const (
	EnvPrefix               = "FILEMIRROR"
	DefaultConfigFile       = "config.json"
	DefaultExcludeFilesName = "excludeFiles.txt"
	DefaultIntervalSeconds  = 2

	ListenCreate = "create"
	ListenChange = "change"
	ListenDelete = "delete"
)

var validListens = []string{ListenCreate, ListenChange, ListenDelete}

var configKeys = []string{
	"paths", "interval", "listens", "exclude_exts", "exclude_files", "exclude_patterns",
	"strict_prefix", "recursive_delete", "journal", "notify", "log_file",
}

// camelCase spellings accepted for existing config files
var keyAliases = map[string]string{
	"excludeExts":     "exclude_exts",
	"excludeFiles":    "exclude_files",
	"excludePatterns": "exclude_patterns",
	"strictPrefix":    "strict_prefix",
	"recursiveDelete": "recursive_delete",
	"logFile":         "log_file",
}

type PathConfig struct {
	Watch string   `mapstructure:"watch"`
	Syncs []string `mapstructure:"syncs"`
}

// Config is built once at startup and handed to the daemon. Nothing reads configuration from anywhere else.
type Config struct {
	Paths           []PathConfig `mapstructure:"paths"`
	IntervalSeconds float64      `mapstructure:"interval"`
	Listens         []string     `mapstructure:"listens"`
	ExcludeExts     []string     `mapstructure:"exclude_exts"`
	ExcludeFiles    string       `mapstructure:"exclude_files"`
	ExcludePatterns []string     `mapstructure:"exclude_patterns"`
	StrictPrefix    bool         `mapstructure:"strict_prefix"`
	RecursiveDelete bool         `mapstructure:"recursive_delete"`
	Journal         string       `mapstructure:"journal"`
	Notify          bool         `mapstructure:"notify"`
	LogFile         string       `mapstructure:"log_file"`

	// Path of the config file this was read from.
	Path string `mapstructure:"-"`
	// ExcludeFilesOptional is set when ExcludeFiles is the default, in which case a missing file is fine.
	ExcludeFilesOptional bool `mapstructure:"-"`
}

// NewViper returns a viper instance with the defaults and environment binding used by Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("interval", DefaultIntervalSeconds)
	v.SetDefault("strict_prefix", false)
	v.SetDefault("recursive_delete", false)
	v.SetDefault("notify", false)
	v.SetDefault("journal", "")
	v.SetDefault("log_file", "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path through v (flags may already be bound to
// it), then validates and normalizes the result. Any failure is a *mirror.ConfigError.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		return nil, &mirror.ConfigError{Op: "read", Err: errors.New("no config file given")}
	}

	absPath, err := utils.ResolvePath(path)
	if err != nil {
		return nil, &mirror.ConfigError{Op: "read", Path: path, Err: err}
	}

	v.SetConfigFile(absPath)
	if filepath.Ext(absPath) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, &mirror.ConfigError{Op: "read", Path: absPath, Err: err}
	}

	// registered after reading so values under an alias move to the real key
	for alias, key := range keyAliases {
		v.RegisterAlias(alias, key)
	}
	if err := checkKeys(v); err != nil {
		return nil, &mirror.ConfigError{Op: "parse", Path: absPath, Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &mirror.ConfigError{Op: "parse", Path: absPath, Err: err}
	}
	cfg.Path = absPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkKeys rejects keys that would otherwise be ignored, such as a misspelled exclusion list.
func checkKeys(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if slices.Contains(configKeys, key) || isAlias(key) {
			continue
		}
		unknown = append(unknown, key)
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("unknown keys %v", unknown)
	}
	return nil
}

func isAlias(key string) bool {
	for alias := range keyAliases {
		if strings.EqualFold(alias, key) {
			return true
		}
	}
	return false
}

// Validate checks the config and resolves every relative path against the config file's directory.
func (c *Config) Validate() error {
	baseDir := "."
	if c.Path != "" {
		baseDir = filepath.Dir(c.Path)
	}

	if len(c.Paths) == 0 {
		return &mirror.ConfigError{Op: "validate", Path: c.Path, Err: mirror.ErrNoMappings}
	}
	for i := range c.Paths {
		p := &c.Paths[i]
		if strings.TrimSpace(p.Watch) == "" {
			return &mirror.ConfigError{Op: "validate", Path: c.Path, Err: fmt.Errorf("paths[%d]: watch is empty", i)}
		}
		watch, err := utils.ResolvePathFrom(baseDir, p.Watch)
		if err != nil {
			return &mirror.ConfigError{Op: "validate", Path: p.Watch, Err: err}
		}
		p.Watch = watch

		for j, s := range p.Syncs {
			if strings.TrimSpace(s) == "" {
				return &mirror.ConfigError{Op: "validate", Path: c.Path, Err: fmt.Errorf("paths[%d].syncs[%d] is empty", i, j)}
			}
			sync, err := utils.ResolvePathFrom(baseDir, s)
			if err != nil {
				return &mirror.ConfigError{Op: "validate", Path: s, Err: err}
			}
			p.Syncs[j] = sync
		}
	}

	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.IntervalSeconds < 0 {
		return &mirror.ConfigError{Op: "validate", Path: c.Path, Err: fmt.Errorf("interval must be positive, got %v", c.IntervalSeconds)}
	}

	listens := make([]string, 0, len(c.Listens))
	for _, l := range c.Listens {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if !slices.Contains(validListens, l) {
			return &mirror.ConfigError{Op: "validate", Path: c.Path, Err: fmt.Errorf("unknown listen %q, want one of %v", l, validListens)}
		}
		listens = append(listens, l)
	}
	if len(listens) == 0 {
		listens = slices.Clone(validListens)
	}
	c.Listens = listens

	if c.ExcludeFiles == "" {
		c.ExcludeFiles = DefaultExcludeFilesName
		c.ExcludeFilesOptional = true
	}
	excludeFiles, err := utils.ResolvePathFrom(baseDir, c.ExcludeFiles)
	if err != nil {
		return &mirror.ConfigError{Op: "validate", Path: c.ExcludeFiles, Err: err}
	}
	c.ExcludeFiles = excludeFiles

	for _, field := range []*string{&c.Journal, &c.LogFile} {
		if *field == "" {
			continue
		}
		resolved, err := utils.ResolvePathFrom(baseDir, *field)
		if err != nil {
			return &mirror.ConfigError{Op: "validate", Path: *field, Err: err}
		}
		*field = resolved
	}

	return nil
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// ChangeKinds maps the configured listens onto the change kinds the actuator mirrors.
func (c *Config) ChangeKinds() []mirror.ChangeKind {
	kinds := make([]mirror.ChangeKind, 0, len(c.Listens))
	for _, l := range c.Listens {
		switch l {
		case ListenCreate:
			kinds = append(kinds, mirror.Create)
		case ListenChange:
			kinds = append(kinds, mirror.Modify)
		case ListenDelete:
			kinds = append(kinds, mirror.Delete)
		}
	}
	return kinds
}

func (c *Config) WatchRoots() []string {
	roots := make([]string, len(c.Paths))
	for i, p := range c.Paths {
		roots[i] = p.Watch
	}
	return roots
}

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ghodss/yaml"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

type Config struct {
	path   string
	loaded bool

	// Actual Config
	DataDir  string `json:"data-dir"`
	CacheDir string `json:"cache-dir"`
	FeedURL  string `json:"feed-url"`
	LogLevel string `json:"log-level"`

	// Token authenticates feed requests. Only read from the environment.
	Token string `json:"-"`
}

const (
	DefaultConfigPath = "~/.config/cmvm/config.json"
	DefaultFeedURL    = "https://api.github.com/repos/Kitware/CMake/releases"
	DefaultLogLevel   = "warn"

	appName     = "cmvm"
	appBundleID = "com.iepsen.cmvm"
)

func LoadConfig() (*Config, error) {
	cfg, err := load(os.Getenv)
	if err != nil {
		return nil, err
	}

	err = EnsureDirs(cfg.Storage())
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(getenv func(string) string) (*Config, error) {
	path := getenv("CMVM_CONFIG")
	if path == "" {
		p, err := homedir.Expand(DefaultConfigPath)
		if err != nil {
			return nil, err
		}

		path = p
	}

	cfg := &Config{path: path}

	if _, err := os.Stat(path); err == nil {
		err = loadFile(path, cfg)
		if err != nil {
			return nil, err
		}

		cfg.loaded = true
	}

	return updateFromEnv(cfg, getenv)
}

// loadFile reads a JSON or YAML config file into cfg. Keys are the json
// tags of Config in both formats.
func loadFile(path string, cfg *Config) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	err = yaml.Unmarshal(raw, cfg)
	if err != nil {
		return errors.Wrapf(err, "decoding config %s", path)
	}

	return nil
}

func updateFromEnv(cfg *Config, getenv func(string) string) (*Config, error) {
	if path := getenv("CMVM_DATA_DIR"); path != "" {
		cfg.DataDir = path
	}

	if path := getenv("CMVM_CACHE_DIR"); path != "" {
		cfg.CacheDir = path
	}

	if url := getenv("CMVM_FEED_URL"); url != "" {
		cfg.FeedURL = url
	}

	if level := getenv("CMVM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if token := getenv("GITHUB_TOKEN"); token != "" {
		cfg.Token = token
	}

	for _, path := range []*string{&cfg.DataDir, &cfg.CacheDir} {
		if *path == "" {
			continue
		}

		p, err := homedir.Expand(*path)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding %s", *path)
		}

		*path = p
	}

	return applyDefaults(cfg, runtime.GOOS, getenv)
}

func applyDefaults(cfg *Config, goos string, getenv func(string) string) (*Config, error) {
	if cfg.FeedURL == "" {
		cfg.FeedURL = DefaultFeedURL
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.DataDir != "" && cfg.CacheDir != "" {
		return cfg, nil
	}

	cache, data, err := platformDirs(goos, getenv)
	if err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = data
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = cache
	}

	return cfg, nil
}

// platformDirs returns the standard cache and data directories for goos.
func platformDirs(goos string, getenv func(string) string) (string, string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", "", err
	}

	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Caches", appBundleID),
			filepath.Join(home, "Library", "Application Support", appBundleID),
			nil
	case "linux", "freebsd", "openbsd", "netbsd":
		cache := getenv("XDG_CACHE_HOME")
		if cache == "" {
			cache = filepath.Join(home, ".cache")
		}

		data := getenv("XDG_DATA_HOME")
		if data == "" {
			data = filepath.Join(home, ".local", "share")
		}

		return filepath.Join(cache, appName), filepath.Join(data, appName), nil
	default:
		return "", "", errors.Errorf("no standard directories known for %s", goos)
	}
}

// Path is the config file location, whether or not it exists.
func (c *Config) Path() string {
	return c.path
}

// Loaded reports whether a config file was found and read.
func (c *Config) Loaded() bool {
	return c.loaded
}

func (c *Config) Storage() *DirStorage {
	return &DirStorage{
		Cache: c.CacheDir,
		Data:  c.DataDir,
	}
}

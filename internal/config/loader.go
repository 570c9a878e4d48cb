package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
)

// EnvConfigPath names the variable LoadFromEnv reads the config path from.
const EnvConfigPath = "FIRETREE_CONFIG_PATH"

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	lastMod  time.Time
	onChange func(*Config)
	logger   *logging.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	return &Loader{path: path, logger: logging.Nop()}
}

// SetLogger sets where reload failures are reported.
func (l *Loader) SetLogger(logger *logging.Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, err
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	config, err := Parse(substituteEnvVars(content))
	if err != nil {
		return nil, err
	}

	l.config = config
	l.lastMod = info.ModTime()

	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Watch reloads the configuration whenever the file is written, created or
// renamed into place or touched, until ctx is done. The parent directory is watched so
// editors that replace the file atomically are still noticed. A reload that
// fails keeps the previous configuration.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(l.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
					l.reloadIfChanged()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log().Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (l *Loader) reloadIfChanged() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	l.mu.RLock()
	lastMod := l.lastMod
	l.mu.RUnlock()

	if !info.ModTime().Equal(lastMod) {
		if _, err := l.Reload(); err != nil {
			l.log().Error("config reload failed", "path", l.path, "error", err)
			return
		}
		l.log().Info("config reloaded", "path", l.path)
	}
}

func (l *Loader) log() *logging.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

// LoadFromEnv loads configuration using path from environment variable or default
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = "firetree.yaml"
	}
	return NewLoader(path).Load()
}

// MustLoad loads configuration or panics on error
func MustLoad(path string) *Config {
	config, err := NewLoader(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return config
}

// Default returns a configuration with every default applied.
func Default() *Config {
	config, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return config
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return &config, nil
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}

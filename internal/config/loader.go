package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. QUOTAGATE_SERVER_HTTP_PORT.
const EnvPrefix = "QUOTAGATE_"

// PathEnvVar names the variable holding the config file path.
const PathEnvVar = EnvPrefix + "CONFIG_PATH"

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	logger   *logging.Logger
	mu       sync.RWMutex
	config   *Config
	lastMod  time.Time
	onChange func(*Config)
	debounce time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used to report reloads.
func WithLogger(l *logging.Logger) LoaderOption {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) LoaderOption {
	return func(ld *Loader) {
		ld.debounce = d
	}
}

// NewLoader creates a new configuration loader
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{
		path:     path,
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.NewLogger()
	}
	return l
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
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

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are picked up. A
// reload that fails validation keeps the previous configuration.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			l.checkFileChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("config watcher error", "path", l.path, "error", err)
		}
	}
}

func (l *Loader) checkFileChange() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	l.mu.RLock()
	lastMod := l.lastMod
	l.mu.RUnlock()

	if !info.ModTime().Equal(lastMod) {
		if _, err := l.Reload(); err != nil {
			l.logger.Error("config reload failed, keeping previous configuration", "path", l.path, "error", err)
			return
		}
		l.logger.Info("config reloaded", "path", l.path)
	}
}

// ResolvePath returns the config path from the environment or the default.
func ResolvePath() string {
	path := os.Getenv(PathEnvVar)
	if path == "" {
		path = "config.yaml"
	}
	return path
}

// LoadFromEnv loads configuration using path from environment variable or default
func LoadFromEnv() (*Config, error) {
	return NewLoader(ResolvePath()).Load()
}

// FromEnv builds a configuration from defaults and environment variables only.
func FromEnv() (*Config, error) {
	var config Config
	config.Version = "1"
	applyDefaults(&config)
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}
	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}
	return &config, nil
}

// Parse parses configuration from byte slice. Environment variables with
// EnvPrefix take precedence over file values.
func Parse(data []byte) (*Config, error) {
	var config Config

	// Apply defaults before parsing
	applyDefaults(&config)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
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

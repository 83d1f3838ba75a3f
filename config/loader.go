package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "sembus.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/sembus"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	getenv  func(string) string
	homeDir func() (string, error)
	workDir func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:  logger,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/sembus/config.yaml)
// 3. Project config (sembus.yaml in current or parent directories)
// 4. Environment variables
//
// When explicitPath is set it replaces layers 2 and 3.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if explicitPath != "" {
		if err := LoadInto(explicitPath, config); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
	} else {
		l.loadLayers(config)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) loadLayers(config *Config) {
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		err := LoadInto(userConfigPath, config)
		switch {
		case err == nil:
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		case errors.Is(err, os.ErrNotExist):
		default:
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath == "" {
		l.logger.Debug("No project config found")
		return
	}
	if err := LoadInto(projectConfigPath, config); err != nil {
		l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		return
	}
	l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
}

// applyEnv applies environment variable overrides
func (l *Loader) applyEnv(config *Config) {
	if v := l.getenv("SEMBUS_SERVICE"); v != "" {
		config.Service = v
	}
	if v := l.getenv("SEMBUS_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}

	// NATS_URL takes precedence over the prefixed variant
	if v := l.getenv("NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	} else if v := l.getenv("SEMBUS_NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	}

	if v := l.getenv("CONSUL_HTTP_ADDR"); v != "" {
		config.Discovery.Consul.Address = v
		config.Discovery.Consul.Enabled = true
	}
	if v := l.getenv("DATABASE_URL"); v != "" {
		config.Storage.PostgresURL = v
	}
	if v := l.getenv("SEMBUS_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := l.getenv("SEMBUS_HTTP_ADDR"); v != "" {
		config.HTTP.Addr = v
	}
	if v := l.getenv("SEMBUS_PUBLISH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Publisher.Workers = n
		} else {
			l.logger.Warn("Ignoring invalid SEMBUS_PUBLISH_WORKERS", slog.String("value", v))
		}
	}
	if v := l.getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		config.Tracing.Endpoint = v
		config.Tracing.Enabled = true
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return errors.New("cannot determine home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// Watch reloads the config file at path whenever it changes and passes the
// result to onChange. Invalid revisions are logged and skipped. Watch
// blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors often replace files instead of writing them.
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != absPath || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := l.Load(absPath)
			if err != nil {
				l.logger.Warn("Ignoring invalid config change", slog.String("path", absPath), slog.String("error", err.Error()))
				continue
			}
			l.logger.Info("Config reloaded", slog.String("path", absPath))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("Config watcher error", slog.String("error", err.Error()))
		}
	}
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for sembus.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

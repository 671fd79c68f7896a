// Package config loads gridkit runtime settings from gridkit.yaml (plus
// GRIDKIT_* environment overrides) via viper, and can watch the file for
// changes while the daemon runs.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the runtime configuration for the engine and its daemon.
type Config struct {
	// Socket is the unix socket path the daemon listens on.
	Socket string `mapstructure:"socket"`

	// Doc is the path of the JSON document snapshot to load and serve.
	Doc string `mapstructure:"doc"`

	// DateFormat is the Go layout used to parse user-entered dates.
	DateFormat string `mapstructure:"date_format"`

	// Zone is the default IANA zone for DateTime columns without one.
	Zone string `mapstructure:"zone"`

	// Telemetry enables the OpenTelemetry stdout exporters.
	Telemetry bool `mapstructure:"telemetry"`
}

// Defaults returns the conventional settings.
func Defaults() Config {
	return Config{
		Socket:     ".gridkit.sock",
		DateFormat: "2006-01-02",
		Zone:       "UTC",
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("socket", d.Socket)
	v.SetDefault("doc", d.Doc)
	v.SetDefault("date_format", d.DateFormat)
	v.SetDefault("zone", d.Zone)
	v.SetDefault("telemetry", d.Telemetry)
	v.SetEnvPrefix("GRIDKIT")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gridkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

// Load reads the configuration. A missing file is not an error; explicit
// paths that fail to parse are.
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file changes and calls
// onChange with the new value. Returns a stop function.
func Watch(path string, onChange func(Config)) (func(), error) {
	if path == "" {
		path = "gridkit.yaml"
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config: reload failed: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watch error: %v", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

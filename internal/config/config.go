// Package config loads the azul user configuration: a YAML document at
// the platform user-config location. Unknown keys are ignored; any key
// that is absent or fails validation falls back to its default
// individually rather than failing the whole load.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of user-configurable daemon settings.
type Config struct {
	Port                    int           `yaml:"port"`
	DebugMode               bool          `yaml:"debugMode"`
	SyncDir                 string        `yaml:"syncDir"`
	SourcemapPath           string        `yaml:"sourcemapPath"`
	ScriptExtension         string        `yaml:"scriptExtension"`
	FileWatchDebounce       time.Duration `yaml:"-"`
	FileWatchDebounceMillis int           `yaml:"fileWatchDebounce"`
	DeleteOrphansOnConnect  bool          `yaml:"deleteOrphansOnConnect"`
	SuffixModuleScripts     bool          `yaml:"suffixModuleScripts"`

	// RequestSnapshotOnConnect and MapNewFilesToInstances are exposed
	// here under azul-prefixed keys so operators can tune them without
	// changing defaults for everyone.
	RequestSnapshotOnConnect bool `yaml:"azulRequestSnapshotOnConnect"`
	MapNewFilesToInstances   bool `yaml:"azulMapNewFilesToInstances"`
}

// Default returns the daemon's built-in defaults.
func Default() Config {
	return Config{
		Port:                     8080,
		DebugMode:                false,
		SyncDir:                  "./sync",
		SourcemapPath:            "./sourcemap.json",
		ScriptExtension:          ".luau",
		FileWatchDebounce:        100 * time.Millisecond,
		FileWatchDebounceMillis:  100,
		DeleteOrphansOnConnect:   false,
		SuffixModuleScripts:      false,
		RequestSnapshotOnConnect: true,
		MapNewFilesToInstances:   false,
	}
}

// UserConfigPath returns the platform user-config location for azul,
// e.g. ~/.config/azul/config.yaml on Linux.
func UserConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "azul", "config.yaml"), nil
}

// Load reads the user config file, overlaying valid keys onto the
// defaults. A missing file is not an error: defaults are returned as-is.
// A malformed file is a ConfigError: logged by the caller, defaults used.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, &ConfigError{Path: path, Err: err}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, &ConfigError{Path: path, Err: err}
	}

	applyIntField(raw, "port", func(v int) bool { return v > 0 }, &cfg.Port)
	applyBoolField(raw, "debugMode", &cfg.DebugMode)
	applyStringField(raw, "syncDir", nonEmpty, &cfg.SyncDir)
	applyStringField(raw, "sourcemapPath", nonEmpty, &cfg.SourcemapPath)
	applyStringField(raw, "scriptExtension", nonEmpty, &cfg.ScriptExtension)
	applyIntField(raw, "fileWatchDebounce", func(v int) bool { return v > 0 }, &cfg.FileWatchDebounceMillis)
	applyBoolField(raw, "deleteOrphansOnConnect", &cfg.DeleteOrphansOnConnect)
	applyBoolField(raw, "suffixModuleScripts", &cfg.SuffixModuleScripts)
	applyBoolField(raw, "azulRequestSnapshotOnConnect", &cfg.RequestSnapshotOnConnect)
	applyBoolField(raw, "azulMapNewFilesToInstances", &cfg.MapNewFilesToInstances)

	cfg.FileWatchDebounce = time.Duration(cfg.FileWatchDebounceMillis) * time.Millisecond
	return cfg, nil
}

func nonEmpty(s string) bool { return s != "" }

// applyIntField overwrites *dst with raw[key] when present, numeric, and
// valid; YAML decodes a bare integer scalar into Go's int by default.
func applyIntField(raw map[string]any, key string, valid func(int) bool, dst *int) {
	v, ok := raw[key]
	if !ok {
		return
	}
	n, ok := v.(int)
	if !ok {
		return
	}
	if !valid(n) {
		return
	}
	*dst = n
}

func applyBoolField(raw map[string]any, key string, dst *bool) {
	v, ok := raw[key]
	if !ok {
		return
	}
	b, ok := v.(bool)
	if !ok {
		return
	}
	*dst = b
}

func applyStringField(raw map[string]any, key string, valid func(string) bool, dst *string) {
	v, ok := raw[key]
	if !ok {
		return
	}
	s, ok := v.(string)
	if !ok {
		return
	}
	if !valid(s) {
		return
	}
	*dst = s
}

// ConfigError wraps a failure to read or parse the user config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return "config: " + e.Path + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Package config loads the program configuration from HuJSON files with the
// precedence: defaults, then global user config, then project config, then
// command-line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// FileName is the project-local config file name.
const FileName = ".driftlog.json"

var (
	// ErrFileNotFound reports that an explicitly requested config file does
	// not exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrInvalid reports a config file that could not be parsed or failed
	// validation.
	ErrInvalid = errors.New("invalid config")
)

// Config holds all configuration options.
type Config struct {
	// BaseDir is the externally-synced directory holding the event logs.
	BaseDir string `json:"base_dir"`

	// LocalDir is the non-synced directory for the device identity, sync
	// state, and cache snapshot. It must not live inside BaseDir.
	LocalDir string `json:"local_dir,omitempty"`

	// PageSize is the default listing page size.
	PageSize int `json:"page_size,omitempty"`
}

// Sources tracks which config files were actually loaded.
type Sources struct {
	Global  string // global config path if loaded, empty otherwise
	Project string // project or explicit config path if loaded
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseDir:  ".driftlog",
		LocalDir: defaultLocalDir(),
		PageSize: 20,
	}
}

// defaultLocalDir resolves $XDG_STATE_HOME/driftlog, falling back to
// ~/.local/state/driftlog, and finally to a dot directory in the working
// directory when no home is known.
func defaultLocalDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "driftlog")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".local", "state", "driftlog")
	}

	return ".driftlog-local"
}

// globalPath returns the global config file path, honoring XDG_CONFIG_HOME.
// Empty when no home directory can be determined.
func globalPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "driftlog", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "driftlog", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "driftlog", "config.json")
	}

	return ""
}

// Load resolves the effective configuration.
//
// Precedence, highest last: defaults, global user config, project config at
// workDir/.driftlog.json (or the explicit file at configPath, which must
// exist), then the non-empty fields of overrides.
func Load(workDir, configPath string, overrides Config, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, gPath, err := loadFile(globalPath(env), false)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = gPath
	cfg = merge(cfg, globalCfg)

	projectCfg, pPath, err := loadProject(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = pPath
	cfg = merge(cfg, projectCfg)

	cfg = merge(cfg, overrides)

	err = validate(cfg)
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadProject(workDir, configPath string) (Config, string, error) {
	if configPath != "" {
		path := configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		_, statErr := os.Stat(path)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, configPath)
		}

		return loadFile(path, true)
	}

	return loadFile(filepath.Join(workDir, FileName), false)
}

// loadFile reads and parses one config file. When mustExist is false a
// missing or unreadable file yields a zero config.
func loadFile(path string, mustExist bool) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Config{}, "", nil
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, path, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.BaseDir != "" {
		base.BaseDir = overlay.BaseDir
	}

	if overlay.LocalDir != "" {
		base.LocalDir = overlay.LocalDir
	}

	if overlay.PageSize > 0 {
		base.PageSize = overlay.PageSize
	}

	return base
}

func validate(cfg Config) error {
	if cfg.BaseDir == "" {
		return fmt.Errorf("%w: base_dir is empty", ErrInvalid)
	}

	if cfg.LocalDir == "" {
		return fmt.Errorf("%w: local_dir is empty", ErrInvalid)
	}

	abs := func(p string) string {
		a, err := filepath.Abs(p)
		if err != nil {
			return p
		}

		return a
	}

	base := abs(cfg.BaseDir)
	local := abs(cfg.LocalDir)

	if local == base || strings.HasPrefix(local, base+string(filepath.Separator)) {
		return fmt.Errorf("%w: local_dir must not live inside base_dir (it would be replicated to other devices)", ErrInvalid)
	}

	return nil
}

// Format returns the config as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}

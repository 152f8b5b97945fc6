// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/internal/fsutil"
	"go.aimuz.me/macro/player"
	"go.aimuz.me/macro/recorder"
)

const (
	appName        = "macro"
	configFileName = "config.yaml"
)

// Config represents the application configuration.
type Config struct {
	// Workspace is the root for saved recordings.
	Workspace string            `mapstructure:"workspace" yaml:"workspace" json:"workspace"`
	Hotkeys   hotkey.KeymapSpec `mapstructure:"keymap" yaml:"keymap" json:"keymap"`
	Playback  Playback          `mapstructure:"playback" yaml:"playback" json:"playback"`
	Recording Recording         `mapstructure:"recording" yaml:"recording" json:"recording"`

	path string
}

// Playback holds the settings used for the next playback.
type Playback struct {
	Speed                 float64 `mapstructure:"speed" yaml:"speed" json:"speed"`
	RepeatCount           int     `mapstructure:"repeat_count" yaml:"repeat_count" json:"repeat_count"`
	RepeatIntervalSeconds float64 `mapstructure:"repeat_interval_seconds" yaml:"repeat_interval_seconds" json:"repeat_interval_seconds"`
}

// Recording holds recorder settings.
type Recording struct {
	// Persist is "on-stop" or "every-event".
	Persist string `mapstructure:"persist" yaml:"persist" json:"persist"`
}

// DefaultPath returns the config file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, configFileName), nil
}

func defaultConfig() *Config {
	workspace := appName
	if home, err := os.UserHomeDir(); err == nil {
		workspace = filepath.Join(home, "Macro")
	}
	return &Config{
		Workspace: workspace,
		Hotkeys:   hotkey.DefaultKeymap().Spec(),
		Playback: Playback{
			Speed:       1,
			RepeatCount: 1,
		},
		Recording: Recording{Persist: recorder.PersistOnStop.String()},
	}
}

// Load reads the config at path, or at DefaultPath when path is empty.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	def := defaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	v.SetDefault("workspace", def.Workspace)
	v.SetDefault("keymap.start_recording", def.Hotkeys.StartRecording)
	v.SetDefault("keymap.stop_recording", def.Hotkeys.StopRecording)
	v.SetDefault("keymap.start_playback", def.Hotkeys.StartPlayback)
	v.SetDefault("keymap.stop_playback", def.Hotkeys.StopPlayback)
	v.SetDefault("playback.speed", def.Playback.Speed)
	v.SetDefault("playback.repeat_count", def.Playback.RepeatCount)
	v.SetDefault("playback.repeat_interval_seconds", def.Playback.RepeatIntervalSeconds)
	v.SetDefault("recording.persist", def.Recording.Persist)

	// SetConfigFile bypasses viper's not-found handling, so check first.
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.path = path
	cfg.Workspace = expandHome(cfg.Workspace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save persists the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(c.path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.WriteAtomic(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks every setting that can be parsed up front.
func (c *Config) Validate() error {
	if _, err := c.Keymap(); err != nil {
		return err
	}
	if err := c.PlaybackOptions().Validate(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if _, err := c.PersistPolicy(); err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	return nil
}

// Path returns the file the config is read from and saved to.
func (c *Config) Path() string { return c.path }

// Keymap returns the parsed hotkeys.
func (c *Config) Keymap() (hotkey.Keymap, error) {
	return c.Hotkeys.Parse()
}

// PlaybackOptions converts the playback section to player options.
func (c *Config) PlaybackOptions() player.Options {
	return player.Options{
		Speed:          c.Playback.Speed,
		RepeatCount:    c.Playback.RepeatCount,
		RepeatInterval: time.Duration(c.Playback.RepeatIntervalSeconds * float64(time.Second)),
	}
}

// SetPlaybackOptions stores opts in the playback section.
func (c *Config) SetPlaybackOptions(opts player.Options) {
	c.Playback = Playback{
		Speed:                 opts.Speed,
		RepeatCount:           opts.RepeatCount,
		RepeatIntervalSeconds: opts.RepeatInterval.Seconds(),
	}
}

// PersistPolicy returns the parsed recording persistence policy.
func (c *Config) PersistPolicy() (recorder.PersistPolicy, error) {
	return recorder.ParsePersistPolicy(c.Recording.Persist)
}

// RecordingsDir is where recordings are saved by default.
func (c *Config) RecordingsDir() string {
	return filepath.Join(c.Workspace, "recordings")
}

// CatalogDir holds the recordings index, next to the config file.
func (c *Config) CatalogDir() string {
	return filepath.Join(filepath.Dir(c.path), "catalog")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

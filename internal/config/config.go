// Package config resolves where the shared store lives and loads settings
// from .agentsync/config.yaml in the main checkout plus AGENTSYNC_* env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/phase"
	"github.com/roach88/agentsync/internal/telemetry"
)

// DirName is the per-repository state directory, created in the main
// checkout and linked from every worktree.
const DirName = ".agentsync"

// File names inside DirName.
const (
	ConfigFileName = "config.yaml"
	StoreFileName  = "agentsync.db"
)

// EnvPrefix is prepended to every environment override, so store.path is
// read from AGENTSYNC_STORE_PATH.
const EnvPrefix = "AGENTSYNC"

// Setting keys.
const (
	KeyStorePath    = "store.path"
	KeyBusyTimeout  = "store.busy_timeout"
	KeyRetryBudget  = "store.retry_budget"
	KeyActorID      = "actor.id"
	KeyActorRole    = "actor.role"
	KeyActorOrigin  = "actor.origin"
	KeyActorSession = "actor.session"
	KeyDefaultTrack = "phase.default_track"
	KeyTelemetry    = "telemetry.enabled"
	KeyExporter     = "telemetry.exporter"
	KeyLogFormat    = "log.format"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the resolved runtime configuration for one invocation.
type Config struct {
	// Worktree is the absolute path the command runs against.
	Worktree string
	// MainCheckout is the primary checkout that owns DirName.
	MainCheckout string

	StorePath   string
	BusyTimeout time.Duration
	RetryBudget time.Duration

	Actor        ir.Actor
	DefaultTrack phase.Track
	Telemetry    telemetry.Config
	LogFormat    string

	// ConfigFile is the file that was read, empty if none existed.
	ConfigFile string
}

// Load resolves worktree to its main checkout and reads settings.
// A missing config file is not an error; defaults apply.
func Load(worktree string) (*Config, error) {
	if worktree == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		worktree = wd
	}
	abs, err := filepath.Abs(worktree)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree %s: %w", worktree, err)
	}
	worktree = filepath.Clean(abs)

	main, err := ResolveMainCheckout(worktree)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, main)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{Worktree: worktree, MainCheckout: main}

	configPath := filepath.Join(main, DirName, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		cfg.ConfigFile = configPath
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", configPath, err)
	}

	cfg.StorePath = v.GetString(KeyStorePath)
	if cfg.StorePath != "" && !filepath.IsAbs(cfg.StorePath) {
		cfg.StorePath = filepath.Join(main, cfg.StorePath)
	}
	cfg.BusyTimeout = v.GetDuration(KeyBusyTimeout)
	cfg.RetryBudget = v.GetDuration(KeyRetryBudget)
	cfg.Actor = ir.Actor{
		ID:        v.GetString(KeyActorID),
		Role:      v.GetString(KeyActorRole),
		Origin:    v.GetString(KeyActorOrigin),
		SessionID: v.GetString(KeyActorSession),
	}
	cfg.DefaultTrack = phase.Track(v.GetString(KeyDefaultTrack))
	cfg.Telemetry = telemetry.Config{
		Enabled:  v.GetBool(KeyTelemetry),
		Exporter: v.GetString(KeyExporter),
	}
	cfg.LogFormat = strings.ToLower(v.GetString(KeyLogFormat))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, main string) {
	v.SetDefault(KeyStorePath, filepath.Join(main, DirName, StoreFileName))
	v.SetDefault(KeyBusyTimeout, 5*time.Second)
	v.SetDefault(KeyRetryBudget, 10*time.Second)
	v.SetDefault(KeyActorID, defaultActorID())
	v.SetDefault(KeyActorRole, "agent")
	v.SetDefault(KeyActorOrigin, "local")
	v.SetDefault(KeyDefaultTrack, string(phase.TrackLegacy))
	v.SetDefault(KeyTelemetry, false)
	v.SetDefault(KeyExporter, "none")
	v.SetDefault(KeyLogFormat, LogFormatText)
}

func defaultActorID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "agentsync"
}

func (c *Config) validate() error {
	if c.BusyTimeout <= 0 {
		return &ir.ValidationError{Field: KeyBusyTimeout, Value: c.BusyTimeout.String(), Message: "must be positive"}
	}
	if c.RetryBudget <= 0 {
		return &ir.ValidationError{Field: KeyRetryBudget, Value: c.RetryBudget.String(), Message: "must be positive"}
	}
	if c.Actor.ID == "" {
		return &ir.ValidationError{Field: KeyActorID, Message: "required"}
	}
	if c.Actor.Role == "" {
		return &ir.ValidationError{Field: KeyActorRole, Message: "required"}
	}
	if _, err := phase.MapFor(c.DefaultTrack); err != nil {
		return &ir.ValidationError{
			Field:   KeyDefaultTrack,
			Value:   string(c.DefaultTrack),
			Allowed: []string{string(phase.TrackLegacy), string(phase.TrackStreamlined)},
		}
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return &ir.ValidationError{Field: KeyLogFormat, Value: c.LogFormat, Allowed: []string{LogFormatText, LogFormatJSON}}
	}
	return nil
}

// StateDir is DirName inside the main checkout.
func (c *Config) StateDir() string {
	return filepath.Join(c.MainCheckout, DirName)
}

// IsLinkedWorktree reports whether Worktree is a secondary checkout.
func (c *Config) IsLinkedWorktree() bool {
	return c.Worktree != c.MainCheckout
}

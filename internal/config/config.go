// Package config loads the daemon configuration.
//
// Precedence, highest last: built-in defaults, the global user config file,
// an explicit config file, environment variables, CLI flags. Config files
// are JSONC (comments and trailing commas allowed).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/tailscale/hujson"
)

// Config holds all daemon configuration options.
type Config struct {
	// VaultsDir is the parent directory vaults are discovered under.
	VaultsDir string `json:"vaults_dir"`

	// MemoryFile is the global memory file's absolute path.
	MemoryFile string `json:"memory_file,omitempty"`

	// StateDir holds the processing ledgers.
	StateDir string `json:"state_dir,omitempty"`

	// ExtractionSchedule is a 5-field cron expression.
	ExtractionSchedule string `json:"extraction_schedule,omitempty"`

	// ExtractionCatchupHours is the staleness threshold for the startup
	// catch-up run.
	ExtractionCatchupHours int `json:"extraction_catchup_hours,omitempty"`

	// CardDiscoveryHour is the daily discovery hour (0-23); the weekly
	// catch-up fires Sundays at the same hour.
	CardDiscoveryHour int `json:"card_discovery_hour,omitempty"`

	// Timezone names the scheduler's location; empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// CardsDisabled lists vault IDs excluded from card discovery.
	CardsDisabled []string `json:"cards_disabled,omitempty"`

	// LLMCommand is the argv of the agent CLI the LLM gateway runs.
	LLMCommand []string `json:"llm_command,omitempty"`

	// LLMTimeoutSeconds bounds a single agent CLI invocation.
	LLMTimeoutSeconds int `json:"llm_timeout_seconds,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global   string
	Explicit string
}

// ConfigDirName is the directory under the user config root.
const ConfigDirName = "memloop"

// Ledger file names inside StateDir.
const (
	ExtractionStateFile    = "extraction-state.json"
	CardDiscoveryStateFile = "card-discovery-state.json"
)

// sandboxDirName is the extraction sandbox directory under VaultsDir.
const sandboxDirName = ".memloop-sandbox"

// Errors surfaced during loading and validation.
var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
)

// Default returns the built-in defaults. VaultsDir has no default and must
// come from a config file, environment, or flag.
func Default() Config {
	return Config{
		MemoryFile:             filepath.Join(homeDir(), ".claude", "rules", "memory.md"),
		StateDir:               filepath.Join(userConfigRoot(nil), ConfigDirName),
		ExtractionSchedule:     "0 2 * * *",
		ExtractionCatchupHours: 24,
		CardDiscoveryHour:      3,
		LLMCommand:             []string{"claude", "-p"},
		LLMTimeoutSeconds:      300,
		LogLevel:               "info",
	}
}

// SandboxDir returns the extraction sandbox directory.
func (c Config) SandboxDir() string {
	return filepath.Join(c.VaultsDir, sandboxDirName)
}

// ExtractionLedgerPath returns the extraction ledger file path.
func (c Config) ExtractionLedgerPath() string {
	return filepath.Join(c.StateDir, ExtractionStateFile)
}

// CardLedgerPath returns the card discovery ledger file path.
func (c Config) CardLedgerPath() string {
	return filepath.Join(c.StateDir, CardDiscoveryStateFile)
}

// CardsEnabledFor reports whether card discovery runs for the vault.
func (c Config) CardsEnabledFor(vaultID string) bool {
	return !slices.Contains(c.CardsDisabled, vaultID)
}

// Load resolves the configuration. explicitPath, when non-empty, names a
// config file that must exist. env is the process environment in KEY=VALUE
// form; passing it explicitly keeps loading testable.
func Load(explicitPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalPath := filepath.Join(userConfigRoot(env), ConfigDirName, "config.json")

	loaded, err := applyFile(&cfg, globalPath, false)
	if err != nil {
		return Config{}, Sources{}, err
	}

	if loaded {
		sources.Global = globalPath
	}

	if explicitPath != "" {
		loaded, err = applyFile(&cfg, explicitPath, true)
		if err != nil {
			return Config{}, Sources{}, err
		}

		if loaded {
			sources.Explicit = explicitPath
		}
	}

	err = applyEnv(&cfg, env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

// Validate checks ranges and the cron expression.
func Validate(cfg Config) error {
	if cfg.VaultsDir == "" {
		return fmt.Errorf("%w: vaults_dir is required", ErrConfigInvalid)
	}

	if cfg.CardDiscoveryHour < 0 || cfg.CardDiscoveryHour > 23 {
		return fmt.Errorf("%w: card_discovery_hour %d out of range 0-23",
			ErrConfigInvalid, cfg.CardDiscoveryHour)
	}

	if cfg.ExtractionCatchupHours <= 0 {
		return fmt.Errorf("%w: extraction_catchup_hours must be positive", ErrConfigInvalid)
	}

	if len(cfg.LLMCommand) == 0 {
		return fmt.Errorf("%w: llm_command must not be empty", ErrConfigInvalid)
	}

	if cfg.LLMTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: llm_timeout_seconds must be positive", ErrConfigInvalid)
	}

	_, err := cron.ParseStandard(cfg.ExtractionSchedule)
	if err != nil {
		return fmt.Errorf("%w: extraction_schedule: %w", ErrConfigInvalid, err)
	}

	return nil
}

// applyFile unmarshals a JSONC config file over cfg; absent keys leave cfg
// untouched, which is what yields the precedence chain.
func applyFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		if mustExist {
			return false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return false, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	err = json.Unmarshal(standardized, cfg)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return true, nil
}

func applyEnv(cfg *Config, env []string) error {
	if v, ok := envValue(env, "MEMLOOP_VAULTS_DIR"); ok {
		cfg.VaultsDir = v
	}

	if v, ok := envValue(env, "MEMLOOP_MEMORY_FILE"); ok {
		cfg.MemoryFile = v
	}

	if v, ok := envValue(env, "EXTRACTION_SCHEDULE"); ok {
		cfg.ExtractionSchedule = v
	}

	if v, ok := envValue(env, "EXTRACTION_CATCHUP_HOURS"); ok {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EXTRACTION_CATCHUP_HOURS: %w", ErrConfigInvalid, err)
		}

		cfg.ExtractionCatchupHours = hours
	}

	if v, ok := envValue(env, "CARD_DISCOVERY_HOUR"); ok {
		hour, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CARD_DISCOVERY_HOUR: %w", ErrConfigInvalid, err)
		}

		cfg.CardDiscoveryHour = hour
	}

	return nil
}

// envValue looks a key up in KEY=VALUE form.
func envValue(env []string, key string) (string, bool) {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, key+"="); ok {
			return after, true
		}
	}

	return "", false
}

// userConfigRoot resolves $XDG_CONFIG_HOME with a ~/.config fallback.
func userConfigRoot(env []string) string {
	if v, ok := envValue(env, "XDG_CONFIG_HOME"); ok && v != "" {
		return v
	}

	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}

	return filepath.Join(homeDir(), ".config")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return home
}

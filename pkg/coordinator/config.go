package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// PathRule, ContentRule, UserLevelRule, CommandRule, and RuleConfig mirror
// the persisted rule configuration document: four rule classes plus
// defaults, loadable from YAML or JSON.
type PathRule struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Action  string `mapstructure:"action" yaml:"action"`
	Message string `mapstructure:"message" yaml:"message"`
}

type ContentRule struct {
	ID          string   `mapstructure:"id" yaml:"id"`
	Patterns    []string `mapstructure:"patterns" yaml:"patterns"`
	Action      string   `mapstructure:"action" yaml:"action"`
	Replacement string   `mapstructure:"replacement" yaml:"replacement"`
	Message     string   `mapstructure:"message" yaml:"message"`
}

type UserLevelRule struct {
	ID            string   `mapstructure:"id" yaml:"id"`
	RequiredLevel string   `mapstructure:"required_level" yaml:"required_level"`
	Paths         []string `mapstructure:"paths" yaml:"paths"`
	Action        string   `mapstructure:"action" yaml:"action"`
	Message       string   `mapstructure:"message" yaml:"message"`
}

type CommandRule struct {
	ID       string   `mapstructure:"id" yaml:"id"`
	Commands []string `mapstructure:"commands" yaml:"commands"`
	Action   string   `mapstructure:"action" yaml:"action"`
	Message  string   `mapstructure:"message" yaml:"message"`
}

type Rules struct {
	PathRules      []PathRule      `mapstructure:"path_rules" yaml:"path_rules"`
	ContentRules   []ContentRule   `mapstructure:"content_rules" yaml:"content_rules"`
	UserLevelRules []UserLevelRule `mapstructure:"user_level_rules" yaml:"user_level_rules"`
	CommandRules   []CommandRule   `mapstructure:"command_rules" yaml:"command_rules"`
}

type Defaults struct {
	UnknownPathAction string `mapstructure:"unknown_path_action" yaml:"unknown_path_action"`
	MaxContentSizeKB  int    `mapstructure:"max_content_size_kb" yaml:"max_content_size_kb"`
}

// RuleConfig is the root of the persisted rule configuration document.
type RuleConfig struct {
	Version  string   `mapstructure:"version" yaml:"version"`
	Rules    Rules    `mapstructure:"rules" yaml:"rules"`
	Defaults Defaults `mapstructure:"defaults" yaml:"defaults"`
}

// builtinPathBlacklist is the save-path blacklist every configuration
// carries, loaded rule file or not: the queue itself must reject a write
// to a sensitive system location, independent of whatever path policy
// the configured SaveExecutor happens to enforce. A loaded rule file can
// override an entry by defining a rule with the same ID.
var builtinPathBlacklist = []PathRule{
	{ID: "builtin-blacklist-etc", Pattern: "/etc/", Action: "terminate", Message: "path_blacklisted"},
	{ID: "builtin-blacklist-ssh", Pattern: "/root/.ssh/", Action: "terminate", Message: "path_blacklisted"},
	{ID: "builtin-blacklist-sys", Pattern: "/sys/", Action: "terminate", Message: "path_blacklisted"},
	{ID: "builtin-blacklist-proc", Pattern: "/proc/", Action: "terminate", Message: "path_blacklisted"},
	{ID: "builtin-blacklist-var-run", Pattern: "/var/run/", Action: "terminate", Message: "path_blacklisted"},
}

// SetDefaults fills in unset fields and appends the built-in path
// blacklist (skipping any entry whose ID the loaded rules already
// define). Idempotent, so it is safe to call on an already-defaulted
// configuration.
func (c *RuleConfig) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Defaults.UnknownPathAction == "" {
		c.Defaults.UnknownPathAction = "allow"
	}
	if c.Defaults.MaxContentSizeKB == 0 {
		c.Defaults.MaxContentSizeKB = 10240
	}
	existing := make(map[string]bool, len(c.Rules.PathRules))
	for _, r := range c.Rules.PathRules {
		existing[r.ID] = true
	}
	for _, r := range builtinPathBlacklist {
		if !existing[r.ID] {
			c.Rules.PathRules = append(c.Rules.PathRules, r)
		}
	}
}

// Validate performs structural sanity checks beyond decode.
func (c *RuleConfig) Validate() error {
	valid := map[string]bool{"allow": true, "warn": true, "replace": true, "terminate": true}
	check := func(action, where string) error {
		if !valid[action] {
			return fmt.Errorf("%s: unknown action %q", where, action)
		}
		return nil
	}
	for _, r := range c.Rules.PathRules {
		if err := check(r.Action, "path_rules/"+r.ID); err != nil {
			return err
		}
	}
	for _, r := range c.Rules.ContentRules {
		if err := check(r.Action, "content_rules/"+r.ID); err != nil {
			return err
		}
	}
	for _, r := range c.Rules.UserLevelRules {
		if err := check(r.Action, "user_level_rules/"+r.ID); err != nil {
			return err
		}
	}
	for _, r := range c.Rules.CommandRules {
		if err := check(r.Action, "command_rules/"+r.ID); err != nil {
			return err
		}
	}
	return check(c.Defaults.UnknownPathAction, "defaults")
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with the environment value,
// leaving the reference untouched if the variable is unset.
func expandEnvVars(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return m
	})
}

// ConfigLoader loads a RuleConfig from a YAML or JSON file via a
// Load/Watch pipeline: read bytes -> expand env vars -> parse
// -> mapstructure-decode -> SetDefaults -> Validate. OnChange, if set, is
// invoked with the freshly reloaded config whenever Watch observes a
// filesystem change.
type ConfigLoader struct {
	Path     string
	OnChange func(RuleConfig)
	logger   *slog.Logger
}

// NewConfigLoader builds a loader for the file at path.
func NewConfigLoader(path string, onChange func(RuleConfig), logger *slog.Logger) *ConfigLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigLoader{Path: path, OnChange: onChange, logger: logger}
}

// Load reads and decodes the configured file once.
func (l *ConfigLoader) Load() (RuleConfig, error) {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		return RuleConfig{}, fmt.Errorf("read rule config: %w", err)
	}
	raw = expandEnvVars(raw)

	var generic map[string]any
	if strings.HasSuffix(l.Path, ".json") {
		if err := yaml.Unmarshal(raw, &generic); err != nil { // YAML is a JSON superset
			return RuleConfig{}, fmt.Errorf("parse rule config: %w", err)
		}
	} else if err := yaml.Unmarshal(raw, &generic); err != nil {
		return RuleConfig{}, fmt.Errorf("parse rule config: %w", err)
	}

	var cfg RuleConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &cfg, WeaklyTypedInput: true})
	if err != nil {
		return RuleConfig{}, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(generic); err != nil {
		return RuleConfig{}, fmt.Errorf("decode rule config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return RuleConfig{}, fmt.Errorf("validate rule config: %w", err)
	}
	return cfg, nil
}

// Watch blocks, reloading the file and invoking OnChange on every
// filesystem write event, until ctx is done. Watch failures are logged
// and swallowed — the coordinator keeps running on the last-good config.
func (l *ConfigLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.Path); err != nil {
		return fmt.Errorf("watch rule config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := l.Load()
			if err != nil {
				l.logger.Warn("coordinator: failed to reload rule config", "error", err)
				continue
			}
			if l.OnChange != nil {
				l.OnChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("coordinator: rule config watcher error", "error", err)
		}
	}
}

// Package config loads and validates the .weft/config.yaml project
// configuration. Values come from the file first, then WEFT_* environment
// variables override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/weftlabs/weft/internal/types"
)

// Well-known paths relative to the repo root.
const (
	Dir          = ".weft"
	FileName     = "config.yaml"
	DefaultDB    = ".weft/weft.db"
	DefaultAddr  = ":8422"
	TemplateName = "TODO.mdx"
)

// Defaults applied when the file omits a key.
const (
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
	DefaultWatchDebounce   = 500 * time.Millisecond
)

// GitHub holds the GitHub upstream settings. Token auth and App auth are
// mutually exclusive; App auth wins when both are set.
type GitHub struct {
	Owner          string `mapstructure:"owner"`
	Repo           string `mapstructure:"repo"`
	Token          string `mapstructure:"token"`
	AppID          int64  `mapstructure:"app_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	InstallationID int64  `mapstructure:"installation_id"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
}

// Enabled reports whether the GitHub upstream is configured at all.
func (g GitHub) Enabled() bool {
	return g.Owner != "" && g.Repo != ""
}

// UseApp reports whether requests should authenticate as a GitHub App
// installation instead of a static token.
func (g GitHub) UseApp() bool {
	return g.AppID != 0 && g.PrivateKeyPath != "" && g.InstallationID != 0
}

// Linear holds the Linear upstream settings.
type Linear struct {
	APIKey        string `mapstructure:"api_key"`
	TeamID        string `mapstructure:"team_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Enabled reports whether the Linear upstream is configured.
func (l Linear) Enabled() bool {
	return l.APIKey != "" && l.TeamID != ""
}

// Config is the full project configuration.
type Config struct {
	// Root is the repo directory the config was loaded from. Not a file key.
	Root string `mapstructure:"-"`

	DBPath         string `mapstructure:"db"`
	Template       string `mapstructure:"template"`
	FilePattern    string `mapstructure:"file_pattern"`
	ConflictPolicy string `mapstructure:"conflict_policy"`
	ListenAddr     string `mapstructure:"listen_addr"`
	APIURL         string `mapstructure:"api_url"`
	APIKey         string `mapstructure:"api_key"`
	LogFile        string `mapstructure:"log_file"`

	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`

	GitHub GitHub `mapstructure:"github"`
	Linear Linear `mapstructure:"linear"`
}

// Path returns the config file location for a repo root.
func Path(root string) string {
	return filepath.Join(root, Dir, FileName)
}

// Load reads .weft/config.yaml from the repo root. A missing file yields the
// defaults, so a fresh checkout works without any setup. Environment
// variables with the WEFT_ prefix override file values (WEFT_GITHUB_TOKEN,
// WEFT_LISTEN_ADDR, ...).
func Load(root string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(Path(root))
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", DefaultDB)
	v.SetDefault("template", TemplateName)
	v.SetDefault("conflict_policy", string(types.ConflictNewestWins))
	v.SetDefault("listen_addr", DefaultAddr)
	v.SetDefault("upstream_timeout", DefaultUpstreamTimeout)
	v.SetDefault("drain_timeout", DefaultDrainTimeout)
	v.SetDefault("watch_debounce", DefaultWatchDebounce)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", Path(root), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", Path(root), err)
	}
	cfg.Root = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enum values and cross-field requirements.
func (c *Config) Validate() error {
	policy := types.ConflictPolicy(strings.ToLower(strings.TrimSpace(c.ConflictPolicy)))
	if !policy.IsValid() {
		return fmt.Errorf("invalid conflict_policy %q (valid: newest-wins, beads-wins, file-wins, upstream-wins)", c.ConflictPolicy)
	}
	c.ConflictPolicy = string(policy)

	if c.GitHub.AppID != 0 || c.GitHub.PrivateKeyPath != "" || c.GitHub.InstallationID != 0 {
		if !c.GitHub.UseApp() {
			return fmt.Errorf("github app auth needs app_id, private_key_path, and installation_id together")
		}
	}
	if c.Linear.TeamID != "" && c.Linear.APIKey == "" {
		return fmt.Errorf("linear.team_id is set but linear.api_key is missing")
	}
	return nil
}

// Policy returns the validated conflict policy.
func (c *Config) Policy() types.ConflictPolicy {
	return types.ConflictPolicy(c.ConflictPolicy)
}

// ResolveDB returns the absolute database path.
func (c *Config) ResolveDB() string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.Root, c.DBPath)
}

// ResolveTemplate returns the absolute template path.
func (c *Config) ResolveTemplate() string {
	if filepath.IsAbs(c.Template) {
		return c.Template
	}
	return filepath.Join(c.Root, c.Template)
}

// RepoContext builds the coordinator context for this config.
func (c *Config) RepoContext() types.RepoContext {
	return types.RepoContext{
		Owner:          c.GitHub.Owner,
		Name:           c.GitHub.Repo,
		InstallationID: c.GitHub.InstallationID,
		ConflictPolicy: c.Policy(),
	}
}

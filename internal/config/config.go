// Package config loads the daemon's JSON configuration document
// (global options, named repositories, per-agent blocks) and watches it
// for changes. A reload never mutates a handed-out snapshot; consumers
// receive a diff and decide what to restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/tgcc/tgcc/internal/common/logger"
)

// Config is one immutable configuration snapshot.
type Config struct {
	Global GlobalConfig      `mapstructure:"global"`
	Repos  map[string]string `mapstructure:"repos"`
	Agents []AgentConfig     `mapstructure:"agents"`
}

// GlobalConfig holds daemon-wide options.
type GlobalConfig struct {
	// Binary is the assistant CLI executable.
	Binary string `mapstructure:"binary"`

	// MediaDir receives downloaded attachments and generated files.
	MediaDir string `mapstructure:"media_dir"`

	// SocketDir is the root for admin and tool-exposure unix sockets.
	SocketDir string `mapstructure:"socket_dir"`

	// StateFile persists small daemon state between restarts.
	StateFile string `mapstructure:"state_file"`

	// NATSURL selects the NATS event bus; empty means in-process.
	NATSURL string `mapstructure:"nats_url"`

	// HTTPAddr enables the local status HTTP endpoint when non-empty.
	HTTPAddr string `mapstructure:"http_addr"`

	// TracingEndpoint enables OTLP trace export when non-empty.
	TracingEndpoint string `mapstructure:"tracing_endpoint"`

	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// AgentConfig is one agent block.
type AgentConfig struct {
	ID    string `mapstructure:"id"`
	Token string `mapstructure:"token"`

	// AllowedUsers are the chat user ids permitted to talk to this agent.
	AllowedUsers []int64 `mapstructure:"allowed_users"`

	// Repo is a named-repository key or an absolute path.
	Repo string `mapstructure:"repo"`

	Model          string `mapstructure:"model"`
	PermissionMode string `mapstructure:"permission_mode"`
	MaxTurns       int    `mapstructure:"max_turns"`

	// MCPConfig is passed through to the assistant CLI as --mcp-config.
	MCPConfig string `mapstructure:"mcp_config"`

	IdleTimeoutSec int `mapstructure:"idle_timeout_sec"`
	HangTimeoutSec int `mapstructure:"hang_timeout_sec"`

	// Users carries optional per-user overrides keyed by user id.
	Users map[string]UserOverride `mapstructure:"users"`
}

// UserOverride narrows agent defaults for one chat user.
type UserOverride struct {
	Model          string `mapstructure:"model"`
	Repo           string `mapstructure:"repo"`
	PermissionMode string `mapstructure:"permission_mode"`
}

// DefaultPath is used when neither the flag nor TGCC_CONFIG is set.
const DefaultPath = "tgcc.json"

// Resolve returns the effective config path: explicit > TGCC_CONFIG > default.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("TGCC_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("TGCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyAgentDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.binary", "claude")
	v.SetDefault("global.media_dir", filepath.Join(os.TempDir(), "tgcc-media"))
	v.SetDefault("global.socket_dir", defaultSocketDir())
	v.SetDefault("global.logging.level", "info")
	v.SetDefault("global.logging.format", "")
	v.SetDefault("global.logging.output_path", "stderr")
}

func defaultSocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tgcc")
	}
	return filepath.Join(os.TempDir(), "tgcc")
}

func applyAgentDefaults(cfg *Config) {
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.MaxTurns <= 0 {
			a.MaxTurns = 25
		}
		if a.IdleTimeoutSec <= 0 {
			a.IdleTimeoutSec = 300
		}
		if a.HangTimeoutSec <= 0 {
			a.HangTimeoutSec = 300
		}
	}
}

// Validate enforces the structural rules a snapshot must satisfy before any
// agent pipeline is built from it.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	ids := make(map[string]struct{}, len(c.Agents))
	tokens := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		ids[a.ID] = struct{}{}
		if a.Token == "" {
			return fmt.Errorf("agent %q has no bot token", a.ID)
		}
		if _, dup := tokens[a.Token]; dup {
			return fmt.Errorf("agent %q reuses another agent's bot token", a.ID)
		}
		tokens[a.Token] = struct{}{}
		switch a.PermissionMode {
		case "", "skip", "acceptEdits", "plan", "default":
		default:
			return fmt.Errorf("agent %q: unknown permission mode %q", a.ID, a.PermissionMode)
		}
	}
	for name, path := range c.Repos {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("repo %q: path %q is not absolute", name, path)
		}
	}
	return nil
}

// ResolveRepo maps an agent's repo reference to an absolute path.
// An empty reference resolves to "" and the agent runs without a workdir.
func (c *Config) ResolveRepo(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	if path, ok := c.Repos[ref]; ok {
		return path, nil
	}
	return "", fmt.Errorf("unknown repository %q", ref)
}

// Agent returns the block for the given id, or nil.
func (c *Config) Agent(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// AgentIDs returns the configured agent ids, sorted.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}

// EffectiveModel resolves the model for one user, honoring overrides.
func (a *AgentConfig) EffectiveModel(userID int64) string {
	if o, ok := a.Users[fmt.Sprint(userID)]; ok && o.Model != "" {
		return o.Model
	}
	return a.Model
}

// EffectiveRepo resolves the repo reference for one user, honoring overrides.
func (a *AgentConfig) EffectiveRepo(userID int64) string {
	if o, ok := a.Users[fmt.Sprint(userID)]; ok && o.Repo != "" {
		return o.Repo
	}
	return a.Repo
}

// EffectivePermissionMode resolves the permission mode for one user.
func (a *AgentConfig) EffectivePermissionMode(userID int64) string {
	if o, ok := a.Users[fmt.Sprint(userID)]; ok && o.PermissionMode != "" {
		return o.PermissionMode
	}
	return a.PermissionMode
}

// Allows reports whether the chat user may talk to this agent.
// An empty allow-list admits nobody; agents must be explicit.
func (a *AgentConfig) Allows(userID int64) bool {
	for _, id := range a.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

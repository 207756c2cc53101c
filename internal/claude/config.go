package claude

import (
	"strconv"
	"time"
)

// Permission modes accepted by the CLI.
const (
	PermissionDefault     = ""
	PermissionSkip        = "skip"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
)

// Config describes how to spawn one assistant child process.
type Config struct {
	// Binary is the CLI executable (default "claude").
	Binary string

	// WorkDir is the child's working directory, the agent's resolved repo.
	WorkDir string

	// Model passes --model when set.
	Model string

	// PermissionMode is one of the Permission* constants.
	PermissionMode string

	// MaxTurns bounds the turn count per prompt (default 25).
	MaxTurns int

	// Resume passes --resume <sessionID>; Continue passes --continue.
	Resume   string
	Continue bool

	// MCPConfigPath passes --mcp-config when set.
	MCPConfigPath string

	// Env entries appended to the inherited environment.
	Env []string

	// IdleTimeout kills a process with no activity and no background tasks
	// (default 5m). HangTimeout declares a hang when no output arrives
	// (default 5m, extended while tools run or API calls are in flight).
	IdleTimeout time.Duration
	HangTimeout time.Duration
}

// Timing defaults. Tests shrink these through the Config fields.
const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultHangTimeout  = 5 * time.Minute
	defaultMaxTurns     = 25
	sigkillGrace        = 5 * time.Second
	hangRecheckDelay    = 60 * time.Second
	backgroundCheckTick = 30 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.Binary == "" {
		out.Binary = "claude"
	}
	if out.MaxTurns <= 0 {
		out.MaxTurns = defaultMaxTurns
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.HangTimeout <= 0 {
		out.HangTimeout = defaultHangTimeout
	}
	return out
}

// args builds the CLI argument list for streaming mode.
func (c *Config) args() []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--max-turns", strconv.Itoa(c.MaxTurns),
	}
	switch c.PermissionMode {
	case PermissionSkip:
		args = append(args, "--dangerously-skip-permissions")
	case PermissionAcceptEdits:
		args = append(args, "--permission-mode", "acceptEdits")
	case PermissionPlan:
		args = append(args, "--permission-mode", "plan")
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	switch {
	case c.Resume != "":
		args = append(args, "--resume", c.Resume)
	case c.Continue:
		args = append(args, "--continue")
	}
	if c.MCPConfigPath != "" {
		args = append(args, "--mcp-config", c.MCPConfigPath)
	}
	return args
}

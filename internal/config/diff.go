package config

import "reflect"

// Diff describes the agent-level changes between two snapshots.
type Diff struct {
	Added   []AgentConfig
	Removed []AgentConfig
	Changed []AgentChange
}

// AgentChange pairs the old and new block of one agent.
// TokenChanged forces a full agent restart; any other change replaces the
// block in place and takes effect on the next spawn.
type AgentChange struct {
	Old          AgentConfig
	New          AgentConfig
	TokenChanged bool
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffAgents computes the per-agent diff between two snapshots, keyed by
// agent id.
func DiffAgents(old, new *Config) Diff {
	var d Diff
	oldByID := make(map[string]AgentConfig, len(old.Agents))
	for _, a := range old.Agents {
		oldByID[a.ID] = a
	}
	newByID := make(map[string]AgentConfig, len(new.Agents))
	for _, a := range new.Agents {
		newByID[a.ID] = a
	}

	for _, a := range new.Agents {
		prev, ok := oldByID[a.ID]
		if !ok {
			d.Added = append(d.Added, a)
			continue
		}
		if !reflect.DeepEqual(prev, a) {
			d.Changed = append(d.Changed, AgentChange{
				Old:          prev,
				New:          a,
				TokenChanged: prev.Token != a.Token,
			})
		}
	}
	for _, a := range old.Agents {
		if _, ok := newByID[a.ID]; !ok {
			d.Removed = append(d.Removed, a)
		}
	}
	return d
}

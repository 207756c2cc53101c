// Package bridge multiplexes chat agents against assistant CLI processes.
// Each configured agent gets one pipeline: a bot identity, a message
// batcher, at most one supervised child, and the rendering state for the
// current turn. The bridge also serves as the controller behind the admin
// sockets and the status endpoint.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/config"
	"github.com/tgcc/tgcc/internal/events/bus"
	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/registry"
	"github.com/tgcc/tgcc/internal/telegram"
)

// BotFactory builds the chat client for one agent block.
type BotFactory func(cfg config.AgentConfig) (telegram.Bot, error)

// Bridge owns every agent pipeline of the daemon.
type Bridge struct {
	log      *logger.Logger
	reg      *registry.Registry
	bus      bus.Bus
	botsFor  BotFactory
	state    *stateStore
	mu       sync.Mutex
	snapshot *config.Config
	agents   map[string]*Agent
}

// New builds an empty bridge; Start brings the configured agents up.
func New(cfg *config.Config, reg *registry.Registry, eb bus.Bus,
	botsFor BotFactory, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		log:      log.WithFields(zap.String("component", "bridge")),
		reg:      reg,
		bus:      eb,
		botsFor:  botsFor,
		state:    newStateStore(cfg.Global.StateFile, log),
		snapshot: cfg,
		agents:   make(map[string]*Agent),
	}
}

// Start brings up one pipeline per configured agent. Agents whose bot fails
// to connect are skipped with an error log; the daemon keeps running.
func (b *Bridge) Start() {
	b.mu.Lock()
	snapshot := b.snapshot
	b.mu.Unlock()
	for _, ac := range snapshot.Agents {
		b.startAgent(ac, snapshot)
	}
}

func (b *Bridge) startAgent(ac config.AgentConfig, snapshot *config.Config) {
	bot, err := b.botsFor(ac)
	if err != nil {
		b.log.Error("bot setup failed, skipping agent",
			zap.String("agent_id", ac.ID), zap.Error(err))
		return
	}
	agent := newAgent(ac, snapshot, bot, b.reg, b.bus, b.log)
	agent.state = b.state
	b.mu.Lock()
	b.agents[ac.ID] = agent
	b.mu.Unlock()
	go agent.Run()
	b.log.Info("agent started", zap.String("agent_id", ac.ID))
}

func (b *Bridge) stopAgent(id string) {
	b.mu.Lock()
	agent := b.agents[id]
	delete(b.agents, id)
	b.mu.Unlock()
	if agent != nil {
		agent.Stop()
		b.log.Info("agent stopped", zap.String("agent_id", id))
	}
}

// ApplyConfig reconciles a reloaded snapshot. A token change restarts the
// agent; any other change swaps the block in place and takes effect on the
// next spawn.
func (b *Bridge) ApplyConfig(cfg *config.Config, diff config.Diff) {
	b.mu.Lock()
	b.snapshot = cfg
	b.mu.Unlock()

	for _, ac := range diff.Removed {
		b.stopAgent(ac.ID)
	}
	for _, ch := range diff.Changed {
		if ch.TokenChanged {
			b.stopAgent(ch.New.ID)
			b.startAgent(ch.New, cfg)
			continue
		}
		b.mu.Lock()
		agent := b.agents[ch.New.ID]
		b.mu.Unlock()
		if agent != nil {
			agent.applyConfig(ch.New, cfg)
		}
	}
	for _, ac := range diff.Added {
		b.startAgent(ac, cfg)
	}
}

// Stop shuts every agent pipeline down.
func (b *Bridge) Stop() {
	b.mu.Lock()
	agents := make([]*Agent, 0, len(b.agents))
	for _, agent := range b.agents {
		agents = append(agents, agent)
	}
	b.agents = make(map[string]*Agent)
	b.mu.Unlock()

	var g errgroup.Group
	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			agent.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bridge) agent(id string) (*Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, ok := b.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	return agent, nil
}

// AgentIDs lists the running agents, sorted.
func (b *Bridge) AgentIDs() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SendMessage injects text into an agent's pipeline as if the owning chat
// user had typed it.
func (b *Bridge) SendMessage(ctx context.Context, agentID, text string) error {
	agent, err := b.agent(agentID)
	if err != nil {
		return err
	}
	if agent.currentChat() == 0 {
		return errors.New("agent has no active chat yet")
	}
	agent.deliver(ctx, protocol.NewUserMessage(text))
	return nil
}

// SendToCC writes one raw protocol line to an agent's child.
func (b *Bridge) SendToCC(ctx context.Context, agentID string, line []byte) error {
	agent, err := b.agent(agentID)
	if err != nil {
		return err
	}
	agent.mu.Lock()
	proc := agent.proc
	agent.mu.Unlock()
	if proc == nil {
		return errors.New("no assistant process running")
	}
	return proc.WriteRaw(line)
}

// Status reports one agent's pipeline state.
func (b *Bridge) Status(agentID string) (map[string]any, error) {
	agent, err := b.agent(agentID)
	if err != nil {
		return nil, err
	}
	return agent.status(), nil
}

// KillCC terminates an agent's assistant process.
func (b *Bridge) KillCC(agentID string) error {
	agent, err := b.agent(agentID)
	if err != nil {
		return err
	}
	agent.killProcess()
	return nil
}

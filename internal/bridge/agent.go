package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/accumulator"
	"github.com/tgcc/tgcc/internal/claude"
	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/config"
	"github.com/tgcc/tgcc/internal/events/bus"
	"github.com/tgcc/tgcc/internal/markdown"
	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/registry"
	"github.com/tgcc/tgcc/internal/subagent"
	"github.com/tgcc/tgcc/internal/telegram"
	"github.com/tgcc/tgcc/internal/toolsock"
	"github.com/tgcc/tgcc/internal/tracing"
)

const typingRefresh = 4 * time.Second

// permRequest is one unanswered can_use_tool prompt shown in the chat.
type permRequest struct {
	Tool  string
	Input map[string]any
}

// Agent is one chat-bot-to-assistant pipeline: a bot identity, at most one
// live assistant process, and the per-turn rendering state around it.
type Agent struct {
	id  string
	bot telegram.Bot
	log *logger.Logger

	reg *registry.Registry
	bus bus.Bus

	// state remembers the last session id across daemon restarts. May be nil.
	state *stateStore

	// spawn is swappable so tests can point the child at a stub binary.
	spawn func(claude.Config) *claude.Process

	mu       sync.Mutex
	cfg      config.AgentConfig
	snapshot *config.Config

	chatID int64
	userID int64

	proc    *claude.Process
	acc     *accumulator.Accumulator
	tracker *subagent.Tracker

	// Session-level settings, seeded from per-user config on first contact
	// and mutated by chat commands until the next config reload.
	repoRef  string
	model    string
	permMode string
	seeded   bool

	// repoOverlay holds named repos added via the repo command.
	repoOverlay map[string]string

	pendingSession string
	continueNext   bool

	pendingPerms map[string]permRequest
	allowAll     bool

	apiErrMsgID int

	typingStop chan struct{}

	toolServers map[int64]*toolsock.Server

	batch *batcher

	done chan struct{}
}

func newAgent(cfg config.AgentConfig, snapshot *config.Config, bot telegram.Bot,
	reg *registry.Registry, eb bus.Bus, log *logger.Logger) *Agent {
	if log == nil {
		log = logger.Default()
	}
	a := &Agent{
		id:           cfg.ID,
		bot:          bot,
		log:          log.WithAgentID(cfg.ID),
		reg:          reg,
		bus:          eb,
		spawn:        func(c claude.Config) *claude.Process { return claude.NewProcess(c, log) },
		cfg:          cfg,
		snapshot:     snapshot,
		repoOverlay:  make(map[string]string),
		pendingPerms: make(map[string]permRequest),
		toolServers:  make(map[int64]*toolsock.Server),
		done:         make(chan struct{}),
	}
	a.batch = newBatcher(batchWindow, a.sendText)
	return a
}

// Run consumes bot updates until the bot stops.
func (a *Agent) Run() {
	defer close(a.done)
	ctx := context.Background()
	_ = a.bot.SetCommands(ctx, commandMenu())
	for upd := range a.bot.Updates() {
		switch {
		case upd.Message != nil:
			a.handleMessage(ctx, upd.Message)
		case upd.Callback != nil:
			a.handleCallback(ctx, upd.Callback)
		}
	}
}

func (a *Agent) handleMessage(ctx context.Context, m *telegram.IncomingMessage) {
	if !a.cfg.Allows(m.UserID) {
		a.log.Warn("rejected message from unauthorized user", zap.Int64("user_id", m.UserID))
		_, _ = a.bot.SendMessage(ctx, m.ChatID, "⛔ You are not on this agent's allow-list.", nil)
		return
	}
	a.touchUser(m.ChatID, m.UserID)

	if cmd, arg, ok := parseCommand(m.Text); ok {
		a.handleCommand(ctx, cmd, arg)
		return
	}

	if m.HasMedia() {
		a.sendMedia(ctx, m)
		return
	}
	if strings.TrimSpace(m.Text) != "" {
		a.batch.Add(m.Text)
	}
}

// touchUser records the active chat and seeds session-level settings from the
// per-user config the first time this user talks to the agent.
func (a *Agent) touchUser(chatID, userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chatID = chatID
	a.userID = userID
	if !a.seeded {
		a.repoRef = a.cfg.EffectiveRepo(userID)
		a.model = a.cfg.EffectiveModel(userID)
		a.permMode = a.cfg.EffectivePermissionMode(userID)
		a.seeded = true
	}
}

// sendText is the batcher sink: one merged text message becomes one
// user-message to the assistant.
func (a *Agent) sendText(text string) {
	ctx := context.Background()
	a.deliver(ctx, protocol.NewUserMessage(text))
}

// sendMedia folds any batched text into the same user message so chat order
// is preserved, then delivers immediately.
func (a *Agent) sendMedia(ctx context.Context, m *telegram.IncomingMessage) {
	pending := a.batch.Take()

	switch {
	case len(m.Photo) > 0:
		var blocks []protocol.InputBlock
		if pending != "" {
			blocks = append(blocks, protocol.InputBlock{Type: "text", Text: pending})
		}
		if m.Caption != "" {
			blocks = append(blocks, protocol.InputBlock{Type: "text", Text: m.Caption})
		}
		mime := m.PhotoMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		blocks = append(blocks, protocol.InputBlock{
			Type: "image",
			Source: &protocol.ImageSource{
				Type:      "base64",
				MediaType: mime,
				Data:      base64.StdEncoding.EncodeToString(m.Photo),
			},
		})
		a.deliver(ctx, protocol.NewUserMessageBlocks(blocks))

	case m.Document != nil:
		if pending != "" {
			a.deliver(ctx, protocol.NewUserMessage(pending))
		}
		msg := protocol.NewDocumentMessage(m.Document.Path, m.Document.Name)
		if m.Caption != "" {
			msg = protocol.NewUserMessage(fmt.Sprintf("%s\n\n%s",
				m.Caption, msg.Message.Content))
		}
		a.deliver(ctx, msg)
	}
}

// deliver routes one user message to the assistant, spawning it if needed.
func (a *Agent) deliver(ctx context.Context, msg *protocol.UserMessage) {
	a.mu.Lock()
	chatID := a.chatID
	proc, err := a.ensureProcessLocked(ctx)
	a.mu.Unlock()
	if err != nil {
		a.log.Error("spawn failed", zap.Error(err))
		_, _ = a.bot.SendMessage(ctx, chatID, "⚠️ Could not start the assistant: "+markdown.Escape(err.Error()), nil)
		return
	}
	if err := proc.SendMessage(msg); err != nil {
		a.log.Error("send failed", zap.Error(err))
		_, _ = a.bot.SendMessage(ctx, chatID, "⚠️ The assistant is not running. Try again.", nil)
		return
	}
	a.startTyping(chatID)
}

// resolveRepo maps the current repo reference through the overlay first,
// then the config snapshot.
func (a *Agent) resolveRepoLocked(ref string) (string, error) {
	if path, ok := a.repoOverlay[ref]; ok {
		return path, nil
	}
	return a.snapshot.ResolveRepo(ref)
}

func (a *Agent) ensureProcessLocked(ctx context.Context) (*claude.Process, error) {
	if a.proc != nil {
		return a.proc, nil
	}

	workdir, err := a.resolveRepoLocked(a.repoRef)
	if err != nil {
		return nil, err
	}
	if workdir == "" {
		a.log.Warn("no working directory configured, assistant runs in daemon cwd")
		_, _ = a.bot.SendMessage(ctx, a.chatID,
			"⚠️ No working directory configured. Use /repo to set one.", nil)
	}

	socketPath := ""
	if srv, err := a.ensureToolServerLocked(a.userID); err != nil {
		a.log.Warn("tool socket unavailable", zap.Error(err))
	} else if srv != nil {
		socketPath = srv.Path()
	}

	cfg := claude.Config{
		Binary:         a.snapshot.Global.Binary,
		WorkDir:        workdir,
		Model:          a.model,
		PermissionMode: permissionMode(a.permMode),
		MaxTurns:       a.cfg.MaxTurns,
		MCPConfigPath:  a.cfg.MCPConfig,
		IdleTimeout:    time.Duration(a.cfg.IdleTimeoutSec) * time.Second,
		HangTimeout:    time.Duration(a.cfg.HangTimeoutSec) * time.Second,
		Env: []string{
			"TGCC_AGENT_ID=" + a.id,
			fmt.Sprintf("TGCC_USER_ID=%d", a.userID),
			"TGCC_TOOL_SOCKET=" + socketPath,
		},
	}
	switch {
	case a.pendingSession != "":
		cfg.Resume = a.pendingSession
		a.pendingSession = ""
	case a.continueNext:
		cfg.Continue = true
		a.continueNext = false
	}

	proc := a.spawn(cfg)
	owner := registry.ClientRef{AgentID: a.id, UserID: a.userID, ChatID: a.chatID}
	a.reg.Register(workdir, proc.SessionID(), a.model, proc, owner)

	acc := accumulator.New(a.bot, a.chatID, accumulator.Options{
		Log:               a.log,
		ShowToolIndicator: func(name string) bool { return !subagent.IsSubAgentTool(name) },
		OnError: func(err error) {
			a.log.Warn("chat delivery failed", zap.Error(err))
			a.notify(context.Background(), "⚠️ Some output could not be delivered to the chat.")
		},
	})
	tracker := subagent.NewTracker(a.bot, a.chatID, a.log)
	tracker.SetMailboxDir(filepath.Join(a.snapshot.Global.MediaDir, "mailbox"))
	tracker.OnAllReported(func() {
		a.log.Info("all sub-agents reported, injecting follow-up")
		_ = proc.SendMessage(protocol.NewUserMessage(
			"All background agents have reported their results. Review them and give the user a combined summary."))
	})

	a.proc = proc
	a.acc = acc
	a.tracker = tracker
	go a.pump(proc, acc, tracker, workdir)
	return proc, nil
}

func (a *Agent) ensureToolServerLocked(userID int64) (*toolsock.Server, error) {
	if srv, ok := a.toolServers[userID]; ok {
		return srv, nil
	}
	path := toolsock.SocketPath(a.snapshot.Global.SocketDir, a.id, userID)
	srv := toolsock.NewServer(path, a.bot, a.chatID, a.log)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	a.toolServers[userID] = srv
	return srv, nil
}

func permissionMode(mode string) string {
	switch mode {
	case "", "default":
		return claude.PermissionDefault
	default:
		return mode
	}
}

// pump drains one process's event channel until it closes after exit.
// Captures its collaborators so a respawn cannot cross wires.
func (a *Agent) pump(proc *claude.Process, acc *accumulator.Accumulator,
	tracker *subagent.Tracker, repo string) {
	ctx := context.Background()
	turnCtx, span := tracing.StartTurn(ctx, a.id, proc.SessionID())
	regSession := proc.SessionID()

	for ev := range proc.Events() {
		tracing.AddEvent(span, string(ev.Type))
		switch ev.Type {
		case claude.EventInit:
			newID := ev.Proto.SessionID
			a.reg.Rekey(repo, regSession, newID)
			regSession = newID
			a.state.setLastSession(a.id, newID, repo)
			a.log.WithSessionID(newID).Info("session established",
				zap.String("model", ev.Proto.Model))

		case claude.EventStream:
			a.routeStream(turnCtx, acc, tracker, ev.Proto.Event)

		case claude.EventUser:
			a.routeUser(turnCtx, tracker, ev.Proto)

		case claude.EventToolResult:
			text := (&protocol.ContentBlock{Content: ev.Proto.Content}).ResultText()
			tracker.HandleToolResult(turnCtx, ev.Proto.ToolUseID, text, ev.Proto.ToolUseResultMeta())

		case claude.EventResult:
			a.onResult(turnCtx, acc, tracker, ev.Proto, regSession)

		case claude.EventCompact:
			a.notify(turnCtx, "♻️ Context compacted.")

		case claude.EventTaskStarted, claude.EventTaskProgress, claude.EventTaskCompleted:
			a.log.Debug("background task event",
				zap.String("type", string(ev.Type)),
				zap.String("task_id", ev.Proto.TaskID))

		case claude.EventPermissionRequest:
			a.onPermissionRequest(turnCtx, proc, ev, regSession)

		case claude.EventAPIError:
			a.onAPIError(turnCtx, ev.Proto)

		case claude.EventHang:
			a.stopTyping()
			a.notify(turnCtx, "⚠️ The assistant stopped responding and was terminated.")

		case claude.EventTakeover:
			a.reg.Remove(repo, regSession)
			a.publish(bus.TypeSessionTakeover, regSession, nil)
			a.notify(turnCtx, "⚠️ This session was taken over by another client.")

		case claude.EventExit:
			a.publish(bus.TypeProcessExit, regSession, map[string]any{"exit_code": ev.ExitCode})
			a.cleanupAfterExit(turnCtx, proc, acc, tracker, repo, regSession)

		case claude.EventError:
			a.log.Error("assistant error", zap.Error(ev.Err))
		}
	}
	span.End()
}

// routeStream fans one fine-grained delta to the accumulator and, for
// tool_use blocks, the sub-agent tracker. message_stop is held back so the
// turn is finalized by the result event, with the usage footer attached.
func (a *Agent) routeStream(ctx context.Context, acc *accumulator.Accumulator,
	tracker *subagent.Tracker, se *protocol.StreamEvent) {
	if se == nil {
		return
	}
	switch se.Type {
	case protocol.StreamContentBlockStart:
		if se.ContentBlock != nil && se.ContentBlock.Type == protocol.BlockToolUse {
			tracker.HandleBlockStart(ctx, se.Index, se.ContentBlock)
		}
	case protocol.StreamContentBlockDelta:
		if se.Delta != nil && se.Delta.Type == protocol.DeltaInputJSON {
			tracker.HandleInputDelta(se.Index, se.Delta.PartialJSON)
		}
	case protocol.StreamContentBlockStop:
		tracker.HandleBlockStop(ctx, se.Index)
	case protocol.StreamMessageStop:
		return
	}
	acc.HandleStream(ctx, se)
}

// routeUser inspects replayed user messages for tool results and background
// agent notifications.
func (a *Agent) routeUser(ctx context.Context, tracker *subagent.Tracker, ev *protocol.Event) {
	if ev.Message == nil {
		return
	}
	if text := ev.Message.ContentString(); text != "" {
		tracker.HandleNotificationText(ctx, text)
		return
	}
	for _, block := range ev.Message.ContentBlocks() {
		switch block.Type {
		case "tool_result":
			tracker.HandleToolResult(ctx, block.ToolUseID, block.ResultText(), ev.ToolUseResultMeta())
		case protocol.BlockText:
			tracker.HandleNotificationText(ctx, block.Text)
		}
	}
}

func (a *Agent) onResult(ctx context.Context, acc *accumulator.Accumulator,
	tracker *subagent.Tracker, ev *protocol.Event, session string) {
	u := accumulator.Usage{CostUSD: ev.CostUSD}
	if ev.Usage != nil {
		u.InputTokens = ev.Usage.InputTokens
		u.OutputTokens = ev.Usage.OutputTokens
	}
	acc.SetUsage(u)
	acc.Finalize(ctx)
	a.stopTyping()
	a.clearAPIError()

	a.publish(bus.TypeResult, session, map[string]any{
		"subtype":   ev.Subtype,
		"is_error":  ev.IsError,
		"cost_usd":  ev.CostUSD,
		"num_turns": ev.NumTurns,
	})

	if ev.Subtype == protocol.ResultErrorMaxTurns {
		a.notify(ctx, "⚠️ Turn limit reached. Send another message to keep going.")
	}
	if !tracker.HasDispatched() {
		tracker.Reset()
	}
}

func (a *Agent) onPermissionRequest(ctx context.Context, proc *claude.Process,
	ev claude.Event, session string) {
	a.mu.Lock()
	allowAll := a.allowAll
	if !allowAll {
		a.pendingPerms[ev.RequestID] = permRequest{Tool: ev.ToolName, Input: ev.ToolInput}
	}
	chatID := a.chatID
	a.mu.Unlock()

	if allowAll {
		_ = proc.RespondToPermission(ev.RequestID, true, "")
		return
	}

	a.publish(bus.TypePermissionRequest, session, map[string]any{
		"request_id": ev.RequestID,
		"tool":       ev.ToolName,
	})

	body := fmt.Sprintf("🔐 The assistant wants to run <b>%s</b>", markdown.Escape(ev.ToolName))
	if summary := inputSummary(ev.ToolInput); summary != "" {
		body += "\n<code>" + markdown.Escape(summary) + "</code>"
	}
	keyboard := telegram.SingleRow(
		telegram.InlineButton{Text: "✅ Allow", Data: "perm_allow:" + ev.RequestID},
		telegram.InlineButton{Text: "❌ Deny", Data: "perm_deny:" + ev.RequestID},
		telegram.InlineButton{Text: "🔓 Allow all", Data: "perm_allow_all:" + a.id},
	)
	_, _ = a.bot.SendMessage(ctx, chatID, body, &telegram.SendOptions{ReplyMarkup: keyboard})
}

// inputSummary renders the most telling parameter of a tool input.
func inputSummary(input map[string]any) string {
	for _, key := range []string{"command", "file_path", "path", "url", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return markdown.Truncate(v, 200)
		}
	}
	return ""
}

// onAPIError keeps one status line in the chat, edited in place while the
// CLI retries.
func (a *Agent) onAPIError(ctx context.Context, ev *protocol.Event) {
	var text string
	if ev.Status == 529 || strings.Contains(strings.ToLower(ev.ErrorMessage), "overloaded") {
		text = fmt.Sprintf("⚠️ API overloaded, retrying… (%d/%d)", ev.RetryAttempt, ev.MaxRetries)
	} else {
		text = "⚠️ API error: " + markdown.Escape(ev.ErrorMessage)
	}

	a.mu.Lock()
	msgID := a.apiErrMsgID
	chatID := a.chatID
	a.mu.Unlock()

	if msgID != 0 {
		if err := a.bot.EditMessage(ctx, chatID, msgID, text, nil); err == nil || telegram.IsNotModified(err) {
			return
		}
	}
	id, err := a.bot.SendMessage(ctx, chatID, text, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.apiErrMsgID = id
	a.mu.Unlock()
}

func (a *Agent) clearAPIError() {
	a.mu.Lock()
	a.apiErrMsgID = 0
	a.mu.Unlock()
}

func (a *Agent) cleanupAfterExit(ctx context.Context, proc *claude.Process,
	acc *accumulator.Accumulator, tracker *subagent.Tracker, repo, session string) {
	a.stopTyping()
	if !acc.Finished() {
		acc.Finalize(ctx)
	}
	tracker.Reset()
	a.reg.Remove(repo, session)

	a.mu.Lock()
	if a.proc == proc {
		a.proc = nil
		a.acc = nil
		a.tracker = nil
	}
	a.pendingPerms = make(map[string]permRequest)
	a.apiErrMsgID = 0
	a.mu.Unlock()
}

func (a *Agent) notify(ctx context.Context, text string) {
	a.mu.Lock()
	chatID := a.chatID
	a.mu.Unlock()
	if chatID == 0 {
		return
	}
	if _, err := a.bot.SendMessage(ctx, chatID, text, nil); err != nil {
		a.log.Warn("notify failed", zap.Error(err))
	}
}

func (a *Agent) publish(eventType, session string, payload map[string]any) {
	ev := bus.Event{
		Type:      eventType,
		AgentID:   a.id,
		SessionID: session,
		Payload:   payload,
		Time:      time.Now(),
	}
	if err := a.bus.Publish(context.Background(), ev); err != nil {
		a.log.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (a *Agent) startTyping(chatID int64) {
	a.mu.Lock()
	if a.typingStop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.typingStop = stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		_ = a.bot.SendChatAction(context.Background(), chatID, telegram.ActionTyping)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = a.bot.SendChatAction(context.Background(), chatID, telegram.ActionTyping)
			}
		}
	}()
}

func (a *Agent) stopTyping() {
	a.mu.Lock()
	if a.typingStop != nil {
		close(a.typingStop)
		a.typingStop = nil
	}
	a.mu.Unlock()
}

// killProcess terminates the current assistant, if any.
func (a *Agent) killProcess() {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// Stop shuts the pipeline down: bot first so no new input arrives, then the
// child, then the tool sockets. Waits briefly for the exit to drain.
func (a *Agent) Stop() {
	a.batch.Stop()
	a.bot.Stop()
	a.killProcess()

	select {
	case <-a.done:
	case <-time.After(3 * time.Second):
	}

	a.mu.Lock()
	servers := make([]*toolsock.Server, 0, len(a.toolServers))
	for _, srv := range a.toolServers {
		servers = append(servers, srv)
	}
	a.toolServers = make(map[int64]*toolsock.Server)
	a.mu.Unlock()
	for _, srv := range servers {
		_ = srv.Close()
	}
}

// applyConfig swaps the agent's config block in place. Takes effect on the
// next spawn; the live process is left alone.
func (a *Agent) applyConfig(cfg config.AgentConfig, snapshot *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.snapshot = snapshot
	a.seeded = false
}

// status snapshots the pipeline for the admin socket and HTTP endpoint.
func (a *Agent) status() map[string]any {
	a.mu.Lock()
	proc := a.proc
	st := map[string]any{
		"agent_id": a.id,
		"repo":     a.repoRef,
		"model":    a.model,
		"state":    string(claude.StateIdle),
	}
	a.mu.Unlock()

	if proc != nil {
		info := proc.Info()
		st["state"] = string(info.State)
		st["activity"] = string(info.Activity)
		st["session_id"] = info.SessionID
		st["cost_usd"] = info.CostUSD
		st["pid"] = info.PID
		st["uptime_sec"] = int(info.Uptime.Seconds())
		if info.Model != "" {
			st["model"] = info.Model
		}
	}
	return st
}

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/markdown"
	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/sessions"
	"github.com/tgcc/tgcc/internal/telegram"
)

const helpText = `<b>Commands</b>
/status — process state, session, model, cost
/new — discard the session, start fresh
/continue — resume the current session on the next message
/sessions — browse recent sessions
/resume &lt;id&gt; — resume a specific session
/model [name] — show or switch the model
/repo [name] — show or switch the working directory
/permissions [mode] — permission mode (default, acceptEdits, plan, skip)
/compact [hint] — compact the conversation context
/cancel — interrupt the current turn
/cost — accumulated session cost`

// parseCommand splits "/cmd@bot arg" into its command and argument.
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := text[1:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		cmd, arg = rest[:i], strings.TrimSpace(rest[i+1:])
	} else {
		cmd = rest
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", "", false
	}
	return cmd, arg, true
}

func commandMenu() []telegram.Command {
	return []telegram.Command{
		{Name: "status", Description: "Process state and session info"},
		{Name: "new", Description: "Start a fresh session"},
		{Name: "continue", Description: "Resume the session on next message"},
		{Name: "sessions", Description: "Browse recent sessions"},
		{Name: "model", Description: "Show or switch the model"},
		{Name: "repo", Description: "Show or switch the working directory"},
		{Name: "permissions", Description: "Set the permission mode"},
		{Name: "compact", Description: "Compact the conversation context"},
		{Name: "cancel", Description: "Interrupt the current turn"},
		{Name: "cost", Description: "Accumulated session cost"},
		{Name: "help", Description: "Show all commands"},
	}
}

func (a *Agent) handleCommand(ctx context.Context, cmd, arg string) {
	switch cmd {
	case "start":
		a.cmdStart(ctx)
	case "help":
		a.reply(ctx, helpText)
	case "ping":
		a.reply(ctx, fmt.Sprintf("pong — process is <b>%s</b>", a.processState()))
	case "status":
		a.cmdStatus(ctx)
	case "cost":
		a.cmdCost(ctx)
	case "new":
		a.cmdNew(ctx)
	case "continue":
		a.cmdContinue(ctx)
	case "sessions":
		a.cmdSessions(ctx)
	case "resume":
		a.cmdResume(ctx, arg)
	case "session":
		a.cmdSession(ctx)
	case "model":
		a.cmdModel(ctx, arg)
	case "repo":
		a.cmdRepo(ctx, arg)
	case "cancel":
		a.cmdCancel(ctx)
	case "compact":
		a.cmdCompact(ctx, arg)
	case "catchup":
		a.reply(ctx, "Use /sessions to browse recent sessions and pick one to resume.")
	case "permissions":
		a.cmdPermissions(ctx, arg)
	default:
		a.reply(ctx, "Unknown command. /help lists everything.")
	}
}

func (a *Agent) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if !a.cfg.Allows(cb.UserID) {
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Not allowed")
		return
	}
	a.touchUser(cb.ChatID, cb.UserID)

	action, value, _ := strings.Cut(cb.Data, ":")
	switch action {
	case "resume":
		a.cmdResume(ctx, value)
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Session selected")
	case "repo":
		a.switchRepo(ctx, value)
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Repository switched")
	case "model":
		a.switchModel(ctx, value)
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Model switched")
	case "permissions":
		a.switchPermissions(ctx, value)
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Mode set")
	case "perm_allow":
		a.resolvePermission(ctx, cb, value, true, false)
	case "perm_deny":
		a.resolvePermission(ctx, cb, value, false, false)
	case "perm_allow_all":
		a.resolvePermission(ctx, cb, value, true, true)
	default:
		_ = a.bot.AnswerCallback(ctx, cb.ID, "")
	}
}

func (a *Agent) resolvePermission(ctx context.Context, cb *telegram.CallbackQuery,
	value string, allow, all bool) {
	a.mu.Lock()
	proc := a.proc
	if all {
		a.allowAll = true
	}
	var pending []string
	if all {
		for id := range a.pendingPerms {
			pending = append(pending, id)
		}
		a.pendingPerms = make(map[string]permRequest)
	} else if _, ok := a.pendingPerms[value]; ok {
		pending = append(pending, value)
		delete(a.pendingPerms, value)
	}
	a.mu.Unlock()

	if proc == nil || len(pending) == 0 {
		_ = a.bot.AnswerCallback(ctx, cb.ID, "Nothing pending")
		return
	}
	for _, id := range pending {
		if err := proc.RespondToPermission(id, allow, ""); err != nil {
			a.log.Warn("permission response failed", zap.Error(err))
		}
	}

	verdict := "❌ Denied"
	if allow {
		verdict = "✅ Allowed"
	}
	if all {
		verdict = "🔓 Allowing everything this session"
	}
	_ = a.bot.AnswerCallback(ctx, cb.ID, "")
	_ = a.bot.EditMessage(ctx, cb.ChatID, cb.MessageID, verdict, nil)
}

func (a *Agent) cmdStart(ctx context.Context) {
	_ = a.bot.SetCommands(ctx, commandMenu())
	a.mu.Lock()
	repo, model := a.repoRef, a.model
	a.mu.Unlock()
	if repo == "" {
		repo = "(none)"
	}
	if model == "" {
		model = "(default)"
	}
	a.reply(ctx, fmt.Sprintf(
		"👋 Ready.\nRepository: <b>%s</b>\nModel: <b>%s</b>\nProcess: <b>%s</b>\n\n/help lists all commands.",
		markdown.Escape(repo), markdown.Escape(model), a.processState()))
}

func (a *Agent) processState() string {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return "idle"
	}
	info := proc.Info()
	if info.Activity != "" && info.State == "active" {
		return fmt.Sprintf("%s (%s)", info.State, info.Activity)
	}
	return string(info.State)
}

func (a *Agent) cmdStatus(ctx context.Context) {
	st := a.status()
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\nProcess: %s", markdown.Escape(a.id), st["state"])
	if act, ok := st["activity"]; ok {
		fmt.Fprintf(&b, " (%s)", act)
	}
	if up, ok := st["uptime_sec"].(int); ok && up > 0 {
		fmt.Fprintf(&b, "\nUptime: %ds", up)
	}
	if sid, ok := st["session_id"].(string); ok && sid != "" {
		fmt.Fprintf(&b, "\nSession: <code>%s</code>", markdown.Escape(shortSession(sid)))
	}
	if model, ok := st["model"].(string); ok && model != "" {
		fmt.Fprintf(&b, "\nModel: %s", markdown.Escape(model))
	}
	if repo, ok := st["repo"].(string); ok && repo != "" {
		fmt.Fprintf(&b, "\nRepository: %s", markdown.Escape(repo))
	}
	if cost, ok := st["cost_usd"].(float64); ok && cost > 0 {
		fmt.Fprintf(&b, "\nCost: $%.2f", cost)
	}
	a.reply(ctx, b.String())
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *Agent) cmdCost(ctx context.Context) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		a.reply(ctx, "No running session.")
		return
	}
	a.reply(ctx, fmt.Sprintf("Session cost so far: <b>$%.2f</b>", proc.Info().CostUSD))
}

func (a *Agent) cmdNew(ctx context.Context) {
	a.mu.Lock()
	a.pendingSession = ""
	a.continueNext = false
	a.allowAll = false
	a.mu.Unlock()
	a.killProcess()
	a.reply(ctx, "🆕 Session discarded. Your next message starts fresh.")
}

func (a *Agent) cmdContinue(ctx context.Context) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()

	if proc != nil {
		id := proc.SessionID()
		if !strings.HasPrefix(id, "pending-") {
			a.mu.Lock()
			a.pendingSession = id
			a.mu.Unlock()
			a.killProcess()
			a.reply(ctx, fmt.Sprintf("▶️ Will resume <code>%s</code> on your next message.", markdown.Escape(shortSession(id))))
			return
		}
		a.killProcess()
	}

	// No live session: prefer the persisted last session, else fall back to
	// --continue, which the CLI resolves to the most recent session for the
	// working directory.
	if saved := a.state.lastSession(a.id); saved != "" {
		a.mu.Lock()
		a.pendingSession = saved
		a.continueNext = false
		a.mu.Unlock()
		a.reply(ctx, fmt.Sprintf("▶️ Will resume <code>%s</code> on your next message.", markdown.Escape(shortSession(saved))))
		return
	}
	a.mu.Lock()
	a.continueNext = true
	a.pendingSession = ""
	a.mu.Unlock()
	a.reply(ctx, "▶️ Will continue the most recent session on your next message.")
}

func (a *Agent) cmdSessions(ctx context.Context) {
	a.mu.Lock()
	workdir, err := a.resolveRepoLocked(a.repoRef)
	a.mu.Unlock()
	if err != nil || workdir == "" {
		a.reply(ctx, "No working directory configured, nothing to discover.")
		return
	}

	found, err := sessions.Discover(sessions.DefaultRoot(), workdir)
	if err != nil || len(found) == 0 {
		a.reply(ctx, "No recorded sessions for this repository.")
		return
	}

	var b strings.Builder
	b.WriteString("<b>Recent sessions</b>")
	keyboard := &telegram.InlineKeyboard{}
	for i, s := range found {
		title := s.Title
		if title == "" {
			title = shortSession(s.ID)
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, markdown.Escape(title))
		if s.Model != "" {
			fmt.Fprintf(&b, " — %s", markdown.Escape(s.Model))
		}
		if s.ContextPct > 0 {
			fmt.Fprintf(&b, " (%d%% ctx)", s.ContextPct)
		}
		keyboard.Rows = append(keyboard.Rows, []telegram.InlineButton{{
			Text: fmt.Sprintf("%d. %s", i+1, markdown.Truncate(title, 32)),
			Data: "resume:" + s.ID,
		}})
	}
	a.mu.Lock()
	chatID := a.chatID
	a.mu.Unlock()
	_, _ = a.bot.SendMessage(ctx, chatID, b.String(), &telegram.SendOptions{ReplyMarkup: keyboard})
}

func (a *Agent) cmdResume(ctx context.Context, id string) {
	if id == "" {
		a.reply(ctx, "Usage: /resume &lt;session-id&gt;")
		return
	}
	a.mu.Lock()
	a.pendingSession = id
	a.continueNext = false
	a.mu.Unlock()
	a.killProcess()
	a.reply(ctx, fmt.Sprintf("▶️ Will resume <code>%s</code> on your next message.", markdown.Escape(shortSession(id))))
}

func (a *Agent) cmdSession(ctx context.Context) {
	a.mu.Lock()
	proc := a.proc
	pending := a.pendingSession
	a.mu.Unlock()

	switch {
	case proc != nil:
		info := proc.Info()
		a.reply(ctx, fmt.Sprintf("Session <code>%s</code>, model %s, $%.2f so far.",
			markdown.Escape(info.SessionID), markdown.Escape(orDefault(info.Model)), info.CostUSD))
	case pending != "":
		a.reply(ctx, fmt.Sprintf("No process running. <code>%s</code> resumes on your next message.",
			markdown.Escape(shortSession(pending))))
	default:
		a.reply(ctx, "No session. Your next message starts a new one.")
	}
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

var modelChoices = []string{"default", "sonnet", "opus", "haiku"}

func (a *Agent) cmdModel(ctx context.Context, arg string) {
	if arg == "" {
		a.mu.Lock()
		current := orDefault(a.model)
		a.mu.Unlock()
		var row []telegram.InlineButton
		for _, m := range modelChoices {
			row = append(row, telegram.InlineButton{Text: m, Data: "model:" + m})
		}
		_, _ = a.bot.SendMessage(ctx, a.currentChat(),
			fmt.Sprintf("Current model: <b>%s</b>. Pick one:", markdown.Escape(current)),
			&telegram.SendOptions{ReplyMarkup: &telegram.InlineKeyboard{Rows: [][]telegram.InlineButton{row}}})
		return
	}
	a.switchModel(ctx, arg)
}

func (a *Agent) switchModel(ctx context.Context, name string) {
	if name == "default" {
		name = ""
	}
	a.mu.Lock()
	a.model = name
	a.mu.Unlock()
	a.killProcess()
	a.reply(ctx, fmt.Sprintf("Model set to <b>%s</b>. Takes effect on your next message.",
		markdown.Escape(orDefault(name))))
}

func (a *Agent) cmdRepo(ctx context.Context, arg string) {
	sub, rest, _ := strings.Cut(arg, " ")
	switch sub {
	case "", "list":
		a.listRepos(ctx)
	case "add":
		name, path, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || !strings.HasPrefix(path, "/") {
			a.reply(ctx, "Usage: /repo add &lt;name&gt; &lt;absolute-path&gt;")
			return
		}
		a.mu.Lock()
		a.repoOverlay[name] = path
		a.mu.Unlock()
		a.reply(ctx, fmt.Sprintf("Added <b>%s</b> → <code>%s</code>.", markdown.Escape(name), markdown.Escape(path)))
	case "remove":
		name := strings.TrimSpace(rest)
		a.mu.Lock()
		delete(a.repoOverlay, name)
		a.mu.Unlock()
		a.reply(ctx, fmt.Sprintf("Removed <b>%s</b>.", markdown.Escape(name)))
	case "assign":
		a.switchRepo(ctx, strings.TrimSpace(rest))
	case "clear":
		a.switchRepo(ctx, "")
	default:
		// A bare name or path switches directly.
		a.switchRepo(ctx, arg)
	}
}

func (a *Agent) listRepos(ctx context.Context) {
	a.mu.Lock()
	names := make(map[string]string)
	for name, path := range a.snapshot.Repos {
		names[name] = path
	}
	for name, path := range a.repoOverlay {
		names[name] = path
	}
	current := a.repoRef
	a.mu.Unlock()

	if len(names) == 0 {
		a.reply(ctx, "No named repositories. /repo add &lt;name&gt; &lt;path&gt;, or /repo &lt;absolute-path&gt;.")
		return
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("<b>Repositories</b>")
	keyboard := &telegram.InlineKeyboard{}
	for _, name := range sorted {
		marker := ""
		if name == current {
			marker = " ← current"
		}
		fmt.Fprintf(&b, "\n• <b>%s</b> <code>%s</code>%s",
			markdown.Escape(name), markdown.Escape(names[name]), marker)
		keyboard.Rows = append(keyboard.Rows, []telegram.InlineButton{{Text: name, Data: "repo:" + name}})
	}
	_, _ = a.bot.SendMessage(ctx, a.currentChat(), b.String(), &telegram.SendOptions{ReplyMarkup: keyboard})
}

func (a *Agent) switchRepo(ctx context.Context, ref string) {
	a.mu.Lock()
	_, err := a.resolveRepoLocked(ref)
	if err != nil {
		a.mu.Unlock()
		a.reply(ctx, "Unknown repository. /repo list shows what is configured.")
		return
	}
	a.repoRef = ref
	a.pendingSession = ""
	a.continueNext = false
	a.mu.Unlock()
	a.killProcess()
	label := ref
	if label == "" {
		label = "(none)"
	}
	a.reply(ctx, fmt.Sprintf("Repository set to <b>%s</b>. Next message starts there.", markdown.Escape(label)))
}

func (a *Agent) cmdCancel(ctx context.Context) {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		a.reply(ctx, "Nothing to cancel.")
		return
	}
	if err := proc.Interrupt(); err != nil {
		a.reply(ctx, "Nothing to cancel.")
		return
	}
	a.stopTyping()
	a.reply(ctx, "🛑 Cancelled.")
}

func (a *Agent) cmdCompact(ctx context.Context, hint string) {
	text := "/compact"
	if hint != "" {
		text += " " + hint
	}
	a.deliver(ctx, protocol.NewUserMessage(text))
	a.reply(ctx, "♻️ Compacting…")
}

var permissionChoices = []string{"default", "acceptEdits", "plan", "skip"}

func (a *Agent) cmdPermissions(ctx context.Context, arg string) {
	if arg == "" {
		a.mu.Lock()
		current := a.permMode
		a.mu.Unlock()
		if current == "" {
			current = "default"
		}
		var row []telegram.InlineButton
		for _, m := range permissionChoices {
			row = append(row, telegram.InlineButton{Text: m, Data: "permissions:" + m})
		}
		_, _ = a.bot.SendMessage(ctx, a.currentChat(),
			fmt.Sprintf("Current mode: <b>%s</b>. Pick one:", markdown.Escape(current)),
			&telegram.SendOptions{ReplyMarkup: &telegram.InlineKeyboard{Rows: [][]telegram.InlineButton{row}}})
		return
	}
	a.switchPermissions(ctx, arg)
}

func (a *Agent) switchPermissions(ctx context.Context, mode string) {
	switch mode {
	case "default", "acceptEdits", "plan", "skip":
	default:
		a.reply(ctx, "Unknown mode. One of: default, acceptEdits, plan, skip.")
		return
	}
	a.mu.Lock()
	a.permMode = mode
	a.mu.Unlock()
	a.killProcess()
	a.reply(ctx, fmt.Sprintf("Permission mode set to <b>%s</b>. Takes effect on your next message.",
		markdown.Escape(mode)))
}

func (a *Agent) currentChat() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

func (a *Agent) reply(ctx context.Context, html string) {
	chatID := a.currentChat()
	if chatID == 0 {
		return
	}
	if _, err := a.bot.SendMessage(ctx, chatID, html, nil); err != nil {
		a.log.Warn("reply failed", zap.Error(err))
	}
}

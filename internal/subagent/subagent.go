// Package subagent tracks the sub-agents the assistant dispatches during a
// turn, each with its own chat message that follows the sub-agent's
// lifecycle independently of the main assistant message. Results arrive by
// three best-effort paths (inline tool result, notification XML, mailbox
// file); every terminal transition is guarded so a late duplicate is a no-op.
package subagent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/markdown"
	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/telegram"
)

// Status of one tracked sub-agent.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	elapsedRefresh   = 15 * time.Second
	reportedDebounce = 500 * time.Millisecond
	resultLimit      = 3500
)

var (
	spawnConfirmRe = regexp.MustCompile(`agent_id:\s*([\w.-]+)@[\w.-]+|spawned successfully`)
	asyncLaunchRe  = regexp.MustCompile(`async_launched|"status"\s*:\s*"[^"]*async`)
	outputFileRe   = regexp.MustCompile(`"?outputFile"?\s*[:=]\s*"?([^",\s}]+)`)
	notificationRe = regexp.MustCompile(`(?s)<background_agent_notification>(.*?)</background_agent_notification>`)
)

// IsSubAgentTool reports whether a tool_use block dispatches a sub-agent.
func IsSubAgentTool(name string) bool {
	if name == protocol.ToolDispatch {
		return true
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "agent") || strings.Contains(lower, "dispatch")
}

type record struct {
	toolUseID string
	label     string
	agentName string
	input     strings.Builder
	status    Status
	msgID     int

	dispatchedAt time.Time
	elapsedTimer *time.Timer
	outputFile   string
}

// Tracker owns the sub-agent records of the current turn.
type Tracker struct {
	bot    telegram.Bot
	chatID int64
	log    *logger.Logger

	mu          sync.Mutex
	byID        map[string]*record
	byIndex     map[int]string
	teamName    string
	mailboxBase string

	onAllReported func()
	reportedTimer *time.Timer
	reportedFired bool

	mailbox *mailboxWatcher
}

// NewTracker builds a tracker for one chat thread.
func NewTracker(bot telegram.Bot, chatID int64, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		bot:     bot,
		chatID:  chatID,
		log:     log.WithFields(zap.String("component", "subagent"), zap.Int64("chat_id", chatID)),
		byID:    make(map[string]*record),
		byIndex: make(map[int]string),
	}
}

// OnAllReported registers a callback fired once per turn when every tracked
// sub-agent has left the dispatched state. Debounced to absorb clustered
// notifications.
func (t *Tracker) OnAllReported(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAllReported = fn
}

// HasDispatched reports whether any sub-agent is still awaited.
func (t *Tracker) HasDispatched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatchedCountLocked() > 0
}

// Tracked reports whether any sub-agents were seen this turn.
func (t *Tracker) Tracked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID) > 0
}

func (t *Tracker) dispatchedCountLocked() int {
	n := 0
	for _, r := range t.byID {
		if r.status == StatusStarting || r.status == StatusDispatched {
			n++
		}
	}
	return n
}

// HandleBlockStart registers a sub-agent launch for a tool_use block whose
// name matches the sub-agent pattern. Returns true when the block is claimed.
func (t *Tracker) HandleBlockStart(ctx context.Context, index int, block *protocol.ContentBlock) bool {
	if block == nil || block.Type != protocol.BlockToolUse || !IsSubAgentTool(block.Name) {
		return false
	}
	msgID, err := t.bot.SendMessage(ctx, t.chatID, "🤖 Starting sub-agent…", nil)
	if err != nil {
		t.log.Warn("sub-agent message send failed", zap.Error(err))
	}

	t.mu.Lock()
	r := &record{toolUseID: block.ID, status: StatusStarting, msgID: msgID}
	t.byID[block.ID] = r
	t.byIndex[index] = block.ID
	t.mu.Unlock()
	return true
}

// HandleInputDelta accumulates partial tool-input JSON for a tracked block
// and refines the label and team name as fields complete.
func (t *Tracker) HandleInputDelta(index int, partial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byIndex[index]
	if !ok {
		return
	}
	r := t.byID[id]
	r.input.WriteString(partial)
	if label := extractLabel(r.input.String()); label != "" {
		r.label = label
	}
	if t.teamName == "" {
		if team := extractField(r.input.String(), "team_name"); team != "" {
			t.teamName = team
		}
	}
}

// HandleBlockStop marks a tracked block dispatched and starts the elapsed
// refresh for its chat message.
func (t *Tracker) HandleBlockStop(ctx context.Context, index int) {
	t.mu.Lock()
	id, ok := t.byIndex[index]
	if !ok {
		t.mu.Unlock()
		return
	}
	r := t.byID[id]
	r.status = StatusDispatched
	r.dispatchedAt = time.Now()
	t.startElapsedLocked(r)
	label := r.displayLabel()
	msgID := r.msgID
	t.mu.Unlock()

	t.edit(ctx, msgID, fmt.Sprintf("🤖 %s — Working…", markdown.Escape(label)))
	t.maybeStartMailbox()
}

func (t *Tracker) startElapsedLocked(r *record) {
	if r.elapsedTimer != nil {
		r.elapsedTimer.Stop()
	}
	r.elapsedTimer = time.AfterFunc(elapsedRefresh, func() { t.refreshElapsed(r.toolUseID) })
}

func (t *Tracker) refreshElapsed(toolUseID string) {
	t.mu.Lock()
	r, ok := t.byID[toolUseID]
	if !ok || r.status != StatusDispatched {
		t.mu.Unlock()
		return
	}
	secs := int(time.Since(r.dispatchedAt).Seconds())
	label := r.displayLabel()
	msgID := r.msgID
	t.startElapsedLocked(r)
	t.mu.Unlock()

	t.edit(context.Background(), msgID, fmt.Sprintf("🤖 %s — Working… (%ds)", markdown.Escape(label), secs))
}

// HandleToolResult reconciles an inline result for a tracked tool-use id.
// Spawn confirmations and auto-backgrounded launches keep the record
// dispatched; anything else completes it.
func (t *Tracker) HandleToolResult(ctx context.Context, toolUseID, resultText string, meta *protocol.ToolUseResultMeta) {
	t.mu.Lock()
	r, ok := t.byID[toolUseID]
	if !ok || r.status != StatusDispatched && r.status != StatusStarting {
		t.mu.Unlock()
		return
	}

	async := asyncLaunchRe.MatchString(resultText) ||
		(meta != nil && strings.Contains(meta.Status, "async"))
	spawn := spawnConfirmRe.MatchString(resultText)

	if spawn || async {
		if m := spawnConfirmRe.FindStringSubmatch(resultText); len(m) > 1 && m[1] != "" {
			r.agentName = m[1]
		}
		if meta != nil {
			if meta.AgentName != "" {
				r.agentName = meta.AgentName
			}
			if meta.OutputFile != "" {
				r.outputFile = meta.OutputFile
			}
			if t.teamName == "" && meta.TeamName != "" {
				t.teamName = meta.TeamName
			}
		}
		if m := outputFileRe.FindStringSubmatch(resultText); len(m) > 1 {
			r.outputFile = m[1]
		}
		r.status = StatusDispatched
		if r.dispatchedAt.IsZero() {
			r.dispatchedAt = time.Now()
			t.startElapsedLocked(r)
		}
		label := r.displayLabel()
		msgID := r.msgID
		t.mu.Unlock()

		state := "Spawned"
		if async {
			state = "Auto-backgrounded"
		}
		t.edit(ctx, msgID, fmt.Sprintf("🤖 %s — %s, waiting for results…", markdown.Escape(label), state))
		t.maybeStartMailbox()
		return
	}

	t.completeLocked(ctx, r, StatusCompleted, resultText)
}

// HandleNotificationText scans an incoming user message for background agent
// notification XML and reconciles each entry. Returns the number applied.
func (t *Tracker) HandleNotificationText(ctx context.Context, text string) int {
	matches := notificationRe.FindAllStringSubmatch(text, -1)
	applied := 0
	for _, m := range matches {
		n := parseNotification(m[1])
		if t.applyNotification(ctx, n) {
			applied++
		}
	}
	return applied
}

type notification struct {
	parentToolUseID string
	status          string
	agentName       string
	result          string
}

var notifFieldRe = regexp.MustCompile(`(?s)<(parent_tool_use_id|status|agent_name|result)>(.*?)</`)

func parseNotification(inner string) notification {
	var n notification
	for _, m := range notifFieldRe.FindAllStringSubmatch(inner, -1) {
		val := strings.TrimSpace(m[2])
		switch m[1] {
		case "parent_tool_use_id":
			n.parentToolUseID = val
		case "status":
			n.status = val
		case "agent_name":
			n.agentName = val
		case "result":
			n.result = val
		}
	}
	return n
}

func (t *Tracker) applyNotification(ctx context.Context, n notification) bool {
	t.mu.Lock()
	r := t.matchLocked(n)
	if r == nil || r.status != StatusDispatched {
		t.mu.Unlock()
		return false
	}
	final := StatusCompleted
	if strings.EqualFold(n.status, "failed") || strings.EqualFold(n.status, "error") {
		final = StatusFailed
	}
	t.completeLocked(ctx, r, final, n.result)
	return true
}

// matchLocked finds the record a notification refers to: exact tool-use id,
// then agent name, then fuzzy label containment.
func (t *Tracker) matchLocked(n notification) *record {
	if n.parentToolUseID != "" {
		if r, ok := t.byID[n.parentToolUseID]; ok {
			return r
		}
	}
	if n.agentName != "" {
		for _, r := range t.byID {
			if r.agentName == n.agentName {
				return r
			}
		}
		lower := strings.ToLower(n.agentName)
		for _, r := range t.byID {
			if r.label != "" && (strings.Contains(strings.ToLower(r.label), lower) ||
				strings.Contains(lower, strings.ToLower(r.label))) {
				return r
			}
		}
	}
	return nil
}

// completeLocked applies a terminal transition. The caller holds t.mu; the
// lock is released before the chat edit.
func (t *Tracker) completeLocked(ctx context.Context, r *record, final Status, resultText string) {
	r.status = final
	if r.elapsedTimer != nil {
		r.elapsedTimer.Stop()
		r.elapsedTimer = nil
	}
	label := r.displayLabel()
	msgID := r.msgID
	allDone := t.dispatchedCountLocked() == 0
	t.mu.Unlock()

	header := "✅"
	if final == StatusFailed {
		header = "❌"
	}
	body := fmt.Sprintf("%s 🤖 %s", header, markdown.Escape(label))
	if resultText != "" {
		truncated := markdown.Escape(markdown.Truncate(resultText, resultLimit))
		body += "\n" + markdown.ExpandableQuote(truncated)
	}
	t.edit(ctx, msgID, body)

	if allDone {
		t.scheduleAllReported()
	}
}

func (t *Tracker) scheduleAllReported() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reportedFired || t.onAllReported == nil {
		return
	}
	if t.reportedTimer != nil {
		t.reportedTimer.Stop()
	}
	t.reportedTimer = time.AfterFunc(reportedDebounce, func() {
		t.mu.Lock()
		if t.reportedFired || t.dispatchedCountLocked() > 0 {
			t.mu.Unlock()
			return
		}
		t.reportedFired = true
		fn := t.onAllReported
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (t *Tracker) edit(ctx context.Context, msgID int, html string) {
	if msgID == 0 {
		return
	}
	if err := t.bot.EditMessage(ctx, t.chatID, msgID, html, nil); err != nil && !telegram.IsNotModified(err) {
		t.log.Warn("sub-agent message edit failed", zap.Error(err))
	}
}

// Reset clears all records, timers and the mailbox watcher. Safe to call on
// process exit and on turn boundaries without dispatched sub-agents.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for _, r := range t.byID {
		if r.elapsedTimer != nil {
			r.elapsedTimer.Stop()
		}
	}
	if t.reportedTimer != nil {
		t.reportedTimer.Stop()
		t.reportedTimer = nil
	}
	t.byID = make(map[string]*record)
	t.byIndex = make(map[int]string)
	t.teamName = ""
	t.reportedFired = false
	mb := t.mailbox
	t.mailbox = nil
	t.mu.Unlock()

	if mb != nil {
		mb.stop()
	}
}

func (r *record) displayLabel() string {
	if r.label != "" {
		return r.label
	}
	if r.agentName != "" {
		return r.agentName
	}
	return "sub-agent"
}

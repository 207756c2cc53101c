// Package accumulator folds the assistant's fine-grained delta stream into
// at most one chat message per turn, edited in place with bounded frequency
// and split into follow-up messages past a size threshold.
package accumulator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/markdown"
	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/telegram"
)

const (
	defaultEditInterval   = time.Second
	defaultMaxInterval    = 5 * time.Second
	defaultSplitThreshold = 4000
	thinkingLimit         = 1024
	resultLimit           = 3500
)

// Options tune one accumulator. Zero values take the defaults above.
type Options struct {
	EditInterval    time.Duration
	MaxEditInterval time.Duration
	SplitThreshold  int

	Log *logger.Logger

	// OnError receives chat-surface failures that were not recovered
	// in-band (rate limits and not-modified errors never reach it).
	OnError func(error)

	// ShowToolIndicator filters which tool_use blocks render a
	// "Using <name>…" line. Nil shows all.
	ShowToolIndicator func(toolName string) bool
}

// Usage is the turn summary attached to the final edit.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64 // 0 omits the cost segment
}

// Accumulator renders one turn of streamed output to one chat thread.
type Accumulator struct {
	bot    telegram.Bot
	chatID int64
	log    *logger.Logger
	opts   Options

	// callMu serializes chat API calls: the first flush owns message
	// creation, concurrent flushes become edits of the created id.
	callMu sync.Mutex

	mu         sync.Mutex
	msgID      int
	allMsgIDs  []int
	text       string
	thinking   string
	imageBuf   strings.Builder
	blockKinds map[int]string
	toolNames  []string
	usage      *Usage

	lastEditAt   time.Time
	editTimer    *time.Timer
	editInterval time.Duration

	thinkingShown bool
	finished      bool
}

// New builds an accumulator for one chat thread.
func New(bot telegram.Bot, chatID int64, opts Options) *Accumulator {
	if opts.EditInterval <= 0 {
		opts.EditInterval = defaultEditInterval
	}
	if opts.MaxEditInterval <= 0 {
		opts.MaxEditInterval = defaultMaxInterval
	}
	if opts.SplitThreshold <= 0 {
		opts.SplitThreshold = defaultSplitThreshold
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Accumulator{
		bot:          bot,
		chatID:       chatID,
		log:          opts.Log.WithFields(zap.String("component", "accumulator"), zap.Int64("chat_id", chatID)),
		opts:         opts,
		blockKinds:   make(map[int]string),
		editInterval: opts.EditInterval,
	}
}

// MessageID returns the current chat message id, 0 before the first send.
func (a *Accumulator) MessageID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgID
}

// AllMessageIDs returns every chat message id produced this turn.
func (a *Accumulator) AllMessageIDs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.allMsgIDs))
	copy(out, a.allMsgIDs)
	return out
}

// Finished reports whether the turn has been finalized.
func (a *Accumulator) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// SetUsage attaches the turn usage rendered in the finalization footer.
func (a *Accumulator) SetUsage(u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage = &u
}

// SoftReset clears buffers and timers but keeps the chat message id, so the
// next turn's first edit overwrites the existing message.
func (a *Accumulator) SoftReset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
}

// Reset clears everything including the chat message id; the next turn
// starts a fresh message.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
	a.msgID = 0
	a.allMsgIDs = nil
}

func (a *Accumulator) clearLocked() {
	a.text = ""
	a.thinking = ""
	a.imageBuf.Reset()
	a.blockKinds = make(map[int]string)
	a.toolNames = nil
	a.usage = nil
	a.thinkingShown = false
	a.finished = false
	a.editInterval = a.opts.EditInterval
	a.lastEditAt = time.Time{}
	if a.editTimer != nil {
		a.editTimer.Stop()
		a.editTimer = nil
	}
}

// HandleStream folds one fine-grained stream event.
func (a *Accumulator) HandleStream(ctx context.Context, se *protocol.StreamEvent) {
	if se == nil {
		return
	}
	switch se.Type {
	case protocol.StreamMessageStart:
		a.SoftReset()

	case protocol.StreamContentBlockStart:
		a.handleBlockStart(ctx, se)

	case protocol.StreamContentBlockDelta:
		a.handleDelta(ctx, se)

	case protocol.StreamContentBlockStop:
		a.handleBlockStop(ctx, se)

	case protocol.StreamMessageStop:
		a.Finalize(ctx)
	}
}

func (a *Accumulator) handleBlockStart(ctx context.Context, se *protocol.StreamEvent) {
	if se.ContentBlock == nil {
		return
	}
	a.mu.Lock()
	kind := se.ContentBlock.Type
	a.blockKinds[se.Index] = kind

	switch kind {
	case protocol.BlockThinking:
		if a.text == "" && !a.thinkingShown {
			a.thinkingShown = true
			a.mu.Unlock()
			a.flush(ctx)
			return
		}

	case protocol.BlockText:
		// Narrative resumed; tool indicators belong to the past.
		a.toolNames = nil

	case protocol.BlockToolUse:
		name := se.ContentBlock.Name
		if a.opts.ShowToolIndicator == nil || a.opts.ShowToolIndicator(name) {
			a.toolNames = append(a.toolNames, name)
			a.mu.Unlock()
			a.flush(ctx)
			return
		}

	case protocol.BlockImage:
		a.imageBuf.Reset()
	}
	a.mu.Unlock()
}

func (a *Accumulator) handleDelta(ctx context.Context, se *protocol.StreamEvent) {
	if se.Delta == nil {
		return
	}
	switch se.Delta.Type {
	case protocol.DeltaText:
		if se.Delta.Text == "" {
			return
		}
		a.mu.Lock()
		a.text += se.Delta.Text
		a.mu.Unlock()
		a.scheduleEdit(ctx)

	case protocol.DeltaThinking:
		if se.Delta.Thinking == "" {
			return
		}
		a.mu.Lock()
		a.thinking += se.Delta.Thinking
		a.mu.Unlock()

	case protocol.DeltaImage:
		a.mu.Lock()
		a.imageBuf.WriteString(se.Delta.Data)
		a.mu.Unlock()
	}
}

func (a *Accumulator) handleBlockStop(ctx context.Context, se *protocol.StreamEvent) {
	a.mu.Lock()
	kind := a.blockKinds[se.Index]
	delete(a.blockKinds, se.Index)
	if kind != protocol.BlockImage {
		a.mu.Unlock()
		return
	}
	data := a.imageBuf.String()
	a.imageBuf.Reset()
	a.mu.Unlock()

	if data == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		a.log.Warn("image block decode failed", zap.Error(err))
		a.mu.Lock()
		a.text += "\n[image could not be sent]"
		a.mu.Unlock()
		a.scheduleEdit(ctx)
		return
	}
	if _, err := a.bot.SendPhoto(ctx, a.chatID, raw, ""); err != nil {
		a.log.Warn("photo send failed", zap.Error(err))
		a.mu.Lock()
		a.text += "\n[image could not be sent]"
		a.mu.Unlock()
		a.scheduleEdit(ctx)
	}
}

// scheduleEdit applies the throttle: edit now when the interval has passed,
// otherwise arm a single deferred edit at the deadline.
func (a *Accumulator) scheduleEdit(ctx context.Context) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	elapsed := time.Since(a.lastEditAt)
	if elapsed >= a.editInterval {
		a.mu.Unlock()
		a.flush(ctx)
		return
	}
	if a.editTimer == nil {
		wait := a.editInterval - elapsed
		a.editTimer = time.AfterFunc(wait, func() {
			a.mu.Lock()
			a.editTimer = nil
			done := a.finished
			a.mu.Unlock()
			if !done {
				a.flush(context.Background())
			}
		})
	}
	a.mu.Unlock()
}

// flush renders the buffers and applies exactly one send-or-edit, splitting
// first when the text has outgrown the threshold.
func (a *Accumulator) flush(ctx context.Context) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	if a.needsSplitLocked() {
		a.splitLocked(ctx)
	}
	display := a.composeLocked()
	a.mu.Unlock()

	if display == "" {
		return
	}
	a.apply(ctx, display)
}

// needsSplitLocked reports whether the buffer has outgrown the threshold.
// The rendered form is checked too: HTML escaping can push a buffer past
// the chat limit before the raw text reaches it.
func (a *Accumulator) needsSplitLocked() bool {
	return len(a.text) > a.opts.SplitThreshold ||
		len(markdown.Render(a.text)) > a.opts.SplitThreshold
}

// splitLocked flushes full chunks as closed-out messages, leaving the tail
// in the buffer. Called with a.mu held, inside the call lock.
func (a *Accumulator) splitLocked(ctx context.Context) {
	snapshot := a.text
	limit := a.opts.SplitThreshold
	if rendered := len(markdown.Render(snapshot)); rendered > len(snapshot) {
		// Escaping expanded the text; shrink the raw budget in proportion
		// so no rendered chunk outgrows the chat limit.
		limit = limit * len(snapshot) / rendered
		if limit < 1 {
			limit = 1
		}
	}
	chunks := markdown.SplitText(snapshot, limit)
	for _, chunk := range chunks[:len(chunks)-1] {
		rendered := markdown.Render(chunk)
		a.mu.Unlock()
		a.apply(ctx, rendered)
		a.mu.Lock()
		// The chunk is final; further output goes to a fresh message.
		a.msgID = 0
	}
	// Deltas can land while the lock is released around each chat call.
	// Replace only the flushed snapshot so nothing appended since is lost.
	tail := chunks[len(chunks)-1]
	if rest, ok := strings.CutPrefix(a.text, snapshot); ok {
		a.text = tail + rest
	}
}

// composeLocked renders the current display text.
func (a *Accumulator) composeLocked() string {
	if a.text == "" && a.thinkingShown && len(a.toolNames) == 0 {
		return markdown.ExpandableQuote("💭 Thinking…")
	}
	display := markdown.Render(a.text)
	for _, name := range a.toolNames {
		if display != "" {
			display += "\n\n"
		}
		display += "<i>Using " + markdown.Escape(name) + "…</i>"
	}
	return display
}

// apply performs one chat call, retrying on rate limits with the advertised
// delay and a doubled edit interval.
func (a *Accumulator) apply(ctx context.Context, display string) {
	for {
		a.mu.Lock()
		msgID := a.msgID
		a.mu.Unlock()

		var err error
		var newID int
		if msgID == 0 {
			newID, err = a.bot.SendMessage(ctx, a.chatID, display, nil)
		} else {
			err = a.bot.EditMessage(ctx, a.chatID, msgID, display, nil)
		}

		if err == nil {
			a.mu.Lock()
			if msgID == 0 {
				a.msgID = newID
				a.allMsgIDs = append(a.allMsgIDs, newID)
			}
			a.lastEditAt = time.Now()
			a.mu.Unlock()
			return
		}
		if telegram.IsNotModified(err) {
			a.mu.Lock()
			a.lastEditAt = time.Now()
			a.mu.Unlock()
			return
		}
		if retry, ok := telegram.RetryAfter(err); ok {
			a.mu.Lock()
			a.editInterval *= 2
			if a.editInterval > a.opts.MaxEditInterval {
				a.editInterval = a.opts.MaxEditInterval
			}
			a.mu.Unlock()
			a.log.Warn("chat rate limit, backing off",
				zap.Int("retry_after_s", retry))
			select {
			case <-time.After(time.Duration(retry) * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		a.log.Error("chat call failed", zap.Error(err))
		if a.opts.OnError != nil {
			a.opts.OnError(err)
		}
		return
	}
}

// Finalize cancels pending edits and applies the closing edit: thinking
// blockquote, rendered body, usage footer. Idempotent.
func (a *Accumulator) Finalize(ctx context.Context) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	if a.editTimer != nil {
		a.editTimer.Stop()
		a.editTimer = nil
	}
	if a.needsSplitLocked() {
		a.splitLocked(ctx)
	}

	var parts []string
	if a.thinking != "" {
		quoted := markdown.Escape(markdown.Truncate(a.thinking, thinkingLimit))
		parts = append(parts, markdown.ExpandableQuote(quoted))
	}
	if body := markdown.Render(a.text); body != "" {
		parts = append(parts, body)
	}
	if footer := usageFooter(a.usage); footer != "" {
		parts = append(parts, footer)
	}
	display := strings.Join(parts, "\n\n")
	a.mu.Unlock()

	if display == "" {
		return
	}
	a.apply(ctx, display)
}

// usageFooter renders "↩ Nk in · Nk out · $C"; the cost segment is omitted
// when no cost is known.
func usageFooter(u *Usage) string {
	if u == nil {
		return ""
	}
	s := fmt.Sprintf("↩ %s in · %s out", formatTokens(u.InputTokens), formatTokens(u.OutputTokens))
	if u.CostUSD > 0 {
		s += fmt.Sprintf(" · $%.2f", u.CostUSD)
	}
	return "<i>" + s + "</i>"
}

func formatTokens(n int64) string {
	k := float64(n) / 1000
	if k >= 10 {
		return fmt.Sprintf("%.0fk", k)
	}
	return fmt.Sprintf("%.1fk", k)
}

// TruncateResult bounds a tool or sub-agent result for chat display.
func TruncateResult(s string) string {
	return markdown.Truncate(s, resultLimit)
}

package subagent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/telegram"
)

type fakeBot struct {
	mu     sync.Mutex
	nextID int
	sent   []string
	edits  map[int][]string
}

func newFakeBot() *fakeBot {
	return &fakeBot{nextID: 500, edits: make(map[int][]string)}
}

func (b *fakeBot) SendMessage(_ context.Context, _ int64, html string, _ *telegram.SendOptions) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sent = append(b.sent, html)
	return b.nextID, nil
}

func (b *fakeBot) EditMessage(_ context.Context, _ int64, messageID int, html string, _ *telegram.SendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits[messageID] = append(b.edits[messageID], html)
	return nil
}

func (b *fakeBot) SendPhoto(context.Context, int64, []byte, string) (int, error)    { return 0, nil }
func (b *fakeBot) SendDocument(context.Context, int64, string, string) (int, error) { return 0, nil }
func (b *fakeBot) SendVoice(context.Context, int64, string) (int, error)            { return 0, nil }
func (b *fakeBot) SendChatAction(context.Context, int64, string) error              { return nil }
func (b *fakeBot) AnswerCallback(context.Context, string, string) error             { return nil }
func (b *fakeBot) SetCommands(context.Context, []telegram.Command) error            { return nil }
func (b *fakeBot) Updates() <-chan telegram.Update                                  { return nil }
func (b *fakeBot) Stop()                                                            {}

func (b *fakeBot) lastEdit(msgID int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.edits[msgID]
	if len(list) == 0 {
		return ""
	}
	return list[len(list)-1]
}

func (b *fakeBot) editCount(msgID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.edits[msgID])
}

func TestIsSubAgentTool(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"dispatch_agent", true},
		{"Task", false},
		{"Bash", false},
		{"LaunchAgent", true},
		{"background_dispatch", true},
		{"mcp__teams__spawn_agent", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSubAgentTool(tt.name), tt.name)
	}
}

func TestExtractLabelPriority(t *testing.T) {
	tests := []struct {
		name    string
		partial string
		want    string
	}{
		{"name wins", `{"description":"desc","name":"researcher"}`, "researcher"},
		{"description over type", `{"subagent_type":"generic","description":"Find the bug"}`, "Find the bug"},
		{"subagent type", `{"subagent_type":"code-reviewer"}`, "code-reviewer"},
		{"team name", `{"team_name":"alpha-team"}`, "alpha-team"},
		{"prompt first line", `{"prompt":"Investigate the crash\nwith full logs"}`, "Investigate the crash"},
		{"incomplete value ignored", `{"name":"resear`, ""},
		{"partial json with complete field", `{"name":"researcher","prompt":"do the th`, "researcher"},
		{"escapes", `{"description":"say \"hi\"\nplease"}`, `say "hi"`},
		{"nothing", `{"count":3}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractLabel(tt.partial))
		})
	}
}

func TestExtractLabelTrimsTo80(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := extractLabel(`{"name":"` + string(long) + `"}`)
	assert.Len(t, got, 80)
}

func TestLifecycleInlineResult(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	claimed := tr.HandleBlockStart(ctx, 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_1", Name: "dispatch_agent",
	})
	require.True(t, claimed)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0], "Starting sub-agent")
	msgID := bot.nextID

	tr.HandleInputDelta(0, `{"name":"researcher","prompt":"dig`)
	tr.HandleBlockStop(ctx, 0)
	assert.Contains(t, bot.lastEdit(msgID), "researcher — Working…")
	assert.True(t, tr.HasDispatched())

	tr.HandleToolResult(ctx, "tu_1", "All findings summarized here.", nil)
	last := bot.lastEdit(msgID)
	assert.Contains(t, last, "✅")
	assert.Contains(t, last, "researcher")
	assert.Contains(t, last, "All findings summarized here.")
	assert.Contains(t, last, "blockquote expandable")
	assert.False(t, tr.HasDispatched())

	// A late duplicate result must not edit again.
	before := bot.editCount(msgID)
	tr.HandleToolResult(ctx, "tu_1", "duplicate", nil)
	assert.Equal(t, before, bot.editCount(msgID))
}

func TestUnclaimedBlocksIgnored(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)

	claimed := tr.HandleBlockStart(context.Background(), 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_2", Name: "Bash",
	})
	assert.False(t, claimed)
	assert.Empty(t, bot.sent)
	assert.False(t, tr.Tracked())
}

func TestSpawnConfirmationKeepsDispatched(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	tr.HandleBlockStart(ctx, 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_1", Name: "dispatch_agent",
	})
	msgID := bot.nextID
	tr.HandleInputDelta(0, `{"name":"researcher"}`)
	tr.HandleBlockStop(ctx, 0)

	tr.HandleToolResult(ctx, "tu_1", "agent_id: researcher@team-alpha spawned", nil)
	assert.True(t, tr.HasDispatched(), "spawn confirmation is not a completion")
	assert.Contains(t, bot.lastEdit(msgID), "waiting for results")

	tr.HandleToolResult(ctx, "tu_1", `{"status":"async_launched","outputFile":"/tmp/out/researcher.md"}`, &protocol.ToolUseResultMeta{Status: "async_launched"})
	assert.True(t, tr.HasDispatched())
	assert.Contains(t, bot.lastEdit(msgID), "Auto-backgrounded")
}

func TestNotificationXML(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	tr.HandleBlockStart(ctx, 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_1", Name: "dispatch_agent",
	})
	msgID := bot.nextID
	tr.HandleInputDelta(0, `{"name":"researcher"}`)
	tr.HandleBlockStop(ctx, 0)

	applied := tr.HandleNotificationText(ctx, `prefix text
<background_agent_notification>
  <parent_tool_use_id>tu_1</parent_tool_use_id>
  <status>completed</status>
  <result>The report is ready.</result>
</background_agent_notification>`)
	assert.Equal(t, 1, applied)

	last := bot.lastEdit(msgID)
	assert.Contains(t, last, "✅")
	assert.Contains(t, last, "The report is ready.")
	assert.False(t, tr.HasDispatched())

	// Duplicate notification for the same id is a no-op.
	before := bot.editCount(msgID)
	applied = tr.HandleNotificationText(ctx, `<background_agent_notification><parent_tool_use_id>tu_1</parent_tool_use_id><status>completed</status></background_agent_notification>`)
	assert.Zero(t, applied)
	assert.Equal(t, before, bot.editCount(msgID))
}

func TestNotificationMatchByNameAndFailure(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	tr.HandleBlockStart(ctx, 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_1", Name: "dispatch_agent",
	})
	msgID := bot.nextID
	tr.HandleInputDelta(0, `{"name":"reviewer"}`)
	tr.HandleBlockStop(ctx, 0)

	applied := tr.HandleNotificationText(ctx, `<background_agent_notification><agent_name>reviewer</agent_name><status>failed</status><result>compile error</result></background_agent_notification>`)
	assert.Equal(t, 1, applied)

	last := bot.lastEdit(msgID)
	assert.Contains(t, last, "❌")
	assert.Contains(t, last, "compile error")
}

func TestOnAllReportedFiresOnce(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	var fired atomic.Int32
	tr.OnAllReported(func() { fired.Add(1) })

	for i, id := range []string{"tu_1", "tu_2"} {
		tr.HandleBlockStart(ctx, i, &protocol.ContentBlock{
			Type: protocol.BlockToolUse, ID: id, Name: "dispatch_agent",
		})
		tr.HandleBlockStop(ctx, i)
	}

	tr.HandleToolResult(ctx, "tu_1", "done one", nil)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load(), "callback waits for every sub-agent")

	tr.HandleToolResult(ctx, "tu_2", "done two", nil)
	require.Eventually(t, func() bool { return fired.Load() == 1 },
		2*time.Second, 20*time.Millisecond)

	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "callback fires exactly once")
}

func TestMailboxReconciliation(t *testing.T) {
	bot := newFakeBot()
	tr := NewTracker(bot, 42, nil)
	ctx := context.Background()

	base := t.TempDir()
	tr.SetMailboxDir(base)

	tr.HandleBlockStart(ctx, 0, &protocol.ContentBlock{
		Type: protocol.BlockToolUse, ID: "tu_1", Name: "dispatch_agent",
	})
	msgID := bot.nextID
	tr.HandleInputDelta(0, `{"name":"researcher","team_name":"team-alpha"}`)
	tr.HandleBlockStop(ctx, 0)
	tr.HandleToolResult(ctx, "tu_1", "agent_id: researcher@team-alpha", nil)
	require.True(t, tr.HasDispatched())

	path := filepath.Join(base, "team-alpha", "researcher.md")
	require.NoError(t, os.WriteFile(path, []byte("mailbox result body"), 0o644))

	require.Eventually(t, func() bool { return !tr.HasDispatched() },
		3*time.Second, 50*time.Millisecond)
	last := bot.lastEdit(msgID)
	assert.Contains(t, last, "✅")
	assert.Contains(t, last, "mailbox result body")

	tr.Reset()
	assert.False(t, tr.Tracked())
}

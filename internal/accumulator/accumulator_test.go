package accumulator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcc/tgcc/internal/protocol"
	"github.com/tgcc/tgcc/internal/telegram"
)

type botCall struct {
	kind  string // send, edit, photo
	msgID int
	text  string
}

// fakeBot records chat calls and can fail scripted edits. sendHook, when
// set, runs before each send is recorded so tests can stall a call in
// flight.
type fakeBot struct {
	mu       sync.Mutex
	calls    []botCall
	nextID   int
	editErrs []error
	sendHook func()
}

func newFakeBot() *fakeBot { return &fakeBot{nextID: 100} }

func (b *fakeBot) SendMessage(_ context.Context, _ int64, html string, _ *telegram.SendOptions) (int, error) {
	if b.sendHook != nil {
		b.sendHook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.calls = append(b.calls, botCall{kind: "send", msgID: b.nextID, text: html})
	return b.nextID, nil
}

func (b *fakeBot) EditMessage(_ context.Context, _ int64, messageID int, html string, _ *telegram.SendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.editErrs) > 0 {
		err := b.editErrs[0]
		b.editErrs = b.editErrs[1:]
		if err != nil {
			return err
		}
	}
	b.calls = append(b.calls, botCall{kind: "edit", msgID: messageID, text: html})
	return nil
}

func (b *fakeBot) SendPhoto(_ context.Context, _ int64, _ []byte, caption string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.calls = append(b.calls, botCall{kind: "photo", msgID: b.nextID, text: caption})
	return b.nextID, nil
}

func (b *fakeBot) SendDocument(context.Context, int64, string, string) (int, error) { return 0, nil }
func (b *fakeBot) SendVoice(context.Context, int64, string) (int, error)            { return 0, nil }
func (b *fakeBot) SendChatAction(context.Context, int64, string) error              { return nil }
func (b *fakeBot) AnswerCallback(context.Context, string, string) error             { return nil }
func (b *fakeBot) SetCommands(context.Context, []telegram.Command) error            { return nil }
func (b *fakeBot) Updates() <-chan telegram.Update                                  { return nil }
func (b *fakeBot) Stop()                                                            {}

func (b *fakeBot) snapshot() []botCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]botCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBot) sends() []botCall {
	var out []botCall
	for _, c := range b.snapshot() {
		if c.kind == "send" {
			out = append(out, c)
		}
	}
	return out
}

func newTestAcc(bot telegram.Bot) *Accumulator {
	// A tiny edit interval keeps throttling out of the way unless a test
	// exercises it explicitly.
	return New(bot, 42, Options{EditInterval: time.Millisecond})
}

func feed(a *Accumulator, events ...*protocol.StreamEvent) {
	for _, se := range events {
		a.HandleStream(context.Background(), se)
	}
}

func blockStart(index int, kind, name string) *protocol.StreamEvent {
	return &protocol.StreamEvent{
		Type:         protocol.StreamContentBlockStart,
		Index:        index,
		ContentBlock: &protocol.ContentBlock{Type: kind, Name: name},
	}
}

func textDelta(index int, text string) *protocol.StreamEvent {
	return &protocol.StreamEvent{
		Type:  protocol.StreamContentBlockDelta,
		Index: index,
		Delta: &protocol.Delta{Type: protocol.DeltaText, Text: text},
	}
}

func thinkingDelta(index int, text string) *protocol.StreamEvent {
	return &protocol.StreamEvent{
		Type:  protocol.StreamContentBlockDelta,
		Index: index,
		Delta: &protocol.Delta{Type: protocol.DeltaThinking, Thinking: text},
	}
}

func blockStop(index int) *protocol.StreamEvent {
	return &protocol.StreamEvent{Type: protocol.StreamContentBlockStop, Index: index}
}

func messageStart() *protocol.StreamEvent {
	return &protocol.StreamEvent{Type: protocol.StreamMessageStart}
}

func messageStop() *protocol.StreamEvent {
	return &protocol.StreamEvent{Type: protocol.StreamMessageStop}
}

func TestSimpleTurn(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "Hello! "),
	)
	time.Sleep(5 * time.Millisecond)
	feed(acc,
		textDelta(0, "Here is my response."),
		blockStop(0),
		messageStop(),
	)

	calls := bot.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, "send", calls[0].kind)

	final := calls[len(calls)-1]
	assert.Contains(t, final.text, "Hello!")
	assert.Contains(t, final.text, "Here is my response.")
	assert.NotContains(t, final.text, "blockquote")

	require.Len(t, bot.sends(), 1, "one message per simple turn")
	assert.Equal(t, []int{bot.sends()[0].msgID}, acc.AllMessageIDs())
}

func TestThinkingThenText(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockThinking, ""),
		thinkingDelta(0, "analyzing the problem"),
		blockStop(0),
	)
	time.Sleep(5 * time.Millisecond)
	feed(acc,
		blockStart(1, protocol.BlockText, ""),
		textDelta(1, "Here is the answer"),
		blockStop(1),
		messageStop(),
	)

	calls := bot.snapshot()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].text, "💭 Thinking…")
	assert.Contains(t, calls[0].text, "blockquote expandable")

	final := calls[len(calls)-1]
	assert.Contains(t, final.text, "analyzing the problem")
	assert.Contains(t, final.text, "blockquote expandable")
	assert.Contains(t, final.text, "Here is the answer")
}

func TestToolUseIndicator(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockToolUse, "Bash"),
		blockStop(0),
	)

	calls := bot.snapshot()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[len(calls)-1].text, "<i>Using Bash…</i>")
}

func TestSplitAtThreshold(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	body := strings.Repeat("A", 3000) + "\n\n" + strings.Repeat("B", 2000)
	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, body),
		blockStop(0),
		messageStop(),
	)

	sends := bot.sends()
	require.GreaterOrEqual(t, len(sends), 2, "split turn produces a second message")
	for _, c := range bot.snapshot() {
		assert.LessOrEqual(t, len(c.text), 4100, "chunks stay near the threshold")
	}
	assert.Contains(t, sends[0].text, "AAA")
	assert.NotContains(t, sends[0].text, "BBB")
	last := bot.snapshot()[len(bot.snapshot())-1]
	assert.Contains(t, last.text, "BBB")
	assert.Len(t, acc.AllMessageIDs(), len(sends))
}

func TestSplitKeepsDeltasArrivingMidFlush(t *testing.T) {
	bot := newFakeBot()
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	bot.sendHook = func() {
		entered <- struct{}{}
		<-release
	}
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
	)
	body := strings.Repeat("A", 3000) + "\n\n" + strings.Repeat("B", 2000)

	splitDone := make(chan struct{})
	go func() {
		feed(acc, textDelta(0, body))
		close(splitDone)
	}()
	<-entered // the first chunk's send is stalled, the buffer lock is free

	tailDone := make(chan struct{})
	go func() {
		feed(acc, textDelta(0, " TAIL-MARKER"))
		close(tailDone)
	}()
	// The delta is appended before that goroutine parks on the call lock.
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-splitDone
	<-tailDone

	acc.Finalize(context.Background())

	var all strings.Builder
	for _, c := range bot.snapshot() {
		all.WriteString(c.text)
	}
	assert.Contains(t, all.String(), "TAIL-MARKER",
		"text streamed during a split flush still reaches the chat")
}

func TestSplitOnRenderedLength(t *testing.T) {
	bot := newFakeBot()
	acc := New(bot, 42, Options{EditInterval: time.Millisecond, SplitThreshold: 200})

	// 180 raw characters escape to 900 rendered.
	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, strings.Repeat("&", 180)),
		blockStop(0),
		messageStop(),
	)

	sends := bot.sends()
	require.GreaterOrEqual(t, len(sends), 2, "escaped expansion forces a split")
	for _, c := range bot.snapshot() {
		assert.LessOrEqual(t, len(c.text), 200, "rendered chunks stay under the threshold")
	}
	var all strings.Builder
	for _, c := range sends {
		all.WriteString(c.text)
	}
	assert.Equal(t, 180, strings.Count(all.String(), "&amp;"), "no characters lost across chunks")
}

func TestRateLimitBackoff(t *testing.T) {
	bot := newFakeBot()
	bot.editErrs = []error{&telegram.APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 1}}
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "first"),
	)
	require.Len(t, bot.sends(), 1)

	start := time.Now()
	time.Sleep(5 * time.Millisecond)
	feed(acc, textDelta(0, " second"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, time.Second, "edit retried after the advertised delay")
	require.Len(t, bot.sends(), 1, "no duplicate send on retry")

	acc.mu.Lock()
	interval := acc.editInterval
	acc.mu.Unlock()
	assert.Equal(t, 2*time.Millisecond, interval, "edit interval doubled")

	calls := bot.snapshot()
	assert.Equal(t, "edit", calls[len(calls)-1].kind)
	assert.Contains(t, calls[len(calls)-1].text, "second")
}

func TestNotModifiedSwallowed(t *testing.T) {
	bot := newFakeBot()
	bot.editErrs = []error{&telegram.APIError{Code: 400, Description: "Bad Request: message is not modified"}}
	var gotErr error
	acc := New(bot, 42, Options{
		EditInterval: time.Millisecond,
		OnError:      func(err error) { gotErr = err },
	})

	feed(acc,
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "a"),
	)
	time.Sleep(5 * time.Millisecond)
	feed(acc, textDelta(0, "a"))

	assert.NoError(t, gotErr, "not-modified never reaches the error callback")
}

func TestEmptyDeltasProduceNoCalls(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		messageStart(),
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, ""),
		blockStop(0),
		messageStop(),
	)
	assert.Empty(t, bot.snapshot())
}

func TestFinalizeIdempotent(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "done"),
	)
	acc.Finalize(context.Background())
	before := len(bot.snapshot())
	acc.Finalize(context.Background())
	assert.Len(t, bot.snapshot(), before, "second finalize makes no further calls")
	assert.True(t, acc.Finished())
}

func TestUsageFooterWithoutCost(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "answer"),
	)
	acc.SetUsage(Usage{InputTokens: 200, OutputTokens: 100})
	acc.Finalize(context.Background())

	calls := bot.snapshot()
	final := calls[len(calls)-1].text
	assert.Contains(t, final, "↩ 0.2k in · 0.1k out")
	assert.NotContains(t, final, "$")
}

func TestUsageFooterWithCost(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "answer"),
	)
	acc.SetUsage(Usage{InputTokens: 12000, OutputTokens: 3400, CostUSD: 0.42})
	acc.Finalize(context.Background())

	calls := bot.snapshot()
	final := calls[len(calls)-1].text
	assert.Contains(t, final, "12k in")
	assert.Contains(t, final, "3.4k out")
	assert.Contains(t, final, "$0.42")
}

func TestSoftResetKeepsMessageID(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc,
		blockStart(0, protocol.BlockText, ""),
		textDelta(0, "turn one"),
	)
	first := acc.MessageID()
	require.NotZero(t, first)

	feed(acc, messageStart())
	assert.Equal(t, first, acc.MessageID(), "soft reset keeps the chat message id")

	acc.Reset()
	assert.Zero(t, acc.MessageID(), "full reset clears the chat message id")
	assert.Empty(t, acc.AllMessageIDs())
}

func TestConcurrentDeltasSingleSend(t *testing.T) {
	bot := newFakeBot()
	acc := newTestAcc(bot)

	feed(acc, blockStart(0, protocol.BlockText, ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed(acc, textDelta(0, "x"))
		}()
	}
	wg.Wait()
	acc.Finalize(context.Background())

	require.Len(t, bot.sends(), 1, "exactly one send under concurrent deltas")
	sendID := bot.sends()[0].msgID
	for _, c := range bot.snapshot() {
		assert.Equal(t, sendID, c.msgID, "all edits target the created message")
	}
	assert.Equal(t, []int{sendID}, acc.AllMessageIDs())
}

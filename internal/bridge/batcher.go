package bridge

import (
	"strings"
	"sync"
	"time"
)

const batchWindow = 2 * time.Second

// batcher merges consecutive text messages arriving within a short window
// into one user message. Order is preserved; a flush hands the joined text
// to the sink exactly once.
type batcher struct {
	mu     sync.Mutex
	window time.Duration
	texts  []string
	timer  *time.Timer
	sink   func(text string)
}

func newBatcher(window time.Duration, sink func(text string)) *batcher {
	if window <= 0 {
		window = batchWindow
	}
	return &batcher{window: window, sink: sink}
}

// Add buffers one text message and (re)arms the flush timer.
func (b *batcher) Add(text string) {
	b.mu.Lock()
	b.texts = append(b.texts, text)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, b.fire)
	b.mu.Unlock()
}

func (b *batcher) fire() {
	if text := b.Take(); text != "" {
		b.sink(text)
	}
}

// Take drains the buffer without calling the sink. Media messages use this
// to fold any pending text into the same user message instead of reordering.
func (b *batcher) Take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.texts) == 0 {
		return ""
	}
	text := strings.Join(b.texts, "\n")
	b.texts = nil
	return text
}

// Stop cancels any pending flush, discarding buffered text.
func (b *batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.texts = nil
}

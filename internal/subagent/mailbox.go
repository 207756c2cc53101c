package subagent

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// mailboxWatcher reconciles sub-agents whose results arrive as files in a
// team output directory rather than inline or via notification XML.
type mailboxWatcher struct {
	dir  string
	fw   *fsnotify.Watcher
	done chan struct{}
}

// SetMailboxDir configures the base directory under which each team writes
// its result files. The watcher itself starts lazily once a sub-agent is
// dispatched and the team name is known.
func (t *Tracker) SetMailboxDir(base string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mailboxBase = base
}

func (t *Tracker) maybeStartMailbox() {
	t.mu.Lock()
	if t.mailbox != nil || t.mailboxBase == "" || t.teamName == "" || t.dispatchedCountLocked() == 0 {
		t.mu.Unlock()
		return
	}
	dir := filepath.Join(t.mailboxBase, t.teamName)
	t.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.log.Warn("mailbox dir create failed", zap.Error(err))
		return
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Warn("mailbox watcher init failed", zap.Error(err))
		return
	}
	if err := fw.Add(dir); err != nil {
		t.log.Warn("mailbox watch failed", zap.String("dir", dir), zap.Error(err))
		fw.Close()
		return
	}

	mb := &mailboxWatcher{dir: dir, fw: fw, done: make(chan struct{})}
	t.mu.Lock()
	if t.mailbox != nil {
		t.mu.Unlock()
		fw.Close()
		return
	}
	t.mailbox = mb
	t.mu.Unlock()

	t.log.Info("mailbox watcher started", zap.String("dir", dir))
	go t.mailboxLoop(mb)

	// Files already present count as delivered results.
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				t.reconcileMailboxFile(filepath.Join(dir, e.Name()))
			}
		}
	}
}

func (t *Tracker) mailboxLoop(mb *mailboxWatcher) {
	for {
		select {
		case <-mb.done:
			return
		case ev, ok := <-mb.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				t.reconcileMailboxFile(ev.Name)
			}
		case err, ok := <-mb.fw.Errors:
			if !ok {
				return
			}
			t.log.Warn("mailbox watch error", zap.Error(err))
		}
	}
}

// reconcileMailboxFile completes the dispatched record whose agent name or
// label matches the file name.
func (t *Tracker) reconcileMailboxFile(path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name == "" {
		return
	}

	t.mu.Lock()
	var match *record
	for _, r := range t.byID {
		if r.status != StatusDispatched {
			continue
		}
		if r.agentName == name ||
			(r.label != "" && strings.EqualFold(r.label, name)) ||
			(r.outputFile != "" && filepath.Base(r.outputFile) == filepath.Base(path)) {
			match = r
			break
		}
	}
	if match == nil {
		t.mu.Unlock()
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.mu.Unlock()
		t.log.Warn("mailbox file read failed", zap.String("path", path), zap.Error(err))
		return
	}
	t.completeLocked(context.Background(), match, StatusCompleted, string(body))
}

func (mb *mailboxWatcher) stop() {
	close(mb.done)
	mb.fw.Close()
}

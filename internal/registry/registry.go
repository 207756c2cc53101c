// Package registry tracks live assistant processes keyed by (repo, session)
// and the chat clients subscribed to each. Entries are owned by the
// registry; a process dies when its last subscriber leaves, except during a
// takeover, where the entry is dropped without touching the process.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/claude"
	"github.com/tgcc/tgcc/internal/common/logger"
)

// ClientRef identifies one subscribed chat client.
type ClientRef struct {
	AgentID string
	UserID  int64
	ChatID  int64
}

// Key addresses one registry entry.
type Key struct {
	Repo      string
	SessionID string
}

// Entry is one registered assistant process and its subscribers.
type Entry struct {
	Key     Key
	Model   string
	Owner   ClientRef
	Process *claude.Process

	subscribers map[ClientRef]struct{}
}

// Subscribers returns the current subscriber set.
func (e *Entry) Subscribers() []ClientRef {
	out := make([]ClientRef, 0, len(e.subscribers))
	for ref := range e.subscribers {
		out = append(out, ref)
	}
	return out
}

// Registry is the daemon-wide process map. All mutations go through its
// methods; it is the only structure shared across agents.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	log     *logger.Logger
}

// New builds an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		entries: make(map[Key]*Entry),
		log:     log.WithFields(zap.String("component", "registry")),
	}
}

// Register adds a process under (repo, sessionID) with its owning client
// subscribed. An existing entry under the same key is replaced.
func (r *Registry) Register(repo, sessionID, model string, proc *claude.Process, owner ClientRef) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{Repo: repo, SessionID: sessionID}
	e := &Entry{
		Key:         key,
		Model:       model,
		Owner:       owner,
		Process:     proc,
		subscribers: map[ClientRef]struct{}{owner: {}},
	}
	r.entries[key] = e
	r.log.Info("process registered",
		zap.String("repo", repo), zap.String("session_id", sessionID),
		zap.String("agent_id", owner.AgentID))
	return e
}

// Rekey moves an entry from a tentative session id to the real one supplied
// by the init event. A no-op when the old key is absent.
func (r *Registry) Rekey(repo, oldSessionID, newSessionID string) bool {
	if oldSessionID == newSessionID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oldKey := Key{Repo: repo, SessionID: oldSessionID}
	e, ok := r.entries[oldKey]
	if !ok {
		return false
	}
	delete(r.entries, oldKey)
	e.Key = Key{Repo: repo, SessionID: newSessionID}
	r.entries[e.Key] = e
	r.log.Info("process rekeyed",
		zap.String("repo", repo),
		zap.String("old_session_id", oldSessionID),
		zap.String("session_id", newSessionID))
	return true
}

// Find returns the entry under (repo, sessionID), or nil.
func (r *Registry) Find(repo, sessionID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[Key{Repo: repo, SessionID: sessionID}]
}

// FindByProcess returns the entry holding the given process, or nil.
func (r *Registry) FindByProcess(proc *claude.Process) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Process == proc {
			return e
		}
	}
	return nil
}

// FindByClient returns every entry the client is subscribed to.
func (r *Registry) FindByClient(ref ClientRef) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if _, ok := e.subscribers[ref]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe adds a client to an entry.
func (r *Registry) Subscribe(repo, sessionID string, ref ClientRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[Key{Repo: repo, SessionID: sessionID}]
	if !ok {
		return false
	}
	e.subscribers[ref] = struct{}{}
	return true
}

// Unsubscribe removes a client. When the last subscriber leaves, the entry
// is dropped and the process killed.
func (r *Registry) Unsubscribe(ref ClientRef) {
	r.mu.Lock()
	var doomed []*Entry
	for _, e := range r.entries {
		if _, ok := e.subscribers[ref]; !ok {
			continue
		}
		delete(e.subscribers, ref)
		if len(e.subscribers) == 0 {
			delete(r.entries, e.Key)
			doomed = append(doomed, e)
		}
	}
	r.mu.Unlock()

	for _, e := range doomed {
		r.log.Info("last subscriber left, destroying process",
			zap.String("session_id", e.Key.SessionID))
		if e.Process != nil {
			e.Process.Kill()
		}
	}
}

// Destroy drops the entry and kills its process.
func (r *Registry) Destroy(repo, sessionID string) {
	r.mu.Lock()
	key := Key{Repo: repo, SessionID: sessionID}
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if ok && e.Process != nil {
		e.Process.Kill()
	}
}

// Remove drops the entry without terminating the process. Used during
// takeover so the session can roam back later.
func (r *Registry) Remove(repo, sessionID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{Repo: repo, SessionID: sessionID}
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	if e.Process != nil {
		e.Process.Detach()
	}
	return e
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close destroys every entry. Used during daemon shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[Key]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.Process != nil {
			e.Process.Kill()
		}
	}
}

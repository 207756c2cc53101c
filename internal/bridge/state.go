package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

// persistedState survives daemon restarts so a user can pick their last
// session back up with /continue.
type persistedState struct {
	Agents map[string]persistedAgent `json:"agents"`
}

type persistedAgent struct {
	LastSessionID string `json:"last_session_id"`
	Repo          string `json:"repo,omitempty"`
}

// stateStore reads and writes the state file. A nil store (no file
// configured) is valid and remembers nothing.
type stateStore struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
	data persistedState
}

func newStateStore(path string, log *logger.Logger) *stateStore {
	if path == "" {
		return nil
	}
	if log == nil {
		log = logger.Default()
	}
	s := &stateStore{
		path: path,
		log:  log.WithFields(zap.String("component", "state"), zap.String("path", path)),
		data: persistedState{Agents: make(map[string]persistedAgent)},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("state file unreadable, starting empty", zap.Error(err))
		}
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.log.Warn("state file corrupt, starting empty", zap.Error(err))
		s.data = persistedState{Agents: make(map[string]persistedAgent)}
	}
	if s.data.Agents == nil {
		s.data.Agents = make(map[string]persistedAgent)
	}
	return s
}

func (s *stateStore) lastSession(agentID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Agents[agentID].LastSessionID
}

func (s *stateStore) setLastSession(agentID, sessionID, repo string) {
	if s == nil || sessionID == "" {
		return
	}
	s.mu.Lock()
	s.data.Agents[agentID] = persistedAgent{LastSessionID: sessionID, Repo: repo}
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return
	}
	// Atomic replace so a crash mid-write never corrupts the file.
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Warn("state dir create failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		s.log.Warn("state write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("state rename failed", zap.Error(err))
	}
}

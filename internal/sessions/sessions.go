// Package sessions discovers the assistant's persisted session logs for a
// working directory and extracts the few fields the chat surface shows:
// a title, the model, and an approximate context fill. The logs are owned
// by the child CLI and are read strictly best-effort.
package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tgcc/tgcc/internal/markdown"
)

// contextWindow is the token window the fill percentage is measured against.
const contextWindow = 200_000

const (
	titleLimit     = 80
	maxSessions    = 5
	maxLineSize    = 10 * 1024 * 1024
	defaultLogRoot = ".claude/projects"
)

// Session is one discovered session log.
type Session struct {
	ID       string
	Path     string
	Title    string
	Model    string
	Modified time.Time

	// ContextPct approximates how full the context window was at the last
	// recorded API call, in percent.
	ContextPct int
}

// DefaultRoot returns the per-user session log root.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultLogRoot
	}
	return filepath.Join(home, defaultLogRoot)
}

// Slug converts a working directory path to the log directory name the
// child CLI uses.
func Slug(workdir string) string {
	var sb strings.Builder
	for _, r := range workdir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// Discover lists the most recent session logs for workdir, newest first,
// up to maxSessions entries.
func Discover(root, workdir string) ([]Session, error) {
	dir := filepath.Join(root, Slug(workdir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			ID:       strings.TrimSuffix(e.Name(), ".jsonl"),
			Path:     filepath.Join(dir, e.Name()),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Modified.After(sessions[j].Modified)
	})
	if len(sessions) > maxSessions {
		sessions = sessions[:maxSessions]
	}

	for i := range sessions {
		inspect(&sessions[i])
	}
	return sessions, nil
}

// logLine is the subset of a session log record the discovery reads.
type logLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Model   string          `json:"model"`
		Content json.RawMessage `json:"content"`
		Usage   *struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// inspect fills Title, Model and ContextPct from the log file.
func inspect(s *Session) {
	f, err := os.Open(s.Path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		var line logLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if s.Title == "" && line.Type == "user" {
			if title := userTitle(line.Message.Content); title != "" {
				s.Title = title
			}
		}
		if line.Message.Model != "" {
			s.Model = line.Message.Model
		}
		if u := line.Message.Usage; u != nil {
			total := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
			if total > 0 {
				s.ContextPct = int(total * 100 / contextWindow)
			}
		}
	}
}

// userTitle extracts a display title from a user turn's content, skipping
// injected XML and slash commands.
func userTitle(content json.RawMessage) string {
	text := contentText(content)
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "<") || strings.HasPrefix(text, "/") {
		return ""
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	return markdown.Truncate(text, titleLimit)
}

func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	assert.Equal(t, "-srv-web", Slug("/srv/web"))
	assert.Equal(t, "-home-dev-my-repo", Slug("/home/dev/my.repo"))
	assert.Equal(t, "C--work", Slug("C:\\work"))
}

func writeSession(t *testing.T, dir, id string, lines []string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, id+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	workdir := "/srv/web"
	dir := filepath.Join(root, Slug(workdir))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	now := time.Now()
	writeSession(t, dir, "older", []string{
		`{"type":"user","message":{"role":"user","content":"<system-injected>noise</system-injected>"}}`,
		`{"type":"user","message":{"role":"user","content":"Fix the login redirect\nwith details"}}`,
		`{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet","content":[],"usage":{"input_tokens":1000,"cache_read_input_tokens":39000}}}`,
	}, now.Add(-time.Hour))
	writeSession(t, dir, "newest", []string{
		`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"Add dark mode"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","model":"claude-opus","content":[],"usage":{"input_tokens":5000,"cache_creation_input_tokens":5000,"cache_read_input_tokens":90000}}}`,
	}, now)

	sessions, err := Discover(root, workdir)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	first := sessions[0]
	assert.Equal(t, "newest", first.ID)
	assert.Equal(t, "Add dark mode", first.Title)
	assert.Equal(t, "claude-opus", first.Model)
	assert.Equal(t, 50, first.ContextPct)

	second := sessions[1]
	assert.Equal(t, "older", second.ID)
	assert.Equal(t, "Fix the login redirect", second.Title, "injected XML is skipped, first line only")
	assert.Equal(t, "claude-sonnet", second.Model)
	assert.Equal(t, 20, second.ContextPct)
}

func TestDiscoverLimitsToFiveNewest(t *testing.T) {
	root := t.TempDir()
	workdir := "/srv/api"
	dir := filepath.Join(root, Slug(workdir))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		writeSession(t, dir, string(rune('a'+i)), []string{
			`{"type":"user","message":{"role":"user","content":"hello"}}`,
		}, base.Add(time.Duration(i)*time.Minute))
	}

	sessions, err := Discover(root, workdir)
	require.NoError(t, err)
	require.Len(t, sessions, 5)
	assert.Equal(t, "h", sessions[0].ID)
	assert.Equal(t, "d", sessions[4].ID)
}

func TestDiscoverMissingDir(t *testing.T) {
	sessions, err := Discover(t.TempDir(), "/nothing/here")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUserTitleSkipsCommands(t *testing.T) {
	assert.Empty(t, userTitle([]byte(`"/model opus"`)))
	assert.Empty(t, userTitle([]byte(`"<local-command>x</local-command>"`)))
	assert.Equal(t, "Review this", userTitle([]byte(`"Review this"`)))
}

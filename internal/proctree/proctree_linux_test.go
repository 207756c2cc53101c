//go:build linux

package proctree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a /proc-like tree from pid -> ppid pairs.
func fakeProc(t *testing.T, procs map[int]int) string {
	t.Helper()
	root := t.TempDir()
	for pid, ppid := range procs {
		dir := filepath.Join(root, itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		// Comm field contains parens and a space on purpose; parsing must
		// start after the last ')'.
		stat := itoa(pid) + " (some (proc)) S " + itoa(ppid) + " 100 100 0"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	}
	return root
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestDescendants(t *testing.T) {
	// 100 -> 200 -> 300, plus unrelated 400.
	root := fakeProc(t, map[int]int{
		100: 1,
		200: 100,
		300: 200,
		400: 1,
	})
	insp := &procInspector{procRoot: root}

	assert.True(t, insp.HasDescendants(100))
	assert.ElementsMatch(t, []int{200, 300}, insp.Descendants(100))
	assert.False(t, insp.HasDescendants(300))
	assert.False(t, insp.HasDescendants(400))
}

func TestDescendantsMissingProc(t *testing.T) {
	insp := &procInspector{procRoot: filepath.Join(t.TempDir(), "nope")}
	assert.False(t, insp.HasDescendants(1))
	assert.Empty(t, insp.Descendants(1))
}

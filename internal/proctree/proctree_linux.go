//go:build linux

package proctree

import (
	"os"
	"strconv"
	"strings"
)

// procInspector walks /proc and builds a ppid index.
// One readdir plus one small read per process; cheap enough to run from a
// timer callback.
type procInspector struct {
	procRoot string
}

func newInspector() Inspector {
	return &procInspector{procRoot: "/proc"}
}

func (p *procInspector) HasDescendants(pid int) bool {
	return len(p.Descendants(pid)) > 0
}

func (p *procInspector) Descendants(pid int) []int {
	children := p.childIndex()

	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// childIndex maps ppid -> child pids for every live process.
func (p *procInspector) childIndex() map[int][]int {
	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return nil
	}

	children := make(map[int][]int)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ppid, ok := p.parentOf(pid)
		if !ok {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}

// parentOf reads the ppid from /proc/<pid>/stat. The comm field may contain
// spaces and parentheses, so parsing starts after the last ')'.
func (p *procInspector) parentOf(pid int) (int, bool) {
	data, err := os.ReadFile(p.procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

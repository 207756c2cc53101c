//go:build !linux

package proctree

import (
	"os/exec"
	"strconv"
	"strings"
)

// pgrepInspector shells out to pgrep -P on platforms without /proc.
type pgrepInspector struct{}

func newInspector() Inspector {
	return &pgrepInspector{}
}

func (p *pgrepInspector) HasDescendants(pid int) bool {
	return len(p.childrenOf(pid)) > 0
}

func (p *pgrepInspector) Descendants(pid int) []int {
	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range p.childrenOf(cur) {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func (p *pgrepInspector) childrenOf(pid int) []int {
	// pgrep exits 1 when nothing matches; treat any error as "no children".
	output, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Fields(string(output)) {
		if child, err := strconv.Atoi(line); err == nil {
			pids = append(pids, child)
		}
	}
	return pids
}

// Package proctree inspects the process tree under a child pid.
// Hang detection needs exactly one question answered: does the child
// still have any live descendant (a running tool invocation)?
package proctree

// Inspector enumerates descendant processes of a pid.
type Inspector interface {
	// HasDescendants reports whether any live process has pid somewhere
	// in its ancestor chain.
	HasDescendants(pid int) bool

	// Descendants returns the pids of all live descendants of pid.
	Descendants(pid int) []int
}

// New returns the platform inspector.
func New() Inspector {
	return newInspector()
}

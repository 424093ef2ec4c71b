package wavebar

import (
	"fmt"
	"sort"

	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// ProcessTree answers parent/child questions about the OS process table
type ProcessTree interface {
	// Children lists the direct children of pid. An unknown pid yields an
	// empty list, not an error.
	Children(pid uint32) ([]uint32, error)

	// Executable returns the executable name of pid, or "" when unknown
	Executable(pid uint32) string
}

// PSProcessTree reads the live process table on every query
type PSProcessTree struct {
	logger *zap.SugaredLogger
}

// NewPSProcessTree creates a PSProcessTree
func NewPSProcessTree(logger *zap.SugaredLogger) *PSProcessTree {
	return &PSProcessTree{logger: logger.Named("process-tree")}
}

// Children implements ProcessTree
func (pt *PSProcessTree) Children(pid uint32) ([]uint32, error) {
	processes, err := ps.Processes()
	if err != nil {
		pt.logger.Warnw("Failed to enumerate processes", "error", err)
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	return childrenOf(processes, pid), nil
}

// Executable implements ProcessTree
func (pt *PSProcessTree) Executable(pid uint32) string {
	process, err := ps.FindProcess(int(pid))
	if err != nil || process == nil {
		return ""
	}

	return process.Executable()
}

// childrenOf filters a process table snapshot down to the direct children
// of parent, lowest pid first
func childrenOf(processes []ps.Process, parent uint32) []uint32 {
	children := []uint32{}

	for _, p := range processes {
		if p.Pid() <= 0 || uint32(p.Pid()) == parent {
			continue
		}

		if p.PPid() == int(parent) {
			children = append(children, uint32(p.Pid()))
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

	return children
}

package wavebar

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	mprisBusPrefix = "org.mpris.MediaPlayer2."

	// sandboxed renderers sit a few levels below the process owning the bus name
	defaultProcessWalkDepth = 4
)

// sandboxed and Electron-style clients embed their pid in the bus name,
// e.g. org.mpris.MediaPlayer2.chromium.instance280318
var instanceSuffixPattern = regexp.MustCompile(`\.?instance(\d+)`)

// TargetIdentity names the media player whose audio should be followed
type TargetIdentity struct {
	// PID is an optional hint; zero means unknown
	PID         uint32
	ServiceName string
}

// IsZero reports whether the identity names no player at all
func (t TargetIdentity) IsZero() bool {
	return t.PID == 0 && t.ServiceName == ""
}

// AppNameHint derives the application name a player's stream is likely to
// carry from its service name ("org.mpris.MediaPlayer2.qobuz-player" gives
// "qobuz-player")
func (t TargetIdentity) AppNameHint() string {
	hint := strings.TrimPrefix(t.ServiceName, mprisBusPrefix)
	if loc := instanceSuffixPattern.FindStringIndex(hint); loc != nil {
		hint = hint[:loc[0]]
	}

	return strings.Trim(hint, ".")
}

func (t TargetIdentity) String() string {
	if t.PID == 0 {
		return t.ServiceName
	}

	return t.ServiceName + "/" + strconv.FormatUint(uint64(t.PID), 10)
}

// ParseInstancePID extracts the pid embedded in an "instance<digits>" token
func ParseInstancePID(serviceName string) (uint32, bool) {
	match := instanceSuffixPattern.FindStringSubmatch(serviceName)
	if match == nil {
		return 0, false
	}

	pid, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil || pid == 0 {
		return 0, false
	}

	return uint32(pid), true
}

// ConnectionPIDLookup asks a player's control transport which OS process
// owns a service name
type ConnectionPIDLookup interface {
	ConnectionPID(serviceName string) (uint32, error)
}

// PIDResolver maps a TargetIdentity to a concrete process and walks that
// process's descendants on request
type PIDResolver struct {
	logger   *zap.SugaredLogger
	owners   ConnectionPIDLookup
	tree     ProcessTree
	maxDepth int
}

// NewPIDResolver creates a PIDResolver. owners may be nil, in which case
// only pid hints and instance suffixes resolve.
func NewPIDResolver(logger *zap.SugaredLogger, owners ConnectionPIDLookup, tree ProcessTree) *PIDResolver {
	return &PIDResolver{
		logger:   logger.Named("resolver"),
		owners:   owners,
		tree:     tree,
		maxDepth: defaultProcessWalkDepth,
	}
}

// ResolvePID returns the process nominally owning the identity, 0 if unknown
func (r *PIDResolver) ResolvePID(id TargetIdentity) uint32 {
	if id.PID != 0 {
		return id.PID
	}

	if pid, ok := ParseInstancePID(id.ServiceName); ok {
		r.logger.Debugw("Extracted pid from instance suffix", "service", id.ServiceName, "pid", pid)
		return pid
	}

	if r.owners == nil || id.ServiceName == "" {
		return 0
	}

	pid, err := r.owners.ConnectionPID(id.ServiceName)
	if err != nil {
		r.logger.Debugw("Could not get connection owner pid", "service", id.ServiceName, "error", err)
		return 0
	}

	return pid
}

// Walk probes root and then its descendants depth-first, returning the first
// pid for which probe reports true
func (r *PIDResolver) Walk(root uint32, probe func(pid uint32) bool) (uint32, bool) {
	if root == 0 {
		return 0, false
	}

	if probe(root) {
		return root, true
	}

	if r.tree == nil {
		return 0, false
	}

	visited := map[uint32]bool{root: true}
	return r.walkChildren(root, 0, probe, visited)
}

func (r *PIDResolver) walkChildren(pid uint32, depth int, probe func(uint32) bool, visited map[uint32]bool) (uint32, bool) {
	if depth >= r.maxDepth {
		return 0, false
	}

	children, err := r.tree.Children(pid)
	if err != nil {
		return 0, false
	}

	for _, child := range children {
		if visited[child] {
			continue
		}
		visited[child] = true

		if probe(child) {
			r.logger.Debugw("Matched descendant process", "root", pid, "pid", child, "exe", r.tree.Executable(child))
			return child, true
		}

		if found, ok := r.walkChildren(child, depth+1, probe, visited); ok {
			return found, true
		}
	}

	return 0, false
}

// StreamResolver combines process identity resolution with a StreamMatcher:
// the owning process tree first, then the application name hint
type StreamResolver struct {
	logger  *zap.SugaredLogger
	pids    *PIDResolver
	matcher StreamMatcher
}

// NewStreamResolver creates a StreamResolver
func NewStreamResolver(logger *zap.SugaredLogger, pids *PIDResolver, matcher StreamMatcher) *StreamResolver {
	return &StreamResolver{
		logger:  logger.Named("resolver"),
		pids:    pids,
		matcher: matcher,
	}
}

// Resolve maps an identity to a live stream. Not finding one is the normal
// "no target" state, not an error.
func (sr *StreamResolver) Resolve(id TargetIdentity) ResolvedTarget {
	if id.IsZero() {
		return unresolvedTarget()
	}

	if pid := sr.pids.ResolvePID(id); pid != 0 {
		var result ResolvedTarget

		owner, ok := sr.pids.Walk(pid, func(candidate uint32) bool {
			result = sr.matcher.FindStream(candidate, "")
			return result.Found
		})

		if ok {
			sr.logger.Debugw("Resolved stream by pid", "target", id, "pid", owner, "serial", result.StreamSerial)
			return result
		}
	}

	if hint := id.AppNameHint(); hint != "" {
		if result := sr.matcher.FindStream(0, hint); result.Found {
			sr.logger.Debugw("Resolved stream by application name", "target", id, "hint", hint, "serial", result.StreamSerial)
			return result
		}
	}

	sr.logger.Debugw("No stream for target", "target", id)
	return unresolvedTarget()
}

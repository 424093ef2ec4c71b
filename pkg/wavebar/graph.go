package wavebar

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStreamNotFound is returned by volume operations addressed to a stream
// that no longer appears in the audio graph
var ErrStreamNotFound = errors.New("audio stream not found")

// GraphObjectRecord describes one audio output stream currently routed
// through the audio graph
type GraphObjectRecord struct {
	ObjectID       uint32
	StreamSerial   int32
	OutputDeviceID uint32
	NodeName       string
	AppName        string
}

func (r GraphObjectRecord) String() string {
	return fmt.Sprintf("stream #%d (serial %d, device %d, app %q)", r.ObjectID, r.StreamSerial, r.OutputDeviceID, r.AppName)
}

// ResolvedTarget is the outcome of mapping a player to a live stream.
// A StreamSerial of -1 means unresolved.
type ResolvedTarget struct {
	StreamSerial   int32
	OutputDeviceID uint32
	Found          bool
}

func unresolvedTarget() ResolvedTarget {
	return ResolvedTarget{StreamSerial: -1}
}

// StreamMatcher maps a process id, or failing that an application name
// substring, to a live audio stream. A zero pid skips the process match and
// an empty hint skips the name match.
type StreamMatcher interface {
	FindStream(pid uint32, appNameHint string) ResolvedTarget
}

// appNameMatches reports whether appName contains hint, ignoring case.
// Browsers register as "Chromium" while bus names are lowercase.
func appNameMatches(appName, hint string) bool {
	return appName != "" && hint != "" && strings.Contains(strings.ToLower(appName), strings.ToLower(hint))
}

// GraphEventType distinguishes the graph notifications a GraphSource emits
type GraphEventType int

const (
	// StreamAppeared is sent for new streams and for changes to known ones
	StreamAppeared GraphEventType = iota
	// StreamRemoved is sent when a stream leaves the graph
	StreamRemoved
	// DeviceRemoved is sent when an output device leaves the graph
	DeviceRemoved
)

func (t GraphEventType) String() string {
	switch t {
	case StreamAppeared:
		return "stream-appeared"
	case StreamRemoved:
		return "stream-removed"
	case DeviceRemoved:
		return "device-removed"
	default:
		return fmt.Sprintf("graph-event(%d)", int(t))
	}
}

// GraphEvent is a single audio graph notification. Record is only populated
// for StreamAppeared.
type GraphEvent struct {
	Type     GraphEventType
	ObjectID uint32
	Record   GraphObjectRecord
}

// GraphSource enumerates the audio streams already present, then keeps
// delivering arrivals and departures until closed
type GraphSource interface {
	Start(events chan<- GraphEvent) error
	Close() error
}

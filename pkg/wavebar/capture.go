package wavebar

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned by Connect after Close
	ErrSessionClosed = errors.New("capture session closed")

	// ErrFormatRejected is returned when a device refuses the capture format
	ErrFormatRejected = errors.New("capture format rejected")
)

const captureSampleRate = 48000

// SessionState is the lifecycle state of a CaptureSession
type SessionState int

const (
	// SessionIdle means nothing is attached
	SessionIdle SessionState = iota
	// SessionConnecting means an attachment is being opened
	SessionConnecting
	// SessionStreaming means buffers are being delivered
	SessionStreaming
	// SessionError means the last attachment failed. It stays that way until
	// the next Connect or Disconnect.
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionStreaming:
		return "streaming"
	case SessionError:
		return "error"
	default:
		return fmt.Sprintf("session-state(%d)", int(s))
	}
}

// CaptureStream is one open attachment to a device's monitor feed
type CaptureStream interface {
	Start() error
	Close()
}

// Capturer opens capture attachments: interleaved float32, stereo, 48 kHz.
// onSamples is called on the audio thread.
type Capturer interface {
	Open(deviceID uint32, onSamples func(samples []float32)) (CaptureStream, error)
}

// CaptureSession keeps at most one attachment open and feeds its buffers
// into a BarPipeline
type CaptureSession struct {
	logger   *zap.SugaredLogger
	capturer Capturer
	pipeline *BarPipeline

	lock     sync.Mutex
	state    SessionState
	deviceID uint32
	stream   CaptureStream
	closed   bool
}

// NewCaptureSession creates an idle CaptureSession
func NewCaptureSession(logger *zap.SugaredLogger, capturer Capturer, pipeline *BarPipeline) *CaptureSession {
	return &CaptureSession{
		logger:   logger.Named("capture"),
		capturer: capturer,
		pipeline: pipeline,
	}
}

// Connect attaches to deviceID's monitor feed. Connecting to the device
// already streaming is a no-op; any other attachment is torn down first.
func (cs *CaptureSession) Connect(deviceID uint32) error {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	if cs.closed {
		return ErrSessionClosed
	}

	if cs.state == SessionStreaming && cs.deviceID == deviceID {
		return nil
	}

	cs.teardown()

	cs.state = SessionConnecting
	cs.deviceID = deviceID
	cs.pipeline.Reset()

	stream, err := cs.capturer.Open(deviceID, cs.pipeline.OnSamples)
	if err != nil {
		cs.state = SessionError
		cs.logger.Warnw("Failed to open capture stream", "device", deviceID, "error", err)
		return fmt.Errorf("open capture on device %d: %w", deviceID, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		cs.state = SessionError
		cs.logger.Warnw("Failed to start capture stream", "device", deviceID, "error", err)
		return fmt.Errorf("start capture on device %d: %w", deviceID, err)
	}

	cs.stream = stream
	cs.state = SessionStreaming
	cs.logger.Infow("Capturing device monitor", "device", deviceID)

	return nil
}

// Disconnect closes the attachment, if any, and clears the bars
func (cs *CaptureSession) Disconnect() {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	if cs.stream == nil && cs.state == SessionIdle {
		return
	}

	cs.teardown()
	cs.pipeline.Reset()
	cs.state = SessionIdle
	cs.logger.Debug("Capture disconnected")
}

// Close disconnects and refuses further connections
func (cs *CaptureSession) Close() {
	cs.Disconnect()

	cs.lock.Lock()
	cs.closed = true
	cs.lock.Unlock()
}

// State returns the current lifecycle state
func (cs *CaptureSession) State() SessionState {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	return cs.state
}

// DeviceID returns the device of the current or last failed attachment.
// ok is false while idle.
func (cs *CaptureSession) DeviceID() (uint32, bool) {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	if cs.state == SessionIdle {
		return 0, false
	}

	return cs.deviceID, true
}

// teardown requires cs.lock. Once the stream is closed no more callbacks
// reach the pipeline.
func (cs *CaptureSession) teardown() {
	if cs.stream != nil {
		cs.stream.Close()
		cs.stream = nil
	}
}

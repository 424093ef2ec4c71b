package wavebar

import (
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const captureMediaName = "wavebar visualizer"

// PulseCapturer records from sink monitor sources over the PulseAudio
// protocol (pipewire-pulse on PipeWire systems)
type PulseCapturer struct {
	logger *zap.SugaredLogger
	client *pulse.Client
}

// NewPulseCapturer connects to the audio server
func NewPulseCapturer(logger *zap.SugaredLogger) (*PulseCapturer, error) {
	logger = logger.Named("capture")

	client, err := pulse.NewClient(pulse.ClientApplicationName("wavebar"))
	if err != nil {
		logger.Warnw("Failed to connect to audio server", "error", err)
		return nil, fmt.Errorf("connect to audio server: %w", err)
	}

	return &PulseCapturer{logger: logger, client: client}, nil
}

// Open implements Capturer. The device id is a sink index; capture taps the
// sink's monitor source.
func (pc *PulseCapturer) Open(deviceID uint32, onSamples func(samples []float32)) (CaptureStream, error) {
	var sink proto.GetSinkInfoReply
	if err := pc.client.RawRequest(&proto.GetSinkInfo{SinkIndex: deviceID}, &sink); err != nil {
		return nil, fmt.Errorf("get sink info: %w", err)
	}

	source, err := pc.client.SourceByID(sink.MonitorSourceName)
	if err != nil {
		return nil, fmt.Errorf("find monitor source %q: %w", sink.MonitorSourceName, err)
	}

	writer := pulse.Float32Writer(func(samples []float32) (int, error) {
		onSamples(samples)
		return len(samples), nil
	})

	stream, err := pc.client.NewRecord(writer,
		pulse.RecordSource(source),
		pulse.RecordStereo,
		pulse.RecordSampleRate(captureSampleRate),
		pulse.RecordMediaName(captureMediaName),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatRejected, err)
	}

	pc.logger.Debugw("Opened record stream", "sink", sink.SinkName, "monitor", sink.MonitorSourceName)

	return &pulseRecordStream{stream: stream}, nil
}

// Close disconnects from the audio server
func (pc *PulseCapturer) Close() {
	pc.client.Close()
}

type pulseRecordStream struct {
	stream *pulse.RecordStream
}

func (s *pulseRecordStream) Start() error {
	s.stream.Start()
	return s.stream.Error()
}

func (s *pulseRecordStream) Close() {
	s.stream.Stop()
	s.stream.Close()
}

package wavebar

import (
	"errors"
	"math"
	"sync/atomic"
)

// BarCount is the number of bars the visualization draws
const BarCount = 55

// BarLevels holds one fraction in [0, 1] per bar
type BarLevels [BarCount]float64

// AGCConfig tunes the automatic gain control and bar smoothing
type AGCConfig struct {
	// Attack weighs the old peak when the signal gets louder
	Attack float64
	// Decay multiplies the peak on every buffer that isn't louder
	Decay float64
	// Floor keeps the tracked peak above zero so silence isn't amplified
	Floor float64
	// VisualGain scales group RMS before clamping
	VisualGain float64
	// Smoothing weighs the previous bar level against the new one
	Smoothing float64
}

// DefaultAGCConfig returns the tuned defaults
func DefaultAGCConfig() AGCConfig {
	return AGCConfig{
		Attack:     0.9,
		Decay:      0.9995,
		Floor:      0.0001,
		VisualGain: 2.5,
		Smoothing:  0.7,
	}
}

// Validate checks every coefficient is within its usable range
func (c AGCConfig) Validate() error {
	switch {
	case c.Attack < 0 || c.Attack >= 1:
		return errors.New("agc attack must be in [0, 1)")
	case c.Decay <= 0 || c.Decay > 1:
		return errors.New("agc decay must be in (0, 1]")
	case c.Floor <= 0:
		return errors.New("agc floor must be positive")
	case c.VisualGain <= 0:
		return errors.New("agc visual gain must be positive")
	case c.Smoothing < 0 || c.Smoothing >= 1:
		return errors.New("agc smoothing must be in [0, 1)")
	}

	return nil
}

// SignalProcessor turns interleaved stereo float buffers into smoothed bar
// levels whose range doesn't depend on the source's loudness. Process runs on
// the audio thread: it doesn't allocate, block or log.
type SignalProcessor struct {
	config atomic.Value // AGCConfig
	peak   float64
}

// NewSignalProcessor creates a SignalProcessor
func NewSignalProcessor(config AGCConfig) *SignalProcessor {
	sp := &SignalProcessor{peak: config.Floor}
	sp.config.Store(config)

	return sp
}

// SetConfig swaps the coefficients used from the next buffer on. Safe to
// call from any goroutine.
func (sp *SignalProcessor) SetConfig(config AGCConfig) {
	sp.config.Store(config)
}

// Config returns the coefficients currently in use
func (sp *SignalProcessor) Config() AGCConfig {
	return sp.config.Load().(AGCConfig)
}

// Reset forgets the tracked peak. Only call while no buffers are flowing.
func (sp *SignalProcessor) Reset() {
	sp.peak = sp.Config().Floor
}

// Process folds one buffer into levels. A buffer without a whole frame
// leaves levels untouched.
func (sp *SignalProcessor) Process(levels *BarLevels, samples []float32) {
	frames := len(samples) / 2
	if frames == 0 {
		return
	}

	cfg := sp.Config()

	var bufferPeak float64
	for i := 0; i < frames; i++ {
		magnitude := (math.Abs(float64(samples[2*i])) + math.Abs(float64(samples[2*i+1]))) / 2
		if magnitude > bufferPeak {
			bufferPeak = magnitude
		}
	}

	if bufferPeak > sp.peak {
		sp.peak = cfg.Attack*sp.peak + (1-cfg.Attack)*bufferPeak
	} else {
		sp.peak *= cfg.Decay
	}

	if sp.peak < cfg.Floor {
		sp.peak = cfg.Floor
	}

	gain := 1 / sp.peak

	framesPerBar := frames / BarCount
	if framesPerBar < 1 {
		framesPerBar = 1
	}

	for bar := 0; bar < BarCount; bar++ {
		start := bar * framesPerBar
		end := start + framesPerBar
		if bar == BarCount-1 || end > frames {
			end = frames
		}

		var level float64
		if start < end {
			var sumSquares float64
			for i := start; i < end; i++ {
				mono := (float64(samples[2*i]) + float64(samples[2*i+1])) / 2 * gain
				sumSquares += mono * mono
			}

			level = math.Sqrt(sumSquares/float64(end-start)) * cfg.VisualGain
			if level > 1 {
				level = 1
			}
		}

		levels[bar] = cfg.Smoothing*levels[bar] + (1-cfg.Smoothing)*level
	}
}

// BarPipeline binds a SignalProcessor to the BarState it publishes into.
// Its working levels belong to the audio thread; only the finished array
// crosses into BarState.
type BarPipeline struct {
	processor *SignalProcessor
	state     *BarState
	levels    BarLevels
}

// NewBarPipeline creates a BarPipeline
func NewBarPipeline(processor *SignalProcessor, state *BarState) *BarPipeline {
	return &BarPipeline{processor: processor, state: state}
}

// OnSamples is the capture callback
func (bp *BarPipeline) OnSamples(samples []float32) {
	bp.processor.Process(&bp.levels, samples)
	bp.state.Store(bp.levels)
}

// Reset zeroes the working and published levels. Only call while no
// buffers are flowing.
func (bp *BarPipeline) Reset() {
	bp.levels = BarLevels{}
	bp.processor.Reset()
	bp.state.Reset()
}

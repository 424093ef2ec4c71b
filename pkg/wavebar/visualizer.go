package wavebar

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoTarget is returned by operations that need a target player when none is set
var ErrNoTarget = errors.New("no target player")

const (
	defaultRetryAttempts = 5
	defaultRetryInterval = 500 * time.Millisecond

	graphEventBuffer = 64
)

// VisualizerConfig tunes target resolution retries
type VisualizerConfig struct {
	RetryAttempts int
	RetryInterval time.Duration
}

// Visualizer follows one target player's audio: it resolves the player to a
// stream, attaches capture to that stream's output device and keeps the
// attachment in step with the audio graph.
//
// All mutable state below the loop marker is owned by the loop goroutine.
// Everything else reaches it through commands.
type Visualizer struct {
	logger    *zap.SugaredLogger
	resolver  *StreamResolver
	graph     GraphSource
	session   *CaptureSession
	bars      *BarState
	processor *SignalProcessor
	config    VisualizerConfig

	commands    chan func()
	graphEvents chan GraphEvent
	stopChannel chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once

	// generation is bumped by the loop on every target change and read by
	// resolution goroutines to notice supersession
	generation uint64

	publishedLock sync.Mutex
	published     ResolvedTarget

	// loop
	cache         *GraphCache
	target        TargetIdentity
	resolved      ResolvedTarget
	matchedObject uint32
	hasMatch      bool
	retrying      bool
}

// NewVisualizer creates a Visualizer. It does nothing until Start.
func NewVisualizer(
	logger *zap.SugaredLogger,
	resolver *StreamResolver,
	graph GraphSource,
	capturer Capturer,
	agc AGCConfig,
	config VisualizerConfig,
) *Visualizer {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaultRetryAttempts
	}

	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}

	bars := &BarState{}
	processor := NewSignalProcessor(agc)

	return &Visualizer{
		logger:      logger.Named("visualizer"),
		resolver:    resolver,
		graph:       graph,
		session:     NewCaptureSession(logger, capturer, NewBarPipeline(processor, bars)),
		bars:        bars,
		processor:   processor,
		config:      config,
		commands:    make(chan func()),
		graphEvents: make(chan GraphEvent, graphEventBuffer),
		stopChannel: make(chan struct{}),
		published:   unresolvedTarget(),
		cache:       NewGraphCache(),
		resolved:    unresolvedTarget(),
	}
}

// Start subscribes to the audio graph and starts the event loop. Without a
// graph subscription the visualizer still attaches to the device reported by
// the resolver.
func (v *Visualizer) Start() {
	v.startOnce.Do(func() {
		if v.graph != nil {
			if err := v.graph.Start(v.graphEvents); err != nil {
				v.logger.Warnw("Audio graph subscription unavailable", "error", err)
			}
		}

		v.wg.Add(1)
		go v.loop()

		v.logger.Debug("Visualizer started")
	})
}

// Stop tears everything down: capture first, then the graph subscription,
// then the loop and any resolution still in flight. A resolution blocked in
// pactl is bounded by the pactl timeout.
func (v *Visualizer) Stop() {
	v.stopOnce.Do(func() {
		v.session.Close()

		if v.graph != nil {
			if err := v.graph.Close(); err != nil {
				v.logger.Debugw("Error closing audio graph", "error", err)
			}
		}

		close(v.stopChannel)
		v.wg.Wait()

		v.logger.Debug("Visualizer stopped")
	})
}

// SetTarget makes id the player to follow, superseding any resolution in
// flight. Setting the same, already resolved identity again is a no-op.
func (v *Visualizer) SetTarget(id TargetIdentity) {
	v.post(func() { v.setTarget(id) })
}

// RetryTarget re-runs resolution a bounded number of times, for players
// whose stream only appears once playback begins. A session left in error
// is retried as well.
func (v *Visualizer) RetryTarget() {
	v.post(v.retryTarget)
}

// RemoveTarget stops following the current player
func (v *Visualizer) RemoveTarget() {
	v.post(func() { v.setTarget(TargetIdentity{}) })
}

// Bars returns a copy of the current bar levels
func (v *Visualizer) Bars() BarLevels {
	return v.bars.Snapshot()
}

// BarState exposes the shared bar state for rendering
func (v *Visualizer) BarState() *BarState {
	return v.bars
}

// Resolved returns the stream the current target resolved to
func (v *Visualizer) Resolved() ResolvedTarget {
	v.publishedLock.Lock()
	defer v.publishedLock.Unlock()

	return v.published
}

// SessionState returns the capture session's state
func (v *Visualizer) SessionState() SessionState {
	return v.session.State()
}

// ApplyAGC swaps the signal processor's coefficients
func (v *Visualizer) ApplyAGC(config AGCConfig) {
	v.processor.SetConfig(config)
}

func (v *Visualizer) stopped() bool {
	select {
	case <-v.stopChannel:
		return true
	default:
		return false
	}
}

// post hands fn to the loop. After Stop it is dropped.
func (v *Visualizer) post(fn func()) {
	select {
	case v.commands <- fn:
	case <-v.stopChannel:
	}
}

// do runs fn on the loop and waits for it to finish
func (v *Visualizer) do(fn func()) {
	done := make(chan struct{})

	v.post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
	case <-v.stopChannel:
	}
}

func (v *Visualizer) loop() {
	defer v.wg.Done()

	for {
		select {
		case <-v.stopChannel:
			return

		case fn := <-v.commands:
			fn()

		case ev := <-v.graphEvents:
			v.handleGraphEvent(ev)
		}
	}
}

func (v *Visualizer) setTarget(id TargetIdentity) {
	if id == v.target && !id.IsZero() && v.resolved.Found {
		v.logger.Debugw("Target unchanged", "target", id)
		return
	}

	v.logger.Infow("Setting target", "target", id)

	v.target = id
	atomic.AddUint64(&v.generation, 1)
	v.retrying = false
	v.clearMatch()
	v.session.Disconnect()

	if id.IsZero() {
		return
	}

	v.resolveAsync(atomic.LoadUint64(&v.generation), id, 1)
}

func (v *Visualizer) retryTarget() {
	if v.target.IsZero() {
		return
	}

	if v.resolved.Found && v.session.State() == SessionStreaming {
		return
	}

	if v.retrying {
		return
	}

	v.logger.Debugw("Retrying target resolution", "target", v.target, "attempts", v.config.RetryAttempts)

	v.retrying = true
	v.resolveAsync(atomic.LoadUint64(&v.generation), v.target, v.config.RetryAttempts)
}

// resolveAsync resolves id off the loop, up to attempts times, and posts
// each result back tagged with the generation it was started for
func (v *Visualizer) resolveAsync(generation uint64, id TargetIdentity, attempts int) {
	// only called from the loop, which holds wg until Stop
	v.wg.Add(1)

	go func() {
		defer v.wg.Done()

		for attempt := 1; attempt <= attempts; attempt++ {
			if v.stopped() || atomic.LoadUint64(&v.generation) != generation {
				return
			}

			result := v.resolver.Resolve(id)
			last := attempt == attempts || result.Found

			v.post(func() { v.onResolved(generation, result, last) })

			if last {
				return
			}

			select {
			case <-time.After(v.config.RetryInterval):
			case <-v.stopChannel:
				return
			}
		}
	}()
}

func (v *Visualizer) onResolved(generation uint64, result ResolvedTarget, last bool) {
	if generation != atomic.LoadUint64(&v.generation) {
		v.logger.Debugw("Discarding stale resolution", "serial", result.StreamSerial)
		return
	}

	if last {
		v.retrying = false
	}

	if !result.Found {
		// pull side of the cache: a stream seen earlier may carry the name
		result = CacheMatcher{cache: v.cache}.FindStream(0, v.target.AppNameHint())
	}

	if !result.Found {
		if !v.resolved.Found {
			v.logger.Debugw("Target not resolved yet", "target", v.target)
		}
		return
	}

	v.setResolved(result)

	if rec, ok := v.cache.FindBySerial(result.StreamSerial); ok {
		v.attach(rec)
		return
	}

	// not in the graph yet; the resolver already knows the device
	v.connect(result.OutputDeviceID)
}

func (v *Visualizer) handleGraphEvent(ev GraphEvent) {
	switch ev.Type {
	case StreamAppeared:
		v.cache.Insert(ev.Record)
		v.onStreamAppeared(ev.Record)

	case StreamRemoved:
		rec, known := v.cache.Remove(ev.ObjectID)

		matched := v.hasMatch && v.matchedObject == ev.ObjectID
		if known && v.resolved.Found && rec.StreamSerial == v.resolved.StreamSerial {
			matched = true
		}

		if matched {
			v.logger.Infow("Target stream removed", "object", ev.ObjectID)
			v.clearMatch()
			v.session.Disconnect()
		}

	case DeviceRemoved:
		if device, ok := v.session.DeviceID(); ok && device == ev.ObjectID {
			v.logger.Warnw("Captured device removed, forcing disconnect", "device", ev.ObjectID)
			v.clearMatch()
			v.session.Disconnect()
		}
	}
}

func (v *Visualizer) onStreamAppeared(rec GraphObjectRecord) {
	if v.target.IsZero() {
		return
	}

	if v.resolved.Found {
		if rec.StreamSerial != v.resolved.StreamSerial {
			return
		}

		moved := rec.OutputDeviceID != v.resolved.OutputDeviceID
		if moved {
			v.logger.Infow("Target stream moved", "from", v.resolved.OutputDeviceID, "to", rec.OutputDeviceID)
		}

		v.setResolved(resolvedFrom(rec))

		// change events repeat on every volume or cork update. A session in
		// error waits for the next target change or playback retry.
		if moved || v.session.State() == SessionIdle {
			v.attach(rec)
		} else {
			v.matchedObject = rec.ObjectID
			v.hasMatch = true
		}
		return
	}

	hint := v.target.AppNameHint()
	if hint == "" {
		return
	}

	if match, ok := v.cache.FindByAppName(hint); ok && match.ObjectID == rec.ObjectID {
		v.logger.Debugw("Late stream matched target by name", "record", rec)
		v.setResolved(resolvedFrom(rec))
		v.attach(rec)
	}
}

func (v *Visualizer) attach(rec GraphObjectRecord) {
	v.matchedObject = rec.ObjectID
	v.hasMatch = true
	v.connect(rec.OutputDeviceID)
}

func (v *Visualizer) connect(device uint32) {
	if err := v.session.Connect(device); err != nil {
		v.logger.Warnw("Capture unavailable for target", "target", v.target, "device", device, "error", err)
	}
}

func (v *Visualizer) setResolved(result ResolvedTarget) {
	v.resolved = result

	v.publishedLock.Lock()
	v.published = result
	v.publishedLock.Unlock()
}

func (v *Visualizer) clearMatch() {
	v.matchedObject = 0
	v.hasMatch = false
	v.setResolved(unresolvedTarget())
}

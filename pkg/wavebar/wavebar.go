// Package wavebar follows the active media player's audio stream and turns
// it into a live bar visualization with per-application volume control
package wavebar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

const statePublishInterval = time.Second

// Wavebar is the main entity managing access to all sub-components
type Wavebar struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	bus        *MPRISClient
	signals    chan *dbus.Signal
	pactl      *PactlMatcher
	capturer   *PulseCapturer
	visualizer *Visualizer
	volume     *VolumeController
	renderer   *Renderer
	watcher    *PlayerWatcher
	media      *MediaController
	feed       *FeedServer

	stopChannel chan bool
	cancel      context.CancelFunc
	version     string
	verbose     bool
	cliMode     bool
}

// NewWavebar creates a Wavebar instance
func NewWavebar(logger *zap.SugaredLogger, verbose bool) (*Wavebar, error) {
	logger = logger.Named("wavebar")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	w := &Wavebar{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created wavebar instance")

	return w, nil
}

// Initialize sets up components and starts to run in the background
func (w *Wavebar) Initialize() error {
	w.logger.Debug("Initializing")

	// load the config for the first time
	if err := w.config.Load(); err != nil {
		w.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := w.setupComponents(); err != nil {
		w.logger.Errorw("Failed to set up components", "error", err)
		return fmt.Errorf("set up components: %w", err)
	}

	w.setupInterruptHandler()

	if w.cliMode {
		w.logger.Info("Running in CLI mode (no tray icon)")
		w.run()
	} else {
		w.initializeTray(w.run)
	}

	return nil
}

// SetVersion causes wavebar to add a version string to its tray menu if called before Initialize
func (w *Wavebar) SetVersion(version string) {
	w.version = version
}

// SetCLIMode runs without a tray icon when enabled
func (w *Wavebar) SetCLIMode(enabled bool) {
	w.cliMode = enabled
}

// Verbose returns a boolean indicating whether wavebar is running in verbose mode
func (w *Wavebar) Verbose() bool {
	return w.verbose
}

func (w *Wavebar) setupComponents() error {
	cfg := w.config

	capturer, err := NewPulseCapturer(w.logger)
	if err != nil {
		w.notifier.Notify("Can't reach the audio server", "Make sure PipeWire (or PulseAudio) is running.")
		return fmt.Errorf("create capturer: %w", err)
	}
	w.capturer = capturer

	var (
		owners  ConnectionPIDLookup
		players PlayerVolume
		methods PlayerMethods
	)

	if bus, err := NewMPRISClient(w.logger); err != nil {
		w.logger.Warnw("Session bus unavailable, player tracking disabled", "error", err)
		w.notifier.Notify("No session bus", "wavebar can't see media players without D-Bus.")
	} else {
		w.bus = bus
		owners, players, methods = bus, bus, bus
	}

	w.pactl = NewPactlMatcher(w.logger, cfg.PactlPath, cfg.PactlTimeout)
	if !w.pactl.Available() {
		w.logger.Warnw("pactl not found, streams can only be matched by name", "path", cfg.PactlPath)
	}

	pids := NewPIDResolver(w.logger, owners, NewPSProcessTree(w.logger))
	resolver := NewStreamResolver(w.logger, pids, w.pactl)

	w.visualizer = NewVisualizer(w.logger, resolver, NewPulseGraph(w.logger), capturer, cfg.AGCConfig(), VisualizerConfig{
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
	})

	w.volume = NewVolumeController(w.logger, resolver, w.pactl, players, VolumeControllerConfig{
		Method:   cfg.VolumeMethod,
		Debounce: cfg.VolumeDebounce,
	})

	w.renderer = NewRenderer(w.logger, w.visualizer.BarState(), cfg.Renderer, w.drawFrame)

	if w.bus != nil {
		w.watcher = NewPlayerWatcher(w.logger, w.bus, w, NewPreferenceStore(internalConfigDir), cfg.PlayerWatcherConfig())
	}

	w.media = NewMediaController(w.logger, methods, w.currentPlayer)

	if cfg.FeedListen != "" {
		w.feed = NewFeedServer(w.logger, cfg.FeedListen, w)
	}

	return nil
}

// OnTargetChanged implements PlayerEvents
func (w *Wavebar) OnTargetChanged(id TargetIdentity) {
	w.visualizer.SetTarget(id)
	w.volume.SetTarget(id)
}

// OnPlaybackStarted implements PlayerEvents
func (w *Wavebar) OnPlaybackStarted() {
	w.visualizer.RetryTarget()
	w.volume.Refresh()
}

// OnTargetRemoved implements PlayerEvents
func (w *Wavebar) OnTargetRemoved() {
	w.visualizer.RemoveTarget()
	w.volume.RemoveTarget()
	w.renderer.Hide()
}

// HandleFeedCommand implements FeedHandler
func (w *Wavebar) HandleFeedCommand(cmd FeedCommand) error {
	switch cmd.Type {
	case FeedCommandShow:
		w.renderer.Show()
	case FeedCommandHide:
		w.renderer.Hide()
	case FeedCommandSetVolume:
		if !w.volume.IsSupported() {
			return ErrVolumeUnsupported
		}
		w.volume.Set(cmd.Value)
	case FeedCommandCyclePlayer:
		w.cyclePlayer(cmd.Forward)
	case FeedCommandPlayPause:
		return w.media.PlayPause()
	case FeedCommandNext:
		return w.media.NextTrack()
	case FeedCommandPrevious:
		return w.media.PrevTrack()
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}

	return nil
}

func (w *Wavebar) cyclePlayer(forward bool) {
	if w.watcher == nil {
		w.logger.Debug("No player watcher, can't switch players")
		return
	}

	w.watcher.CyclePlayer(forward)
}

func (w *Wavebar) currentPlayer() string {
	if w.watcher == nil {
		return ""
	}

	return w.watcher.Current()
}

// drawFrame runs on the renderer's goroutine. Hidden frames are sent once.
func (w *Wavebar) drawFrame(frame Frame) {
	if w.feed == nil {
		return
	}

	w.feed.PublishFrame(frame)
}

func (w *Wavebar) feedState() FeedState {
	resolved := w.visualizer.Resolved()

	state := FeedState{
		Player:          w.currentPlayer(),
		Resolved:        resolved.Found,
		StreamSerial:    resolved.StreamSerial,
		OutputDevice:    resolved.OutputDeviceID,
		Session:         w.visualizer.SessionState().String(),
		VolumeSupported: w.volume.IsSupported(),
		VolumeBackend:   w.volume.Backend().String(),
	}

	if state.VolumeSupported {
		if volume, err := w.volume.Get(); err == nil {
			state.Volume = volume
		}
	}

	return state
}

func (w *Wavebar) publishState(ctx context.Context) {
	ticker := time.NewTicker(statePublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.feed.PublishState(w.feedState())
		}
	}
}

func (w *Wavebar) setupOnConfigReload(ctx context.Context) {
	configReloadedChannel := w.config.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return

			case <-configReloadedChannel:
				w.visualizer.ApplyAGC(w.config.AGCConfig())

				if w.watcher != nil {
					w.watcher.SetConfig(w.config.PlayerWatcherConfig())
				}

				w.logger.Info("Applied reloaded config, renderer and volume settings take effect on restart")
			}
		}
	}()
}

func (w *Wavebar) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		w.logger.Debugw("Interrupted", "signal", signal)
		w.signalStop()
	}()
}

func (w *Wavebar) run() {
	w.logger.Info("Run loop starting")

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	// watch the config file for changes
	if w.config.HasFile() {
		go w.config.WatchConfigFileChanges()
	}

	w.setupOnConfigReload(ctx)

	w.visualizer.Start()
	go w.renderer.Run(ctx)

	if w.feed != nil {
		go func() {
			if err := w.feed.Run(ctx); err != nil {
				w.logger.Warnw("UI feed stopped", "error", err)
				w.notifier.Notify("UI feed unavailable", err.Error())
			}
		}()

		go w.publishState(ctx)
	}

	if w.watcher != nil {
		signals, err := w.bus.Subscribe()
		if err != nil {
			w.logger.Warnw("Failed to subscribe to player signals, following the initial player only", "error", err)
		}

		w.signals = signals
		w.watcher.Start(signals)
	}

	// wait until stopped (gracefully)
	<-w.stopChannel
	w.logger.Debug("Stop channel signaled, terminating")

	if err := w.stop(); err != nil {
		w.logger.Warnw("Failed to stop wavebar", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (w *Wavebar) signalStop() {
	w.logger.Debug("Signalling stop channel")
	w.stopChannel <- true
}

func (w *Wavebar) stop() error {
	w.logger.Info("Stopping")

	var errs []error

	if w.config.HasFile() {
		w.config.StopWatchingConfigFile()
	}

	if w.watcher != nil {
		w.watcher.Stop()
	}

	if w.signals != nil {
		w.bus.Unsubscribe(w.signals)
	}

	w.volume.Flush()

	if w.cancel != nil {
		w.cancel()
	}

	w.visualizer.Stop()
	w.capturer.Close()

	if w.bus != nil {
		if err := w.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if !w.cliMode {
		w.stopTray()
	}

	// attempt to sync on exit; stderr sync commonly fails with EINVAL
	_ = w.logger.Sync()

	if len(errs) > 0 {
		return errors.New(fmt.Sprint(errs))
	}

	return nil
}

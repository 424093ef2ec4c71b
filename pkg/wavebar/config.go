package wavebar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for wavebar's configuration file
type CanonicalConfig struct {
	VolumeMethod    VolumeMethod
	PreferredPlayer string
	ExcludedPlayers []string
	Layout          Layout

	Renderer RendererConfig
	AGC      AGCConfig

	RetryAttempts int
	RetryInterval time.Duration

	PactlPath    string
	PactlTimeout time.Duration

	VolumeDebounce time.Duration

	FeedListen string

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	lock            sync.Mutex
	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigType     = "yaml"

	configKeyVolumeMethod    = "volume_method"
	configKeyPreferredPlayer = "preferred_player"
	configKeyExcludedPlayers = "excluded_players"
	configKeyLayout          = "layout"
	configKeyFPS             = "visualizer.fps"
	configKeyMinBarSize      = "visualizer.min_bar_size"
	configKeyMaxBarSize      = "visualizer.max_bar_size"
	configKeyAGCAttack       = "agc.attack"
	configKeyAGCDecay        = "agc.decay"
	configKeyAGCFloor        = "agc.floor"
	configKeyAGCVisualGain   = "agc.visual_gain"
	configKeyAGCSmoothing    = "agc.smoothing"
	configKeyRetryAttempts   = "retry.attempts"
	configKeyRetryInterval   = "retry.interval_ms"
	configKeyPactlPath       = "pactl.path"
	configKeyPactlTimeout    = "pactl.timeout_ms"
	configKeyVolumeDebounce  = "volume.debounce_ms"
	configKeyFeedListen      = "ui_feed.listen"

	defaultFPS = 60

	configReloadDelay = 50 * time.Millisecond
)

// resolved from $XDG_CONFIG_HOME at startup
var internalConfigDir = util.XDGConfigDir("wavebar")

// fileConfig mirrors the yaml layout, only to catch misspelled keys
type fileConfig struct {
	VolumeMethod    string   `yaml:"volume_method"`
	PreferredPlayer string   `yaml:"preferred_player"`
	ExcludedPlayers []string `yaml:"excluded_players"`
	Layout          string   `yaml:"layout"`
	Visualizer      struct {
		FPS        int `yaml:"fps"`
		MinBarSize int `yaml:"min_bar_size"`
		MaxBarSize int `yaml:"max_bar_size"`
	} `yaml:"visualizer"`
	AGC struct {
		Attack     float64 `yaml:"attack"`
		Decay      float64 `yaml:"decay"`
		Floor      float64 `yaml:"floor"`
		VisualGain float64 `yaml:"visual_gain"`
		Smoothing  float64 `yaml:"smoothing"`
	} `yaml:"agc"`
	Retry struct {
		Attempts   int `yaml:"attempts"`
		IntervalMS int `yaml:"interval_ms"`
	} `yaml:"retry"`
	Pactl struct {
		Path      string `yaml:"path"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"pactl"`
	Volume struct {
		DebounceMS int `yaml:"debounce_ms"`
	} `yaml:"volume"`
	UIFeed struct {
		Listen string `yaml:"listen"`
	} `yaml:"ui_feed"`
}

// NewConfig creates a config instance for the wavebar object and sets up viper instances for wavebar's config files
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	return newConfig(logger, notifier, ".", internalConfigDir)
}

func newConfig(logger *zap.SugaredLogger, notifier Notifier, searchPaths ...string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(userConfigType)
	for _, path := range searchPaths {
		userConfig.AddConfigPath(path)
	}

	setConfigDefaults(userConfig)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func setConfigDefaults(v *viper.Viper) {
	agc := DefaultAGCConfig()

	v.SetDefault(configKeyVolumeMethod, string(VolumeMethodAuto))
	v.SetDefault(configKeyPreferredPlayer, "")
	v.SetDefault(configKeyExcludedPlayers, []string{})
	v.SetDefault(configKeyLayout, string(LayoutHorizontal))
	v.SetDefault(configKeyFPS, defaultFPS)
	v.SetDefault(configKeyMinBarSize, 1)
	v.SetDefault(configKeyMaxBarSize, 0)
	v.SetDefault(configKeyAGCAttack, agc.Attack)
	v.SetDefault(configKeyAGCDecay, agc.Decay)
	v.SetDefault(configKeyAGCFloor, agc.Floor)
	v.SetDefault(configKeyAGCVisualGain, agc.VisualGain)
	v.SetDefault(configKeyAGCSmoothing, agc.Smoothing)
	v.SetDefault(configKeyRetryAttempts, defaultRetryAttempts)
	v.SetDefault(configKeyRetryInterval, int(defaultRetryInterval/time.Millisecond))
	v.SetDefault(configKeyPactlPath, defaultPactlPath)
	v.SetDefault(configKeyPactlTimeout, int(defaultPactlTimeout/time.Millisecond))
	v.SetDefault(configKeyVolumeDebounce, int(defaultVolumeDebounce/time.Millisecond))
	v.SetDefault(configKeyFeedListen, "")
}

// Load reads wavebar's config file from disk and tries to parse it. A
// missing file leaves every value at its default.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			if strings.Contains(err.Error(), "yaml:") {
				cc.notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notify("Error loading configuration!", "Please check wavebar's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}

		cc.logger.Info("No config file found, using defaults")
	} else {
		cc.warnUnknownKeys(cc.userConfig.ConfigFileUsed())
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notify("Invalid configuration!", err.Error())
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"volumeMethod", cc.VolumeMethod,
		"preferredPlayer", cc.PreferredPlayer,
		"excludedPlayers", cc.ExcludedPlayers,
		"layout", cc.Layout,
		"renderer", cc.Renderer,
		"agc", cc.AGC,
		"feedListen", cc.FeedListen)

	return nil
}

// HasFile reports whether a config file was found, and so can be watched
func (cc *CanonicalConfig) HasFile() bool {
	return cc.userConfig.ConfigFileUsed() != ""
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.lock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.lock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfig.ConfigFileUsed())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Reload(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// Reload re-reads the file. An invalid file leaves the previous values in place.
func (cc *CanonicalConfig) Reload() error {
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.notify("Invalid configuration!", "Keeping the previous configuration.")
		return fmt.Errorf("read user config: %w", err)
	}

	cc.warnUnknownKeys(cc.userConfig.ConfigFileUsed())

	if err := cc.populateFromVipers(); err != nil {
		cc.notify("Invalid configuration!", err.Error())
		return fmt.Errorf("populate config fields: %w", err)
	}

	return nil
}

// populateFromVipers validates every value before touching the live fields,
// so a bad edit keeps the previous configuration
func (cc *CanonicalConfig) populateFromVipers() error {
	v := cc.userConfig

	method, err := ParseVolumeMethod(v.GetString(configKeyVolumeMethod))
	if err != nil {
		return err
	}

	layout, err := ParseLayout(v.GetString(configKeyLayout))
	if err != nil {
		return err
	}

	renderer := RendererConfig{
		FPS:        v.GetInt(configKeyFPS),
		MinBarSize: v.GetInt(configKeyMinBarSize),
		MaxBarSize: v.GetInt(configKeyMaxBarSize),
	}

	if renderer.MaxBarSize <= 0 {
		renderer.MaxBarSize = layout.MaxBarSize()
	}

	if renderer.FPS <= 0 {
		return fmt.Errorf("%s must be positive, got %d", configKeyFPS, renderer.FPS)
	}

	if renderer.MinBarSize < 0 || renderer.MinBarSize >= renderer.MaxBarSize {
		return fmt.Errorf("%s must be in [0, %d), got %d", configKeyMinBarSize, renderer.MaxBarSize, renderer.MinBarSize)
	}

	agc := AGCConfig{
		Attack:     v.GetFloat64(configKeyAGCAttack),
		Decay:      v.GetFloat64(configKeyAGCDecay),
		Floor:      v.GetFloat64(configKeyAGCFloor),
		VisualGain: v.GetFloat64(configKeyAGCVisualGain),
		Smoothing:  v.GetFloat64(configKeyAGCSmoothing),
	}

	if err := agc.Validate(); err != nil {
		return err
	}

	attempts := v.GetInt(configKeyRetryAttempts)
	if attempts < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", configKeyRetryAttempts, attempts)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{configKeyRetryInterval, configKeyPactlTimeout, configKeyVolumeDebounce} {
		ms := v.GetInt(key)
		if ms <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, ms)
		}
		durations[key] = time.Duration(ms) * time.Millisecond
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()

	cc.VolumeMethod = method
	cc.PreferredPlayer = v.GetString(configKeyPreferredPlayer)
	cc.ExcludedPlayers = v.GetStringSlice(configKeyExcludedPlayers)
	cc.Layout = layout
	cc.Renderer = renderer
	cc.AGC = agc
	cc.RetryAttempts = attempts
	cc.RetryInterval = durations[configKeyRetryInterval]
	cc.PactlPath = v.GetString(configKeyPactlPath)
	cc.PactlTimeout = durations[configKeyPactlTimeout]
	cc.VolumeDebounce = durations[configKeyVolumeDebounce]
	cc.FeedListen = v.GetString(configKeyFeedListen)

	return nil
}

// PlayerWatcherConfig returns the player selection part of the config
func (cc *CanonicalConfig) PlayerWatcherConfig() PlayerWatcherConfig {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	preferred := cc.PreferredPlayer
	if preferred != "" && !isMPRISName(preferred) {
		preferred = mprisBusPrefix + preferred
	}

	return PlayerWatcherConfig{
		Preferred: preferred,
		Excluded:  append([]string(nil), cc.ExcludedPlayers...),
	}
}

// AGCConfig returns the signal processor coefficients
func (cc *CanonicalConfig) AGCConfig() AGCConfig {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	return cc.AGC
}

// warnUnknownKeys decodes the file strictly. Viper silently ignores keys it
// doesn't know, which hides typos like "visual_gian".
func (cc *CanonicalConfig) warnUnknownKeys(path string) {
	if path == "" {
		return
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return
	}

	if err := checkConfigKeys(data); err != nil {
		cc.logger.Warnw("Config file contains unexpected entries", "path", filepath.Base(path), "error", err)
		cc.notify("Unknown configuration keys", err.Error())
	}
}

func checkConfigKeys(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var parsed fileConfig
	if err := decoder.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.Lock()
	consumers := append([]chan bool(nil), cc.reloadConsumers...)
	cc.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- true:
		case <-time.After(configReloadDelay):
			cc.logger.Debug("Config consumer busy, skipping reload notification")
		}
	}
}

func (cc *CanonicalConfig) notify(title, message string) {
	if cc.notifier != nil {
		cc.notifier.Notify(title, message)
	}
}

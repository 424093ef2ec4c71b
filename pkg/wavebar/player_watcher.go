package wavebar

import (
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// players that are never followed, on top of the configured exclusions
var alwaysExcludedPlayers = []string{"playerctld", "firefox", "brave"}

// chromium only counts as a player when it's one of these web apps
var chromiumAppIdentities = []string{"TIDAL", "tidal", "Cider", "YouTube Music"}

// PlayerEvents receives the watcher's view of the target player
type PlayerEvents interface {
	OnTargetChanged(id TargetIdentity)
	OnPlaybackStarted()
	OnTargetRemoved()
}

// PlayerBus is the part of the session bus the watcher queries
type PlayerBus interface {
	ListNames() ([]string, error)
	NameOwner(serviceName string) (string, error)
	Identity(serviceName string) (string, error)
	PlaybackStatus(serviceName string) (string, error)
}

// PlayerWatcherConfig picks which players may become the target
type PlayerWatcherConfig struct {
	Preferred string
	Excluded  []string
}

// PlayerWatcher tracks media players on the session bus and decides which
// one is the target
type PlayerWatcher struct {
	logger *zap.SugaredLogger
	bus    PlayerBus
	events PlayerEvents
	prefs  *PreferenceStore

	lock    sync.Mutex
	config  PlayerWatcherConfig
	players []string
	current string
	owner   string

	stopChannel chan struct{}
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewPlayerWatcher creates a PlayerWatcher. prefs may be nil, in which case
// manual player switches aren't remembered.
func NewPlayerWatcher(
	logger *zap.SugaredLogger,
	bus PlayerBus,
	events PlayerEvents,
	prefs *PreferenceStore,
	config PlayerWatcherConfig,
) *PlayerWatcher {
	return &PlayerWatcher{
		logger:      logger.Named("mpris"),
		bus:         bus,
		events:      events,
		prefs:       prefs,
		config:      config,
		stopChannel: make(chan struct{}),
	}
}

// Start picks the initial target and follows bus signals until Stop
func (pw *PlayerWatcher) Start(signals <-chan *dbus.Signal) {
	pw.refresh()

	if name := pw.initialPlayer(); name != "" {
		pw.selectPlayer(name)
	} else {
		pw.logger.Info("No media player found, waiting for one to appear")
	}

	if signals == nil {
		return
	}

	pw.wg.Add(1)
	go func() {
		defer pw.wg.Done()

		for {
			select {
			case <-pw.stopChannel:
				pw.logger.Debug("Player watcher stopped")
				return

			case sig, ok := <-signals:
				if !ok {
					pw.logger.Warn("Session bus signal channel closed")
					return
				}
				pw.handleSignal(sig)
			}
		}
	}()
}

// Stop ends signal processing
func (pw *PlayerWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.stopChannel)
		pw.wg.Wait()
	})
}

// Current returns the target's bus name, empty when there is none
func (pw *PlayerWatcher) Current() string {
	pw.lock.Lock()
	defer pw.lock.Unlock()

	return pw.current
}

// Players returns the candidate players in selection order
func (pw *PlayerWatcher) Players() []string {
	pw.lock.Lock()
	defer pw.lock.Unlock()

	return append([]string(nil), pw.players...)
}

// SetConfig swaps preferred and excluded players. A newly excluded target
// is dropped.
func (pw *PlayerWatcher) SetConfig(config PlayerWatcherConfig) {
	pw.lock.Lock()
	pw.config = config
	pw.lock.Unlock()

	pw.refresh()

	current := pw.Current()
	if current != "" && !funk.ContainsString(pw.Players(), current) {
		pw.logger.Infow("Target player is now excluded", "service", current)
		pw.dropCurrent()
	}

	if pw.Current() == "" {
		if name := pw.initialPlayer(); name != "" {
			pw.selectPlayer(name)
		}
	}
}

// CyclePlayer moves the target to the next (or previous) available player
// and remembers the choice
func (pw *PlayerWatcher) CyclePlayer(forward bool) {
	pw.refresh()

	pw.lock.Lock()
	players := append([]string(nil), pw.players...)
	current := pw.current
	pw.lock.Unlock()

	if len(players) == 0 {
		pw.logger.Debug("No players to cycle through")
		return
	}

	next := players[cycleIndex(funk.IndexOfString(players, current), len(players), forward)]
	if next == current {
		return
	}

	pw.logger.Infow("Switching player", "from", current, "to", next)
	pw.selectPlayer(next)

	if pw.prefs != nil {
		if err := pw.prefs.SavePreferredPlayer(next); err != nil {
			pw.logger.Warnw("Failed to remember preferred player", "error", err)
		}
	}
}

func cycleIndex(index, count int, forward bool) int {
	if index < 0 {
		return 0
	}

	if forward {
		return (index + 1) % count
	}

	return (index - 1 + count) % count
}

func (pw *PlayerWatcher) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}

	switch sig.Name {
	case nameOwnerChangedSignal:
		if len(sig.Body) < 3 {
			return
		}

		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)

		pw.handleOwnerChanged(name, oldOwner, newOwner)

	case propertiesChangedSignal:
		if len(sig.Body) < 2 {
			return
		}

		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)

		if iface == mprisPlayerInterface {
			pw.handlePropertiesChanged(sig.Sender, changed)
		}
	}
}

func (pw *PlayerWatcher) handleOwnerChanged(name, oldOwner, newOwner string) {
	if !isMPRISName(name) {
		return
	}

	switch {
	case newOwner == "":
		pw.logger.Debugw("Player left the bus", "service", name)

		pw.lock.Lock()
		pw.players = funk.SubtractString(pw.players, []string{name})
		wasCurrent := name == pw.current
		pw.lock.Unlock()

		if !wasCurrent {
			return
		}

		pw.dropCurrent()

		if next := pw.initialPlayer(); next != "" {
			pw.selectPlayer(next)
		}

	case oldOwner == "":
		if !pw.isCandidate(name) {
			pw.logger.Debugw("Ignoring player", "service", name)
			return
		}

		pw.logger.Debugw("Player joined the bus", "service", name)

		pw.lock.Lock()
		if !funk.ContainsString(pw.players, name) {
			pw.players = append(pw.players, name)
			sort.Strings(pw.players)
		}
		current := pw.current
		preferred := pw.preferredLocked()
		pw.lock.Unlock()

		if current == "" || (name == preferred && current != preferred) {
			pw.selectPlayer(name)
		}
	}
}

func (pw *PlayerWatcher) handlePropertiesChanged(sender string, changed map[string]dbus.Variant) {
	status, ok := changed["PlaybackStatus"]
	if !ok {
		return
	}

	pw.lock.Lock()
	isCurrent := sender != "" && sender == pw.owner
	pw.lock.Unlock()

	if !isCurrent {
		return
	}

	if value, _ := status.Value().(string); value == playbackStatusPlaying {
		pw.logger.Debug("Target player started playing")
		pw.events.OnPlaybackStarted()
	}
}

func (pw *PlayerWatcher) selectPlayer(name string) {
	owner, err := pw.bus.NameOwner(name)
	if err != nil {
		pw.logger.Debugw("Couldn't resolve player owner", "service", name, "error", err)
	}

	pw.lock.Lock()
	pw.current = name
	pw.owner = owner
	pw.lock.Unlock()

	pw.logger.Infow("Target player selected", "service", name)
	pw.events.OnTargetChanged(TargetIdentity{ServiceName: name})

	if status, err := pw.bus.PlaybackStatus(name); err == nil && status == playbackStatusPlaying {
		pw.events.OnPlaybackStarted()
	}
}

func (pw *PlayerWatcher) dropCurrent() {
	pw.lock.Lock()
	name := pw.current
	pw.current = ""
	pw.owner = ""
	pw.lock.Unlock()

	pw.logger.Infow("Target player removed", "service", name)
	pw.events.OnTargetRemoved()
}

// refresh rebuilds the candidate list from the bus
func (pw *PlayerWatcher) refresh() {
	names, err := pw.bus.ListNames()
	if err != nil {
		pw.logger.Warnw("Failed to list bus names", "error", err)
		return
	}

	var players []string
	for _, name := range names {
		if pw.isCandidate(name) {
			players = append(players, name)
		}
	}

	sort.Strings(players)

	pw.lock.Lock()
	pw.players = players
	pw.lock.Unlock()
}

// initialPlayer returns the preferred player when present, else the first one
func (pw *PlayerWatcher) initialPlayer() string {
	pw.lock.Lock()
	defer pw.lock.Unlock()

	if len(pw.players) == 0 {
		return ""
	}

	if preferred := pw.preferredLocked(); preferred != "" && funk.ContainsString(pw.players, preferred) {
		return preferred
	}

	return pw.players[0]
}

// preferredLocked requires pw.lock. A remembered manual choice wins over
// the configured one.
func (pw *PlayerWatcher) preferredLocked() string {
	if pw.prefs != nil {
		if name := pw.prefs.PreferredPlayer(); name != "" {
			return name
		}
	}

	return pw.config.Preferred
}

func (pw *PlayerWatcher) isCandidate(name string) bool {
	if !isMPRISName(name) {
		return false
	}

	pw.lock.Lock()
	excluded := append(append([]string(nil), alwaysExcludedPlayers...), pw.config.Excluded...)
	pw.lock.Unlock()

	for _, pattern := range excluded {
		if pattern != "" && strings.Contains(name, pattern) {
			return false
		}
	}

	if strings.Contains(name, "chromium") {
		identity, err := pw.bus.Identity(name)
		if err != nil {
			return false
		}

		matches := funk.FilterString(chromiumAppIdentities, func(app string) bool {
			return strings.Contains(identity, app)
		})

		return len(matches) > 0
	}

	return true
}

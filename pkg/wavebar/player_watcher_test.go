package wavebar

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap/zaptest"
)

type fakeBus struct {
	lock       sync.Mutex
	names      []string
	owners     map[string]string
	identities map[string]string
	statuses   map[string]string
	calls      []string
}

func (b *fakeBus) ListNames() ([]string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]string{"org.freedesktop.DBus", ":1.1"}, b.names...), nil
}

func (b *fakeBus) NameOwner(serviceName string) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if owner, ok := b.owners[serviceName]; ok {
		return owner, nil
	}
	return "", errors.New("name has no owner")
}

func (b *fakeBus) Identity(serviceName string) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if identity, ok := b.identities[serviceName]; ok {
		return identity, nil
	}
	return "", errors.New("no such property")
}

func (b *fakeBus) PlaybackStatus(serviceName string) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if status, ok := b.statuses[serviceName]; ok {
		return status, nil
	}
	return "Stopped", nil
}

func (b *fakeBus) CallPlayer(serviceName string, method string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.calls = append(b.calls, serviceName+" "+method)
	return nil
}

// recordingEvents keeps every watcher callback in order
type recordingEvents struct {
	lock   sync.Mutex
	events []string
}

func (r *recordingEvents) OnTargetChanged(id TargetIdentity) {
	r.add("target " + id.ServiceName)
}

func (r *recordingEvents) OnPlaybackStarted() {
	r.add("playing")
}

func (r *recordingEvents) OnTargetRemoved() {
	r.add("removed")
}

func (r *recordingEvents) add(event string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.events = append(r.events, event)
}

func (r *recordingEvents) all() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]string(nil), r.events...)
}

func mprisName(name string) string {
	return mprisBusPrefix + name
}

func newTestWatcher(t *testing.T, bus *fakeBus, config PlayerWatcherConfig) (*PlayerWatcher, *recordingEvents) {
	events := &recordingEvents{}
	return NewPlayerWatcher(zaptest.NewLogger(t).Sugar(), bus, events, nil, config), events
}

func ownerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: "org.freedesktop.DBus",
		Name:   nameOwnerChangedSignal,
		Body:   []interface{}{name, oldOwner, newOwner},
	}
}

func playbackChanged(sender, status string) *dbus.Signal {
	return &dbus.Signal{
		Sender: sender,
		Path:   mprisObjectPath,
		Name:   propertiesChangedSignal,
		Body: []interface{}{
			mprisPlayerInterface,
			map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant(status)},
			[]string{},
		},
	}
}

func TestPlayerWatcher_CandidateFiltering(t *testing.T) {
	bus := &fakeBus{
		names: []string{
			mprisName("playerctld"),
			mprisName("firefox.instance_1_23"),
			mprisName("brave.instance4242"),
			mprisName("chromium.instance100"),
			mprisName("chromium.instance200"),
			mprisName("chromium.instance300"),
			mprisName("spotify"),
			mprisName("vlc"),
			"org.kde.StatusNotifierWatcher",
		},
		identities: map[string]string{
			mprisName("chromium.instance100"): "TIDAL",
			mprisName("chromium.instance200"): "Chromium",
		},
	}

	watcher, _ := newTestWatcher(t, bus, PlayerWatcherConfig{Excluded: []string{"vlc"}})
	watcher.Start(nil)

	want := []string{mprisName("chromium.instance100"), mprisName("spotify")}
	if got := watcher.Players(); !reflect.DeepEqual(got, want) {
		t.Errorf("Players = %v, want %v", got, want)
	}
}

func TestPlayerWatcher_InitialSelection(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		statuses  map[string]string
		want      []string
	}{
		{
			name: "first player",
			want: []string{"target " + mprisName("mpv")},
		},
		{
			name:      "preferred player",
			preferred: mprisName("spotify"),
			want:      []string{"target " + mprisName("spotify")},
		},
		{
			name:      "missing preferred player",
			preferred: mprisName("rhythmbox"),
			want:      []string{"target " + mprisName("mpv")},
		},
		{
			name:     "already playing",
			statuses: map[string]string{mprisName("mpv"): "Playing"},
			want:     []string{"target " + mprisName("mpv"), "playing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{
				names:    []string{mprisName("spotify"), mprisName("mpv")},
				statuses: tt.statuses,
			}

			watcher, events := newTestWatcher(t, bus, PlayerWatcherConfig{Preferred: tt.preferred})
			watcher.Start(nil)

			if got := events.all(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlayerWatcher_NoPlayers(t *testing.T) {
	watcher, events := newTestWatcher(t, &fakeBus{}, PlayerWatcherConfig{})
	watcher.Start(nil)

	if watcher.Current() != "" || len(events.all()) != 0 {
		t.Errorf("expected no target, got %q and %v", watcher.Current(), events.all())
	}
}

func TestPlayerWatcher_BusSignals(t *testing.T) {
	bus := &fakeBus{
		names:  []string{mprisName("mpv")},
		owners: map[string]string{mprisName("mpv"): ":1.40", mprisName("spotify"): ":1.41"},
	}

	watcher, events := newTestWatcher(t, bus, PlayerWatcherConfig{})
	signals := make(chan *dbus.Signal)
	watcher.Start(signals)
	defer watcher.Stop()

	// another player's playback doesn't concern the target
	signals <- playbackChanged(":1.41", "Playing")
	signals <- playbackChanged(":1.40", "Paused")
	signals <- playbackChanged(":1.40", "Playing")

	// a second player joins but the target stays
	signals <- ownerChanged(mprisName("spotify"), "", ":1.41")

	// the target leaves, the remaining player takes over
	signals <- ownerChanged(mprisName("mpv"), ":1.40", "")

	// unrelated names are ignored
	signals <- ownerChanged("org.gnome.Shell", "", ":1.2")

	want := []string{
		"target " + mprisName("mpv"),
		"playing",
		"removed",
		"target " + mprisName("spotify"),
	}

	waitUntil(t, "signal handling", func() bool { return len(events.all()) == len(want) })
	if got := events.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	if got := watcher.Players(); !reflect.DeepEqual(got, []string{mprisName("spotify")}) {
		t.Errorf("Players = %v", got)
	}
}

func TestPlayerWatcher_LastPlayerLeaving(t *testing.T) {
	bus := &fakeBus{names: []string{mprisName("mpv")}}
	watcher, events := newTestWatcher(t, bus, PlayerWatcherConfig{})
	watcher.Start(nil)

	watcher.handleOwnerChanged(mprisName("mpv"), ":1.40", "")

	want := []string{"target " + mprisName("mpv"), "removed"}
	if got := events.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if watcher.Current() != "" {
		t.Errorf("Current = %q, want none", watcher.Current())
	}
}

func TestPlayerWatcher_PreferredPlayerJoiningTakesOver(t *testing.T) {
	bus := &fakeBus{names: []string{mprisName("mpv")}}
	watcher, events := newTestWatcher(t, bus, PlayerWatcherConfig{Preferred: mprisName("spotify")})
	watcher.Start(nil)

	bus.lock.Lock()
	bus.names = append(bus.names, mprisName("spotify"))
	bus.lock.Unlock()
	watcher.handleOwnerChanged(mprisName("spotify"), "", ":1.41")

	if got := watcher.Current(); got != mprisName("spotify") {
		t.Errorf("Current = %q, want the preferred player", got)
	}
	if got := events.all(); len(got) != 2 {
		t.Errorf("events = %v", got)
	}
}

func TestPlayerWatcher_CyclePlayer(t *testing.T) {
	bus := &fakeBus{names: []string{mprisName("a"), mprisName("b"), mprisName("c")}}
	watcher, _ := newTestWatcher(t, bus, PlayerWatcherConfig{})
	watcher.prefs = NewPreferenceStore(t.TempDir())
	watcher.Start(nil)

	steps := []struct {
		forward bool
		want    string
	}{
		{true, mprisName("b")},
		{true, mprisName("c")},
		{true, mprisName("a")},
		{false, mprisName("c")},
		{false, mprisName("b")},
	}

	for _, step := range steps {
		watcher.CyclePlayer(step.forward)
		if got := watcher.Current(); got != step.want {
			t.Fatalf("CyclePlayer(%v) = %q, want %q", step.forward, got, step.want)
		}
	}

	if got := watcher.prefs.PreferredPlayer(); got != mprisName("b") {
		t.Errorf("remembered player = %q, want the last choice", got)
	}

	// a restart honours the remembered choice
	restarted, _ := newTestWatcher(t, bus, PlayerWatcherConfig{})
	restarted.prefs = NewPreferenceStore(watcher.prefs.dir)
	restarted.Start(nil)

	if got := restarted.Current(); got != mprisName("b") {
		t.Errorf("Current after restart = %q, want the remembered player", got)
	}
}

func TestCycleIndex(t *testing.T) {
	tests := []struct {
		index, count int
		forward      bool
		want         int
	}{
		{-1, 3, true, 0},
		{-1, 3, false, 0},
		{0, 3, true, 1},
		{2, 3, true, 0},
		{0, 3, false, 2},
		{0, 1, true, 0},
	}

	for _, tt := range tests {
		if got := cycleIndex(tt.index, tt.count, tt.forward); got != tt.want {
			t.Errorf("cycleIndex(%d, %d, %v) = %d, want %d", tt.index, tt.count, tt.forward, got, tt.want)
		}
	}
}

func TestPlayerWatcher_SetConfigDropsExcludedTarget(t *testing.T) {
	bus := &fakeBus{names: []string{mprisName("mpv"), mprisName("spotify")}}
	watcher, events := newTestWatcher(t, bus, PlayerWatcherConfig{})
	watcher.Start(nil)

	watcher.SetConfig(PlayerWatcherConfig{Excluded: []string{"mpv"}})

	want := []string{"target " + mprisName("mpv"), "removed", "target " + mprisName("spotify")}
	if got := events.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestMediaController(t *testing.T) {
	bus := &fakeBus{}
	current := ""
	mc := NewMediaController(zaptest.NewLogger(t).Sugar(), bus, func() string { return current })

	if err := mc.PlayPause(); !errors.Is(err, ErrNoTarget) {
		t.Errorf("PlayPause without target = %v, want ErrNoTarget", err)
	}

	current = mprisName("spotify")
	_ = mc.PlayPause()
	_ = mc.NextTrack()
	_ = mc.PrevTrack()

	want := []string{
		mprisName("spotify") + " PlayPause",
		mprisName("spotify") + " Next",
		mprisName("spotify") + " Previous",
	}
	if !reflect.DeepEqual(bus.calls, want) {
		t.Errorf("calls = %v, want %v", bus.calls, want)
	}
}

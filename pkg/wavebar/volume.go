package wavebar

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

// ErrVolumeUnsupported is returned when neither the stream nor the player
// offers a usable volume control
var ErrVolumeUnsupported = errors.New("volume control not supported")

const defaultVolumeDebounce = 100 * time.Millisecond

// players known to advertise a volume property that does nothing
var inertPlayerVolumes = []string{"chromium", "roon"}

// VolumeMethod selects which volume backends may be used
type VolumeMethod string

const (
	// VolumeMethodAuto prefers the stream and falls back to the player
	VolumeMethodAuto VolumeMethod = "auto"
	// VolumeMethodPipewire only controls the stream
	VolumeMethodPipewire VolumeMethod = "pipewire"
	// VolumeMethodMPRIS only controls the player
	VolumeMethodMPRIS VolumeMethod = "mpris"
)

// ParseVolumeMethod validates a volume method name
func ParseVolumeMethod(name string) (VolumeMethod, error) {
	switch VolumeMethod(name) {
	case VolumeMethodAuto, VolumeMethodPipewire, VolumeMethodMPRIS:
		return VolumeMethod(name), nil
	}

	return "", fmt.Errorf("unknown volume method %q", name)
}

// VolumeBackend identifies where volume reads and writes go
type VolumeBackend int

const (
	// BackendNone means volume control is unavailable
	BackendNone VolumeBackend = iota
	// BackendStream controls the player's audio stream in the audio graph
	BackendStream
	// BackendPlayer controls the player's own volume property
	BackendPlayer
)

func (b VolumeBackend) String() string {
	switch b {
	case BackendNone:
		return "none"
	case BackendStream:
		return "stream"
	case BackendPlayer:
		return "player"
	default:
		return fmt.Sprintf("volume-backend(%d)", int(b))
	}
}

// StreamVolume reads and writes a stream's volume by serial
type StreamVolume interface {
	Volume(serial int32) (float64, error)
	SetVolume(serial int32, fraction float64) error
}

// PlayerVolume reads and writes a player's own volume property
type PlayerVolume interface {
	PlayerVolume(serviceName string) (float64, error)
	SetPlayerVolume(serviceName string, fraction float64) error
}

// VolumeControllerConfig selects backends and the write rate
type VolumeControllerConfig struct {
	Method   VolumeMethod
	Debounce time.Duration
}

// VolumeController controls the target player's volume, through its stream
// when that resolves and through the player itself otherwise
type VolumeController struct {
	logger   *zap.SugaredLogger
	resolver *StreamResolver
	streams  StreamVolume
	players  PlayerVolume
	config   VolumeControllerConfig

	lock       sync.Mutex
	target     TargetIdentity
	generation uint64
	backend    VolumeBackend
	serial     int32

	pending      bool
	pendingValue float64
	timer        *time.Timer
}

// NewVolumeController creates a VolumeController. streams or players may be
// nil when that backend doesn't exist on this system.
func NewVolumeController(
	logger *zap.SugaredLogger,
	resolver *StreamResolver,
	streams StreamVolume,
	players PlayerVolume,
	config VolumeControllerConfig,
) *VolumeController {
	if config.Method == "" {
		config.Method = VolumeMethodAuto
	}

	if config.Debounce <= 0 {
		config.Debounce = defaultVolumeDebounce
	}

	return &VolumeController{
		logger:   logger.Named("volume"),
		resolver: resolver,
		streams:  streams,
		players:  players,
		config:   config,
		serial:   -1,
	}
}

// SetTarget re-resolves the backend for a new player. A pending write for
// the previous player is dropped.
func (vc *VolumeController) SetTarget(id TargetIdentity) {
	vc.lock.Lock()
	vc.target = id
	vc.generation++
	generation := vc.generation
	vc.backend = BackendNone
	vc.serial = -1
	vc.cancelPendingLocked()
	vc.lock.Unlock()

	backend, serial := vc.selectBackend(id)

	vc.lock.Lock()
	defer vc.lock.Unlock()

	if generation != vc.generation {
		vc.logger.Debugw("Discarding stale volume backend", "target", id)
		return
	}

	vc.backend = backend
	vc.serial = serial

	vc.logger.Infow("Volume backend selected", "target", id, "backend", backend, "serial", serial)
}

// Refresh re-selects the backend unless the stream is already controlled.
// Players often create their stream only once playback begins.
func (vc *VolumeController) Refresh() {
	vc.lock.Lock()
	target, backend := vc.target, vc.backend
	vc.lock.Unlock()

	if target.IsZero() || backend == BackendStream || vc.config.Method == VolumeMethodMPRIS {
		return
	}

	vc.SetTarget(target)
}

// RemoveTarget disables volume control
func (vc *VolumeController) RemoveTarget() {
	vc.SetTarget(TargetIdentity{})
}

// IsSupported reports whether any backend controls the current target
func (vc *VolumeController) IsSupported() bool {
	return vc.Backend() != BackendNone
}

// Backend returns the backend in use
func (vc *VolumeController) Backend() VolumeBackend {
	vc.lock.Lock()
	defer vc.lock.Unlock()

	return vc.backend
}

// Get returns the current volume in [0, 1]. While a write is pending its
// value is returned.
func (vc *VolumeController) Get() (float64, error) {
	vc.lock.Lock()
	if vc.pending {
		value := vc.pendingValue
		vc.lock.Unlock()
		return value, nil
	}

	target, backend, serial, generation := vc.target, vc.backend, vc.serial, vc.generation
	vc.lock.Unlock()

	switch backend {
	case BackendStream:
		value, err := vc.streams.Volume(serial)
		if err != nil {
			vc.logger.Debugw("Stream volume read failed, refreshing stream", "serial", serial, "error", err)

			refreshed, ok := vc.refreshSerial(target, generation)
			if !ok {
				return 0, fmt.Errorf("read stream volume: %w", err)
			}

			if value, err = vc.streams.Volume(refreshed); err != nil {
				return 0, fmt.Errorf("read stream volume: %w", err)
			}
		}

		// stream volume may be boosted, the control only goes to 100%
		if value > 1 {
			value = 1
		}
		return value, nil

	case BackendPlayer:
		value, err := vc.players.PlayerVolume(target.ServiceName)
		if err != nil {
			return 0, fmt.Errorf("read player volume: %w", err)
		}
		return value, nil
	}

	if target.IsZero() {
		return 0, ErrNoTarget
	}

	return 0, ErrVolumeUnsupported
}

// Set requests a volume in [0, 1]. Writes are applied at most once per
// debounce interval, always with the latest requested value.
func (vc *VolumeController) Set(fraction float64) {
	fraction = util.Clamp(fraction, 0, 1)

	vc.lock.Lock()
	defer vc.lock.Unlock()

	vc.pendingValue = fraction
	if vc.pending {
		return
	}

	vc.pending = true
	vc.timer = time.AfterFunc(vc.config.Debounce, vc.flushPending)
}

// Flush applies a pending write immediately
func (vc *VolumeController) Flush() {
	vc.lock.Lock()
	if vc.timer != nil {
		vc.timer.Stop()
	}
	vc.lock.Unlock()

	vc.flushPending()
}

func (vc *VolumeController) flushPending() {
	vc.lock.Lock()
	if !vc.pending {
		vc.lock.Unlock()
		return
	}

	value := vc.pendingValue
	vc.pending = false
	vc.timer = nil
	target, backend, serial, generation := vc.target, vc.backend, vc.serial, vc.generation
	vc.lock.Unlock()

	if err := vc.apply(target, backend, serial, generation, value); err != nil {
		vc.logger.Warnw("Failed to set volume", "target", target, "backend", backend, "error", err)
	}
}

func (vc *VolumeController) apply(target TargetIdentity, backend VolumeBackend, serial int32, generation uint64, value float64) error {
	switch backend {
	case BackendStream:
		err := vc.streams.SetVolume(serial, value)
		if err == nil {
			return nil
		}

		vc.logger.Debugw("Stream volume write failed, refreshing stream", "serial", serial, "error", err)

		refreshed, ok := vc.refreshSerial(target, generation)
		if !ok {
			return err
		}
		return vc.streams.SetVolume(refreshed, value)

	case BackendPlayer:
		return vc.players.SetPlayerVolume(target.ServiceName, value)
	}

	return ErrVolumeUnsupported
}

// refreshSerial re-resolves the stream once, for when the player recreated it
func (vc *VolumeController) refreshSerial(target TargetIdentity, generation uint64) (int32, bool) {
	result := vc.resolver.Resolve(target)
	if !result.Found {
		return 0, false
	}

	vc.lock.Lock()
	defer vc.lock.Unlock()

	if generation != vc.generation {
		return 0, false
	}

	vc.serial = result.StreamSerial
	return result.StreamSerial, true
}

func (vc *VolumeController) selectBackend(id TargetIdentity) (VolumeBackend, int32) {
	if id.IsZero() {
		return BackendNone, -1
	}

	if vc.config.Method != VolumeMethodMPRIS && vc.streams != nil {
		if result := vc.resolver.Resolve(id); result.Found {
			return BackendStream, result.StreamSerial
		}
	}

	if vc.config.Method == VolumeMethodPipewire {
		return BackendNone, -1
	}

	if vc.playerVolumeUsable(id.ServiceName) {
		return BackendPlayer, -1
	}

	return BackendNone, -1
}

// playerVolumeUsable treats a reported volume of exactly 0 as a player that
// doesn't implement the property, not as a muted one
func (vc *VolumeController) playerVolumeUsable(serviceName string) bool {
	if vc.players == nil || serviceName == "" {
		return false
	}

	lower := strings.ToLower(serviceName)
	for _, name := range inertPlayerVolumes {
		if strings.Contains(lower, name) {
			return false
		}
	}

	value, err := vc.players.PlayerVolume(serviceName)
	if err != nil {
		vc.logger.Debugw("Player has no volume property", "service", serviceName, "error", err)
		return false
	}

	return value > 0
}

// cancelPendingLocked requires vc.lock
func (vc *VolumeController) cancelPendingLocked() {
	if vc.timer != nil {
		vc.timer.Stop()
		vc.timer = nil
	}

	vc.pending = false
}

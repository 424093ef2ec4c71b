package wavebar

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	dbusInterface        = "org.freedesktop.DBus"
	dbusPropertiesIface  = "org.freedesktop.DBus.Properties"
	mprisObjectPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisRootInterface   = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"

	nameOwnerChangedSignal  = dbusInterface + ".NameOwnerChanged"
	propertiesChangedSignal = dbusPropertiesIface + ".PropertiesChanged"

	playbackStatusPlaying = "Playing"

	playerSignalBuffer = 32
)

var errUnexpectedVariant = errors.New("unexpected property type")

// MPRISClient talks to media players over the session bus
type MPRISClient struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn
}

// NewMPRISClient connects to the session bus
func NewMPRISClient(logger *zap.SugaredLogger) (*MPRISClient, error) {
	logger = logger.Named("mpris")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	logger.Debug("Connected to session bus")

	return &MPRISClient{
		logger: logger,
		conn:   conn,
	}, nil
}

// ConnectionPID asks the bus for the pid owning serviceName
func (mc *MPRISClient) ConnectionPID(serviceName string) (uint32, error) {
	var pid uint32

	call := mc.conn.BusObject().Call(dbusInterface+".GetConnectionUnixProcessID", 0, serviceName)
	if err := call.Store(&pid); err != nil {
		return 0, fmt.Errorf("get connection pid of %s: %w", serviceName, err)
	}

	return pid, nil
}

// ListNames returns every name currently on the bus
func (mc *MPRISClient) ListNames() ([]string, error) {
	var names []string

	if err := mc.conn.BusObject().Call(dbusInterface+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	return names, nil
}

// NameOwner returns the unique connection name owning serviceName
func (mc *MPRISClient) NameOwner(serviceName string) (string, error) {
	var owner string

	if err := mc.conn.BusObject().Call(dbusInterface+".GetNameOwner", 0, serviceName).Store(&owner); err != nil {
		return "", fmt.Errorf("get name owner of %s: %w", serviceName, err)
	}

	return owner, nil
}

// Identity returns the player's human readable name
func (mc *MPRISClient) Identity(serviceName string) (string, error) {
	return mc.stringProperty(serviceName, mprisRootInterface+".Identity")
}

// PlaybackStatus returns "Playing", "Paused" or "Stopped"
func (mc *MPRISClient) PlaybackStatus(serviceName string) (string, error) {
	return mc.stringProperty(serviceName, mprisPlayerInterface+".PlaybackStatus")
}

// PlayerVolume reads the player's own volume property
func (mc *MPRISClient) PlayerVolume(serviceName string) (float64, error) {
	variant, err := mc.player(serviceName).GetProperty(mprisPlayerInterface + ".Volume")
	if err != nil {
		return 0, fmt.Errorf("get volume of %s: %w", serviceName, err)
	}

	value, ok := variant.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("get volume of %s: %w", serviceName, errUnexpectedVariant)
	}

	return value, nil
}

// SetPlayerVolume writes the player's own volume property
func (mc *MPRISClient) SetPlayerVolume(serviceName string, fraction float64) error {
	err := mc.player(serviceName).SetProperty(mprisPlayerInterface+".Volume", dbus.MakeVariant(fraction))
	if err != nil {
		return fmt.Errorf("set volume of %s: %w", serviceName, err)
	}

	mc.logger.Debugw("Set player volume", "service", serviceName, "volume", fraction)
	return nil
}

// CallPlayer invokes a no-argument method of the player interface
func (mc *MPRISClient) CallPlayer(serviceName string, method string) error {
	if err := mc.player(serviceName).Call(mprisPlayerInterface+"."+method, 0).Err; err != nil {
		return fmt.Errorf("call %s on %s: %w", method, serviceName, err)
	}

	return nil
}

// Subscribe delivers owner changes of bus names and property changes of
// MPRIS players on the returned channel
func (mc *MPRISClient) Subscribe() (chan *dbus.Signal, error) {
	if err := mc.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return nil, fmt.Errorf("match NameOwnerChanged: %w", err)
	}

	if err := mc.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(mprisObjectPath),
	); err != nil {
		return nil, fmt.Errorf("match PropertiesChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, playerSignalBuffer)
	mc.conn.Signal(signals)

	return signals, nil
}

// Unsubscribe stops delivery to a channel returned by Subscribe
func (mc *MPRISClient) Unsubscribe(signals chan *dbus.Signal) {
	mc.conn.RemoveSignal(signals)
}

// Close disconnects from the session bus
func (mc *MPRISClient) Close() error {
	if err := mc.conn.Close(); err != nil {
		return fmt.Errorf("close session bus: %w", err)
	}

	return nil
}

func (mc *MPRISClient) player(serviceName string) dbus.BusObject {
	return mc.conn.Object(serviceName, mprisObjectPath)
}

func (mc *MPRISClient) stringProperty(serviceName string, property string) (string, error) {
	variant, err := mc.player(serviceName).GetProperty(property)
	if err != nil {
		return "", fmt.Errorf("get %s of %s: %w", property, serviceName, err)
	}

	value, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("get %s of %s: %w", property, serviceName, errUnexpectedVariant)
	}

	return value, nil
}

// isMPRISName reports whether a bus name belongs to a media player
func isMPRISName(name string) bool {
	return strings.HasPrefix(name, mprisBusPrefix)
}

package wavebar

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	mediaMethodPlayPause = "PlayPause"
	mediaMethodNext      = "Next"
	mediaMethodPrevious  = "Previous"
)

// PlayerMethods invokes player interface methods by name
type PlayerMethods interface {
	CallPlayer(serviceName string, method string) error
}

// MediaController sends transport commands to whichever player is the target
type MediaController struct {
	logger  *zap.SugaredLogger
	methods PlayerMethods
	current func() string
}

// NewMediaController creates a new MediaController. current returns the
// target player's bus name.
func NewMediaController(logger *zap.SugaredLogger, methods PlayerMethods, current func() string) *MediaController {
	return &MediaController{
		logger:  logger.Named("media"),
		methods: methods,
		current: current,
	}
}

// PlayPause toggles playback on the target player
func (mc *MediaController) PlayPause() error {
	return mc.send(mediaMethodPlayPause)
}

// NextTrack skips to the next track
func (mc *MediaController) NextTrack() error {
	return mc.send(mediaMethodNext)
}

// PrevTrack goes back to the previous track
func (mc *MediaController) PrevTrack() error {
	return mc.send(mediaMethodPrevious)
}

func (mc *MediaController) send(method string) error {
	if mc.methods == nil {
		return ErrNoTarget
	}

	target := mc.current()
	if target == "" {
		return ErrNoTarget
	}

	mc.logger.Infow("Sending media command", "command", method, "service", target)

	if err := mc.methods.CallPlayer(target, method); err != nil {
		mc.logger.Warnw("Media command failed", "command", method, "error", err)
		return fmt.Errorf("media command %s: %w", method, err)
	}

	return nil
}

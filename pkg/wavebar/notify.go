package wavebar

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/arran-nz/wavebar/pkg/wavebar/icon"
	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications through the desktop's notification daemon
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a desktop notification
func (tn *ToastNotifier) Notify(title string, message string) {

	// we need to obtain the path to our app icon, and write it to disk if it's not there
	appIconPath := filepath.Join(os.TempDir(), "wavebar.png")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("Wavebar icon file missing, creating", "path", appIconPath)

		if err := ioutil.WriteFile(appIconPath, icon.Wavebar, 0644); err != nil {
			tn.logger.Errorw("Failed to write toast icon", "error", err)
		}
	}

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

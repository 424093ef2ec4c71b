package wavebar

import (
	"strings"
	"time"

	"github.com/getlantern/systray"

	"github.com/arran-nz/wavebar/pkg/wavebar/icon"
	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

const (
	trayRefreshInterval = time.Second
	configEditor        = "xdg-open"
)

func (w *Wavebar) initializeTray(onDone func()) {
	logger := w.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetIcon(icon.Wavebar)
		systray.SetTitle("wavebar")
		systray.SetTooltip("wavebar")

		currentPlayer := systray.AddMenuItem("No player", "The player being visualized")
		currentPlayer.Disable()

		nextPlayer := systray.AddMenuItem("Next player", "Follow the next media player")
		previousPlayer := systray.AddMenuItem("Previous player", "Follow the previous media player")

		systray.AddSeparator()

		showBars := systray.AddMenuItem("Show visualizer", "Toggle the bar visualization")
		playPause := systray.AddMenuItem("Play/Pause", "Toggle playback of the current player")

		systray.AddSeparator()

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with the default editor")

		if w.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(w.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop wavebar and quit")

		// wait on things to happen
		go func() {
			ticker := time.NewTicker(trayRefreshInterval)
			defer ticker.Stop()

			shownPlayer := ""

			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")
					w.signalStop()

				case <-nextPlayer.ClickedCh:
					w.cyclePlayer(true)

				case <-previousPlayer.ClickedCh:
					w.cyclePlayer(false)

				case <-showBars.ClickedCh:
					if showBars.Checked() {
						showBars.Uncheck()
						w.renderer.Hide()
					} else {
						showBars.Check()
						w.renderer.Show()
					}

				case <-playPause.ClickedCh:
					if err := w.media.PlayPause(); err != nil {
						logger.Debugw("Play/pause unavailable", "error", err)
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					path := userConfigFilepath
					if w.config.HasFile() {
						path = w.config.userConfig.ConfigFileUsed()
					}

					if err := util.OpenExternal(configEditor, path); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-ticker.C:
					if player := w.currentPlayer(); player != shownPlayer {
						shownPlayer = player
						currentPlayer.SetTitle(trayPlayerTitle(player))
					}
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (w *Wavebar) stopTray() {
	w.logger.Debug("Quitting tray")
	systray.Quit()
}

// trayPlayerTitle shortens a bus name for display
func trayPlayerTitle(serviceName string) string {
	if serviceName == "" {
		return "No player"
	}

	name := TargetIdentity{ServiceName: serviceName}.AppNameHint()
	if name == "" {
		name = strings.TrimPrefix(serviceName, mprisBusPrefix)
	}

	return "Playing from: " + name
}

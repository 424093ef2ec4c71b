package main

import (
	"flag"
	"fmt"

	"github.com/arran-nz/wavebar/pkg/wavebar"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose   bool
	logFilter string
	cliMode   bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&logFilter, "log-filter", "", "filter logs by component (e.g., 'visualizer', 'mpris', 'volume')")
	flag.StringVar(&logFilter, "f", "", "shorthand for --log-filter")
	flag.BoolVar(&cliMode, "cli", false, "run in CLI mode (no tray icon, exits on Ctrl+C)")
	flag.Parse()
}

func main() {
	logger, err := wavebar.NewLoggerWithFilter(buildType, logFilter)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if logFilter != "" {
		named.Infow("Log filter active", "filter", logFilter)
	}

	w, err := wavebar.NewWavebar(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create wavebar object", "error", err)
	}

	if cliMode {
		w.SetCLIMode(true)
	}

	// version string shown in the tray, set by the build process
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}
		w.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = w.Initialize(); err != nil {
		named.Fatalw("Failed to initialize wavebar", "error", err)
	}
}

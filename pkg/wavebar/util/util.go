package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// XDGConfigDir returns the per-user config directory for app, falling back
// to a dot directory in the working directory when the home is unknown
func XDGConfigDir(app string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "."+app)
	}

	return filepath.Join(base, app)
}

// FileExists checks if a file exists and is accessible
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// OpenExternal spawns a detached window with the provided command and argument
func OpenExternal(command string, argument string) error {
	cmd := exec.Command(command, argument)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn detached proc: %w", err)
	}

	return nil
}

// Clamp limits value to the closed range [lo, hi]
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}

	return value
}

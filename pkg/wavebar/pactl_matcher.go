package wavebar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

const (
	defaultPactlPath    = "pactl"
	defaultPactlTimeout = 2 * time.Second

	// stream volume may be boosted past 100%, to 150%
	maxStreamVolume = 1.5

	sinkInputHeader = "Sink Input #"
)

// ErrPactlUnavailable is returned when the pactl binary can't be found
var ErrPactlUnavailable = errors.New("pactl is not available")

// CommandRunner runs an external command and returns its standard output
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// sinkInput is one "Sink Input #N" block of pactl's listing
type sinkInput struct {
	index     int32
	sink      uint32
	pid       uint32
	appName   string
	volume    int
	hasVolume bool
}

// PactlMatcher resolves streams and reads or writes their volume through
// the pactl command line tool
type PactlMatcher struct {
	logger  *zap.SugaredLogger
	path    string
	timeout time.Duration
	runner  CommandRunner
}

// NewPactlMatcher creates a PactlMatcher invoking path (pactl when empty)
func NewPactlMatcher(logger *zap.SugaredLogger, path string, timeout time.Duration) *PactlMatcher {
	if path == "" {
		path = defaultPactlPath
	}

	if timeout <= 0 {
		timeout = defaultPactlTimeout
	}

	return &PactlMatcher{
		logger:  logger.Named("pactl"),
		path:    path,
		timeout: timeout,
		runner:  execRunner{},
	}
}

// Available reports whether the pactl binary can be found
func (pm *PactlMatcher) Available() bool {
	_, err := exec.LookPath(pm.path)
	return err == nil
}

// FindStream implements StreamMatcher. The process id property is matched
// first, then the application name substring.
func (pm *PactlMatcher) FindStream(pid uint32, appNameHint string) ResolvedTarget {
	inputs, err := pm.list()
	if err != nil {
		pm.logger.Debugw("Failed to list sink inputs", "error", err)
		return unresolvedTarget()
	}

	if pid != 0 {
		for _, input := range inputs {
			if input.pid == pid {
				pm.logger.Debugw("Found sink input for pid", "pid", pid, "index", input.index)
				return ResolvedTarget{StreamSerial: input.index, OutputDeviceID: input.sink, Found: true}
			}
		}
	}

	if appNameHint != "" {
		for _, input := range inputs {
			if appNameMatches(input.appName, appNameHint) {
				pm.logger.Debugw("Found sink input by application name", "name", appNameHint, "index", input.index)
				return ResolvedTarget{StreamSerial: input.index, OutputDeviceID: input.sink, Found: true}
			}
		}
	}

	return unresolvedTarget()
}

// Volume returns the stream's volume as a fraction of 100%
func (pm *PactlMatcher) Volume(serial int32) (float64, error) {
	inputs, err := pm.list()
	if err != nil {
		return 0, err
	}

	for _, input := range inputs {
		if input.index == serial && input.hasVolume {
			return float64(input.volume) / 100.0, nil
		}
	}

	return 0, fmt.Errorf("read sink input %d volume: %w", serial, ErrStreamNotFound)
}

// SetVolume sets the stream's volume, clamped to 0-150%
func (pm *PactlMatcher) SetVolume(serial int32, fraction float64) error {
	if serial < 0 {
		return fmt.Errorf("set sink input volume: %w", ErrStreamNotFound)
	}

	percent := int(math.Round(util.Clamp(fraction, 0, maxStreamVolume) * 100))

	pm.logger.Debugw("Setting sink input volume", "index", serial, "percent", percent)

	if _, err := pm.run("set-sink-input-volume", strconv.Itoa(int(serial)), strconv.Itoa(percent)+"%"); err != nil {
		return fmt.Errorf("set sink input %d volume: %w", serial, err)
	}

	return nil
}

func (pm *PactlMatcher) list() ([]sinkInput, error) {
	out, err := pm.run("list", "sink-inputs")
	if err != nil {
		return nil, fmt.Errorf("list sink inputs: %w", err)
	}

	return parseSinkInputs(string(out)), nil
}

func (pm *PactlMatcher) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pm.timeout)
	defer cancel()

	out, err := pm.runner.Run(ctx, pm.path, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrPactlUnavailable
		}
		return nil, err
	}

	return out, nil
}

// parseSinkInputs reads the blocks of `pactl list sink-inputs`. Anything it
// doesn't recognise is skipped, so garbage output simply yields no entries.
func parseSinkInputs(output string) []sinkInput {
	var inputs []sinkInput
	var current *sinkInput

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, sinkInputHeader) {
			index, err := strconv.ParseInt(strings.TrimPrefix(line, sinkInputHeader), 10, 32)
			if err != nil || index < 0 {
				current = nil
				continue
			}

			inputs = append(inputs, sinkInput{index: int32(index)})
			current = &inputs[len(inputs)-1]
			continue
		}

		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(line, "Sink:"):
			if sink, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "Sink:")), 10, 32); err == nil {
				current.sink = uint32(sink)
			}

		case strings.HasPrefix(line, "Volume:") && !current.hasVolume:
			if percent, ok := firstPercent(line); ok {
				current.volume = percent
				current.hasVolume = true
			}

		case strings.HasPrefix(line, "application.process.id"):
			if pid, err := strconv.ParseUint(propertyValue(line), 10, 32); err == nil {
				current.pid = uint32(pid)
			}

		case strings.HasPrefix(line, "application.name"):
			current.appName = propertyValue(line)
		}
	}

	return inputs
}

// propertyValue extracts the value of a `key = "value"` property line
func propertyValue(line string) string {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return ""
	}

	return strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
}

// firstPercent finds the first "NN%" token on a line
func firstPercent(line string) (int, bool) {
	pct := strings.Index(line, "%")
	if pct <= 0 {
		return 0, false
	}

	start := pct
	for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
		start--
	}

	if start == pct {
		return 0, false
	}

	value, err := strconv.Atoi(line[start:pct])
	if err != nil {
		return 0, false
	}

	return value, true
}

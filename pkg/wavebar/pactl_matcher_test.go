package wavebar

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const sampleSinkInputs = `Sink Input #6882
	Driver: protocol-native.c
	Owner Module: 10
	Client: 431
	Sink: 57
	Sample Specification: float32le 2ch 48000Hz
	Channel Map: front-left,front-right
	Format: pcm, format.sample_format = "\"float32le\""  format.rate = "48000"  format.channels = "2"
	Corked: no
	Mute: no
	Volume: front-left: 42598 /  65% / -11.23 dB,   front-right: 42598 /  65% / -11.23 dB
	        balance 0.00
	Buffer Latency: 0 usec
	Sink Latency: 0 usec
	Resample method: n/a
	Properties:
		media.name = "Playback"
		application.name = "Chromium"
		application.process.id = "280400"
		application.process.binary = "chromium"
		object.serial = "6882"

Sink Input #6901
	Driver: PipeWire
	Owner Module: n/a
	Client: 433
	Sink: 7
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		media.name = "qobuz-player"
		application.name = "qobuz-player"
		node.name = "alsa_playback.qobuz-player"
`

type fakeRunner struct {
	output string
	err    error
	calls  [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.output), nil
}

func newTestPactl(t *testing.T, runner CommandRunner) *PactlMatcher {
	pm := NewPactlMatcher(zaptest.NewLogger(t).Sugar(), "", 0)
	pm.runner = runner
	return pm
}

func TestParseSinkInputs(t *testing.T) {
	inputs := parseSinkInputs(sampleSinkInputs)
	if len(inputs) != 2 {
		t.Fatalf("expected 2 sink inputs, got %d", len(inputs))
	}

	first := inputs[0]
	if first.index != 6882 || first.sink != 57 || first.pid != 280400 || first.appName != "Chromium" {
		t.Errorf("unexpected first entry %+v", first)
	}
	if !first.hasVolume || first.volume != 65 {
		t.Errorf("first volume = %d (%v), want 65", first.volume, first.hasVolume)
	}

	second := inputs[1]
	if second.index != 6901 || second.sink != 7 || second.pid != 0 || second.appName != "qobuz-player" || second.volume != 100 {
		t.Errorf("unexpected second entry %+v", second)
	}
}

func TestParseSinkInputs_Malformed(t *testing.T) {
	tests := []string{
		"",
		"Connection failure: Connection refused\n",
		"Sink Input #abc\n\tSink: 3\n\tapplication.process.id = \"12\"\n",
		"\tapplication.process.id = \"12\"\n",
	}

	for _, output := range tests {
		if inputs := parseSinkInputs(output); len(inputs) != 0 {
			t.Errorf("parseSinkInputs(%q) = %+v, want none", output, inputs)
		}
	}
}

func TestPactlMatcher_FindStream(t *testing.T) {
	pm := newTestPactl(t, &fakeRunner{output: sampleSinkInputs})

	tests := []struct {
		name string
		pid  uint32
		hint string
		want ResolvedTarget
	}{
		{"by pid", 280400, "", ResolvedTarget{StreamSerial: 6882, OutputDeviceID: 57, Found: true}},
		{"pid wins over name", 280400, "qobuz-player", ResolvedTarget{StreamSerial: 6882, OutputDeviceID: 57, Found: true}},
		{"name fallback", 999, "qobuz-player", ResolvedTarget{StreamSerial: 6901, OutputDeviceID: 7, Found: true}},
		{"name substring", 0, "qobuz", ResolvedTarget{StreamSerial: 6901, OutputDeviceID: 7, Found: true}},
		{"name ignores case", 0, "chromium", ResolvedTarget{StreamSerial: 6882, OutputDeviceID: 57, Found: true}},
		{"no match", 999, "spotify", unresolvedTarget()},
		{"nothing to match", 0, "", unresolvedTarget()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pm.FindStream(tt.pid, tt.hint); got != tt.want {
				t.Errorf("FindStream(%d, %q) = %+v, want %+v", tt.pid, tt.hint, got, tt.want)
			}
		})
	}
}

func TestPactlMatcher_CommandFailureIsNoMatch(t *testing.T) {
	pm := newTestPactl(t, &fakeRunner{err: errors.New("exit status 1")})

	if got := pm.FindStream(280400, "Chromium"); got.Found {
		t.Errorf("expected no match on command failure, got %+v", got)
	}
}

func TestPactlMatcher_Volume(t *testing.T) {
	pm := newTestPactl(t, &fakeRunner{output: sampleSinkInputs})

	vol, err := pm.Volume(6882)
	if err != nil || vol != 0.65 {
		t.Errorf("Volume(6882) = %v, %v, want 0.65", vol, err)
	}

	if _, err := pm.Volume(1); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Volume(1) error = %v, want ErrStreamNotFound", err)
	}
}

func TestPactlMatcher_SetVolume(t *testing.T) {
	tests := []struct {
		fraction float64
		want     string
	}{
		{0.73, "73%"},
		{0.006, "1%"},
		{-0.2, "0%"},
		{2.0, "150%"},
	}

	for _, tt := range tests {
		runner := &fakeRunner{}
		pm := newTestPactl(t, runner)

		if err := pm.SetVolume(6882, tt.fraction); err != nil {
			t.Fatalf("SetVolume(%v) error: %v", tt.fraction, err)
		}

		got := strings.Join(runner.calls[0], " ")
		want := "pactl set-sink-input-volume 6882 " + tt.want
		if got != want {
			t.Errorf("SetVolume(%v) ran %q, want %q", tt.fraction, got, want)
		}
	}
}

func TestPactlMatcher_Unavailable(t *testing.T) {
	pm := newTestPactl(t, &fakeRunner{err: exec.ErrNotFound})

	if err := pm.SetVolume(3, 0.5); !errors.Is(err, ErrPactlUnavailable) {
		t.Errorf("SetVolume error = %v, want ErrPactlUnavailable", err)
	}
}

func TestPropertyValueAndPercent(t *testing.T) {
	if got := propertyValue(`application.name = "Google Chrome"`); got != "Google Chrome" {
		t.Errorf("propertyValue = %q", got)
	}
	if got := propertyValue("no equals sign"); got != "" {
		t.Errorf("propertyValue = %q, want empty", got)
	}

	if got, ok := firstPercent("Volume: mono: 32768 /  50% / -18.06 dB"); !ok || got != 50 {
		t.Errorf("firstPercent = %d, %v", got, ok)
	}
	if _, ok := firstPercent("Volume: n/a"); ok {
		t.Errorf("firstPercent should fail without a percentage")
	}
}

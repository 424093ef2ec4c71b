package wavebar

import (
	"math"
	"sync"
	"testing"
)

func constantBuffer(frames int, amplitude float32) []float32 {
	samples := make([]float32, frames*2)
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

func TestSignalProcessor_ScaleInvariance(t *testing.T) {
	config := DefaultAGCConfig()
	config.VisualGain = 0.5

	settle := func(amplitude float32) BarLevels {
		sp := NewSignalProcessor(config)
		var levels BarLevels
		buffer := constantBuffer(1024, amplitude)
		for i := 0; i < 300; i++ {
			sp.Process(&levels, buffer)
		}
		return levels
	}

	quiet := settle(0.01)
	loud := settle(0.8)

	for bar := 0; bar < BarCount; bar++ {
		if math.Abs(quiet[bar]-loud[bar]) > 1e-3 {
			t.Fatalf("bar %d differs: quiet %v, loud %v", bar, quiet[bar], loud[bar])
		}
		if math.Abs(loud[bar]-0.5) > 1e-3 {
			t.Errorf("bar %d settled at %v, want 0.5", bar, loud[bar])
		}
	}
}

func TestSignalProcessor_SilenceDecay(t *testing.T) {
	sp := NewSignalProcessor(DefaultAGCConfig())

	var levels BarLevels
	for i := range levels {
		levels[i] = 1
	}

	silence := constantBuffer(512, 0)
	previous := levels
	for i := 0; i < 64; i++ {
		sp.Process(&levels, silence)
		for bar := range levels {
			if levels[bar] > previous[bar] {
				t.Fatalf("bar %d rose from %v to %v on silence", bar, previous[bar], levels[bar])
			}
		}
		previous = levels
	}

	for bar, level := range levels {
		if level > 1e-6 {
			t.Errorf("bar %d still at %v after 64 silent buffers", bar, level)
		}
	}
}

func TestSignalProcessor_SmoothsTowardZero(t *testing.T) {
	sp := NewSignalProcessor(DefaultAGCConfig())

	var levels BarLevels
	for i := range levels {
		levels[i] = 0.4
	}

	sp.Process(&levels, make([]float32, 8))

	for bar, level := range levels {
		if math.Abs(level-0.28) > 1e-9 {
			t.Fatalf("bar %d = %v, want 0.28", bar, level)
		}
	}
}

func TestSignalProcessor_EmptyBuffer(t *testing.T) {
	sp := NewSignalProcessor(DefaultAGCConfig())

	levels := BarLevels{0: 0.5}
	sp.Process(&levels, []float32{0.3})

	if levels[0] != 0.5 {
		t.Errorf("a buffer without a whole frame changed levels: %v", levels[0])
	}
}

func TestSignalProcessor_ClampsToOne(t *testing.T) {
	sp := NewSignalProcessor(DefaultAGCConfig())

	var levels BarLevels
	buffer := constantBuffer(2048, 1)
	for i := 0; i < 100; i++ {
		sp.Process(&levels, buffer)
	}

	for bar, level := range levels {
		if level > 1 || level < 0.99 {
			t.Errorf("bar %d = %v, want clamped near 1", bar, level)
		}
	}
}

func TestAGCConfig_Validate(t *testing.T) {
	if err := DefaultAGCConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AGCConfig)
	}{
		{"attack of one", func(c *AGCConfig) { c.Attack = 1 }},
		{"zero decay", func(c *AGCConfig) { c.Decay = 0 }},
		{"zero floor", func(c *AGCConfig) { c.Floor = 0 }},
		{"negative gain", func(c *AGCConfig) { c.VisualGain = -1 }},
		{"smoothing of one", func(c *AGCConfig) { c.Smoothing = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultAGCConfig()
			tt.mutate(&config)
			if err := config.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestBarPipeline_PublishesAndResets(t *testing.T) {
	state := &BarState{}
	pipeline := NewBarPipeline(NewSignalProcessor(DefaultAGCConfig()), state)

	pipeline.OnSamples(constantBuffer(1024, 0.5))

	snapshot := state.Snapshot()
	if snapshot[0] == 0 {
		t.Fatalf("expected published levels after a loud buffer")
	}

	pipeline.Reset()
	if state.Snapshot() != (BarLevels{}) {
		t.Errorf("expected zeroed levels after reset")
	}
}

func TestBarState_ConcurrentAccess(t *testing.T) {
	state := &BarState{}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			var levels BarLevels
			for bar := range levels {
				levels[bar] = float64(i%2) * 0.5
			}
			state.Store(levels)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			state.Read(func(levels *BarLevels) {
				first := levels[0]
				for _, level := range levels {
					if level != first {
						t.Errorf("torn read: %v vs %v", level, first)
						return
					}
				}
			})
		}
	}()

	wg.Wait()
}

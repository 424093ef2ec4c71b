package wavebar

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRendererFPS = 60

	// fractions below this render as an invisible bar
	barSnapThreshold = 0.01

	fadeInStep  = 0.025
	fadeOutStep = 0.05
)

// Layout is the orientation the bars are drawn in
type Layout string

const (
	// LayoutHorizontal draws bars growing upward from a horizontal strip
	LayoutHorizontal Layout = "horizontal"
	// LayoutVertical draws bars growing sideways from a vertical strip
	LayoutVertical Layout = "vertical"
)

// ParseLayout validates a layout name
func ParseLayout(name string) (Layout, error) {
	switch Layout(name) {
	case LayoutHorizontal, LayoutVertical:
		return Layout(name), nil
	}

	return "", fmt.Errorf("unknown layout %q", name)
}

// MaxBarSize is the default largest bar extent for the layout, in pixels
func (l Layout) MaxBarSize() int {
	if l == LayoutVertical {
		return 50
	}

	return 24
}

// RendererConfig sizes the renderer's output
type RendererConfig struct {
	FPS        int
	MinBarSize int
	MaxBarSize int
}

// Frame is one rendered visualization state
type Frame struct {
	Sizes   [BarCount]int  `json:"sizes"`
	Visible [BarCount]bool `json:"visible"`
	Opacity float64        `json:"opacity"`
	Showing bool           `json:"showing"`
}

// Renderer samples BarState at a fixed rate and maps it to bar extents.
// The fade ramp is owned by Run's goroutine and never shared.
type Renderer struct {
	logger *zap.SugaredLogger
	state  *BarState
	config RendererConfig
	draw   func(Frame)

	visibility chan bool

	showing bool
	fade    float64

	frameLock sync.Mutex
	frame     Frame
}

// NewRenderer creates a Renderer. draw, if not nil, receives every frame on
// Run's goroutine.
func NewRenderer(logger *zap.SugaredLogger, state *BarState, config RendererConfig, draw func(Frame)) *Renderer {
	if config.FPS <= 0 {
		config.FPS = defaultRendererFPS
	}

	if config.MinBarSize < 0 {
		config.MinBarSize = 0
	}

	if config.MaxBarSize <= config.MinBarSize {
		config.MaxBarSize = config.MinBarSize + 1
	}

	return &Renderer{
		logger:     logger.Named("renderer"),
		state:      state,
		config:     config,
		draw:       draw,
		visibility: make(chan bool, 1),
	}
}

// Show fades the visualization in
func (r *Renderer) Show() {
	r.requestVisibility(true)
}

// Hide fades the visualization out
func (r *Renderer) Hide() {
	r.requestVisibility(false)
}

// requestVisibility never blocks. Only the latest request is kept until Run
// picks it up.
func (r *Renderer) requestVisibility(show bool) {
	for {
		select {
		case r.visibility <- show:
			return
		default:
		}

		select {
		case <-r.visibility:
		default:
		}
	}
}

// Frame returns the most recently rendered frame
func (r *Renderer) Frame() Frame {
	r.frameLock.Lock()
	defer r.frameLock.Unlock()

	return r.frame
}

// Run renders until ctx is done
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(r.config.FPS))
	defer ticker.Stop()

	r.logger.Debugw("Renderer running", "fps", r.config.FPS)

	for {
		select {
		case <-ctx.Done():
			return

		case show := <-r.visibility:
			r.setShowing(show)

		case <-ticker.C:
			frame := r.step()

			r.frameLock.Lock()
			r.frame = frame
			r.frameLock.Unlock()

			if r.draw != nil {
				r.draw(frame)
			}
		}
	}
}

func (r *Renderer) setShowing(show bool) {
	if show == r.showing {
		return
	}

	r.showing = show
	if show {
		r.fade = 0
		r.logger.Debug("Fading in")
	} else {
		r.logger.Debug("Fading out")
	}
}

// step advances the fade ramp one tick and renders the bars
func (r *Renderer) step() Frame {
	if r.showing {
		r.fade = math.Min(r.fade+fadeInStep, 1)
	} else {
		r.fade = math.Max(r.fade-fadeOutStep, 0)
	}

	frame := Frame{Showing: r.showing}
	if r.showing {
		frame.Opacity = easeOutSine(r.fade)
	} else {
		frame.Opacity = r.fade
	}

	if !r.showing && r.fade == 0 {
		return frame
	}

	span := float64(r.config.MaxBarSize - r.config.MinBarSize)

	r.state.Update(func(levels *BarLevels) {
		for i, level := range levels {
			if level < barSnapThreshold {
				levels[i] = 0
				level = 0
			}

			size := r.config.MinBarSize + int(level*span)
			frame.Sizes[i] = size
			frame.Visible[i] = size > r.config.MinBarSize
		}
	})

	return frame
}

func easeOutSine(t float64) float64 {
	return math.Sin(t * math.Pi / 2)
}

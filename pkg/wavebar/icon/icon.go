package icon

import (
	_ "embed" // for the tray and notification icon
)

// Wavebar is the application icon as a 64x64 PNG
//
//go:embed wavebar.png
var Wavebar []byte

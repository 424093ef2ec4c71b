package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		lo, hi float64
		want   float64
	}{
		{"inside", 0.5, 0, 1, 0.5},
		{"below", -0.2, 0, 1, 0},
		{"above", 1.7, 0, 1.5, 1.5},
		{"edge", 1, 0, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.value, tt.lo, tt.hi); got != tt.want {
				t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.value, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestEnsureDirExistsAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	if err := EnsureDirExists(dir); err != nil {
		t.Fatalf("EnsureDirExists: %v", err)
	}

	if FileExists(dir) {
		t.Errorf("expected directory not to count as a file")
	}

	file := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if !FileExists(file) {
		t.Errorf("expected %s to exist", file)
	}
}

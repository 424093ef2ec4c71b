package wavebar

import (
	"reflect"
	"testing"

	ps "github.com/mitchellh/go-ps"
)

type stubProcess struct {
	pid, ppid int
	exe       string
}

func (p stubProcess) Pid() int           { return p.pid }
func (p stubProcess) PPid() int          { return p.ppid }
func (p stubProcess) Executable() string { return p.exe }

func TestChildrenOf(t *testing.T) {
	table := []ps.Process{
		stubProcess{1, 0, "systemd"},
		stubProcess{100, 1, "chromium"},
		stubProcess{130, 100, "chromium"},
		stubProcess{120, 100, "chromium"},
		stubProcess{150, 120, "chromium"},
		stubProcess{200, 1, "spotify"},
	}

	tests := []struct {
		name   string
		parent uint32
		want   []uint32
	}{
		{"two children sorted", 100, []uint32{120, 130}},
		{"grandchild only under its parent", 120, []uint32{150}},
		{"leaf", 150, []uint32{}},
		{"unknown pid", 999, []uint32{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := childrenOf(table, tt.parent)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("childrenOf(%d) = %v, want %v", tt.parent, got, tt.want)
			}
		})
	}
}

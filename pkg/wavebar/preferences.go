package wavebar

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

const preferredPlayerFilename = "preferred_player"

// PreferenceStore remembers the player last picked by hand
type PreferenceStore struct {
	dir string

	lock   sync.Mutex
	cached *string
}

// NewPreferenceStore keeps its state under dir
func NewPreferenceStore(dir string) *PreferenceStore {
	return &PreferenceStore{dir: dir}
}

// PreferredPlayer returns the remembered bus name, or empty
func (ps *PreferenceStore) PreferredPlayer() string {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.cached != nil {
		return *ps.cached
	}

	name := ""
	if data, err := ioutil.ReadFile(ps.path()); err == nil {
		name = strings.TrimSpace(string(data))
	}

	ps.cached = &name
	return name
}

// SavePreferredPlayer remembers name for the next start
func (ps *PreferenceStore) SavePreferredPlayer(name string) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if err := util.EnsureDirExists(ps.dir); err != nil {
		return fmt.Errorf("save preferred player: %w", err)
	}

	if err := ioutil.WriteFile(ps.path(), []byte(name+"\n"), 0644); err != nil {
		return fmt.Errorf("save preferred player: %w", err)
	}

	ps.cached = &name
	return nil
}

func (ps *PreferenceStore) path() string {
	return filepath.Join(ps.dir, preferredPlayerFilename)
}

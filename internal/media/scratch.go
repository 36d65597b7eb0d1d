package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempWorkDir is the root for per-job scratch areas.
const TempWorkDir = "/tmp/vod"

// Scratch is a private per-job working directory, released unconditionally
// via Close regardless of job outcome.
type Scratch struct {
	dir string
}

// NewScratch creates a fresh scratch directory.
func NewScratch(prefix string) (*Scratch, error) {
	if err := os.MkdirAll(TempWorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(TempWorkDir, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Path returns an absolute path inside the scratch directory.
func (s *Scratch) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Close removes the scratch directory and everything in it.
func (s *Scratch) Close() error {
	return os.RemoveAll(s.dir)
}

package supervisor

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/pkg/consts"
)

// TempDirs hands out browser profile directories under one root.
type TempDirs struct {
	fs   afero.Fs
	root string
}

// NewTempDirs roots directories at root, or at $PROCTOR_TMPDIR, or at the
// OS temp dir.
func NewTempDirs(fs afero.Fs, root string) *TempDirs {
	if root == "" {
		root = os.Getenv(consts.EnvTempDir)
	}
	if root == "" {
		root = os.TempDir()
	}
	return &TempDirs{fs: fs, root: root}
}

func (t *TempDirs) Path(suffix string) string {
	return filepath.Join(t.root, suffix)
}

func (t *TempDirs) Create(path string) error {
	return t.fs.MkdirAll(path, 0o755)
}

// Remove deletes path recursively. A missing path is not an error.
func (t *TempDirs) Remove(path string) error {
	return t.fs.RemoveAll(path)
}

// Personal.AI order the ending

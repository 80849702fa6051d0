// Package filelist resolves the configured file patterns into the ordered
// set of files served to captured browsers and keeps that set current as
// files are added, changed and removed.
package filelist

import (
	"time"

	"github.com/turtacn/Proctor/pkg/protocol"
)

// File is one resolved entry. Files handed out by the list are never
// mutated afterwards; updates replace the pointer.
type File struct {
	Path         string
	OriginalPath string
	IsURL        bool
	Mtime        time.Time

	// Content, ContentType and SHA are filled by preprocessing.
	Content     []byte
	ContentType string
	SHA         string

	Included   bool
	Served     bool
	Watched    bool
	DoNotCache bool
}

func newFile(path string, mtime time.Time, p protocol.Pattern) *File {
	return &File{
		Path:         path,
		OriginalPath: path,
		Mtime:        mtime,
		Included:     p.Included,
		Served:       p.Served,
		Watched:      p.Watched,
		DoNotCache:   p.NoCache,
	}
}

func newURL(p protocol.Pattern) *File {
	return &File{
		Path:         p.Pattern,
		OriginalPath: p.Pattern,
		IsURL:        true,
		Included:     p.Included,
	}
}

func (f *File) clone() *File {
	c := *f
	return &c
}

// Files is a snapshot of the list in served order.
type Files struct {
	Served   []*File
	Included []*File
}

// Paths returns the served paths, mostly for logs and tests.
func (fs Files) Paths() []string {
	out := make([]string, len(fs.Served))
	for i, f := range fs.Served {
		out[i] = f.Path
	}
	return out
}

// Personal.AI order the ending

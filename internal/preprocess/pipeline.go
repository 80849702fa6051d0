// Package preprocess loads file contents for serving and runs the
// configured transforms over them.
package preprocess

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/internal/monitor"
	perrors "github.com/turtacn/Proctor/pkg/errors"
)

// Transform rewrites a loaded file. base is the project base path.
type Transform func(ctx context.Context, f *filelist.File, base string) error

var transforms = map[string]Transform{
	"html2js": HTML2JS,
	"json2js": JSON2JS,
}

type rule struct {
	pattern    string
	match      glob.Glob
	transforms []Transform
}

// Pipeline reads a file, applies every rule whose pattern matches, then
// fingerprints the result.
type Pipeline struct {
	fs    afero.Fs
	base  string
	rules []rule
}

// New builds a pipeline from the preprocessors config section, a map of
// glob pattern to transform names.
func New(fs afero.Fs, base string, config map[string][]string) (*Pipeline, error) {
	patterns := make([]string, 0, len(config))
	for p := range config {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	p := &Pipeline{fs: fs, base: base}
	for _, pattern := range patterns {
		m, err := filelist.CompileGlob(pattern)
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeConfigInvalid, "Preprocess", fmt.Sprintf("invalid pattern %q", pattern), err)
		}
		r := rule{pattern: pattern, match: m}
		for _, name := range config[pattern] {
			t, ok := transforms[name]
			if !ok {
				return nil, perrors.New(perrors.ErrCodeConfigInvalid, "Preprocess", fmt.Sprintf("unknown preprocessor %q", name), nil)
			}
			r.transforms = append(r.transforms, t)
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// Process satisfies filelist.Preprocessor.
func (p *Pipeline) Process(ctx context.Context, f *filelist.File) error {
	start := time.Now()
	defer func() { monitor.PreprocessDuration.Observe(time.Since(start).Seconds()) }()

	content, err := afero.ReadFile(p.fs, filepath.FromSlash(f.Path))
	if err != nil {
		return perrors.New(perrors.ErrCodePreprocessFailed, "Preprocess", fmt.Sprintf("cannot read %s", f.Path), err)
	}
	f.Content = content
	f.ContentType = mime.TypeByExtension(filepath.Ext(f.Path))

	for _, r := range p.rules {
		if !r.match.Match(filepath.ToSlash(f.Path)) {
			continue
		}
		for _, t := range r.transforms {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t(ctx, f, p.base); err != nil {
				return perrors.New(perrors.ErrCodePreprocessFailed, "Preprocess", fmt.Sprintf("%s failed", f.Path), err)
			}
		}
	}

	sum := sha1.Sum(f.Content)
	f.SHA = hex.EncodeToString(sum[:])
	return nil
}

// Personal.AI order the ending

package filelist

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

// GlobResult is what a Globber found for one pattern. Mtimes doubles as a
// stat cache so the list does not stat twice.
type GlobResult struct {
	Paths  []string
	Mtimes map[string]time.Time
}

// Globber expands a pattern into matching file paths.
type Globber interface {
	Glob(pattern string) (GlobResult, error)
}

// FSGlobber walks Fs from the static prefix of each pattern. Relative
// patterns are resolved against Root.
type FSGlobber struct {
	Fs   afero.Fs
	Root string
}

func (g FSGlobber) Glob(pattern string) (GlobResult, error) {
	abs := g.absolute(pattern)
	res := GlobResult{Mtimes: make(map[string]time.Time)}

	m, err := CompileGlob(abs)
	if err != nil {
		return res, err
	}

	base := StaticBase(abs)
	info, err := g.Fs.Stat(filepath.FromSlash(base))
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if !info.IsDir() {
		if m.Match(base) {
			res.Paths = append(res.Paths, base)
			res.Mtimes[base] = info.ModTime()
		}
		return res, nil
	}

	err = afero.Walk(g.Fs, filepath.FromSlash(base), func(p string, info fs.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		p = filepath.ToSlash(p)
		if m.Match(p) {
			res.Paths = append(res.Paths, p)
			res.Mtimes[p] = info.ModTime()
		}
		return nil
	})
	sort.Strings(res.Paths)
	return res, err
}

func (g FSGlobber) absolute(pattern string) string {
	pattern = filepath.ToSlash(pattern)
	if !path.IsAbs(pattern) {
		root := filepath.ToSlash(g.Root)
		if root == "" {
			root = "/"
		}
		pattern = path.Join(root, pattern)
	}
	return path.Clean(pattern)
}

// CompileGlob compiles pattern with '/' as separator. A "/**/" segment
// also matches a single "/", so "src/**/*.js" covers files directly in src.
func CompileGlob(pattern string) (glob.Glob, error) {
	pattern = filepath.ToSlash(pattern)
	parts := strings.Split(pattern, "/**/")
	if len(parts) == 1 {
		return glob.Compile(pattern, '/')
	}

	// One variant per choice of "/**/" or "/" at each double star.
	variants := []string{parts[0]}
	for _, part := range parts[1:] {
		next := make([]string, 0, len(variants)*2)
		for _, v := range variants {
			next = append(next, v+"/**/"+part, v+"/"+part)
		}
		variants = next
	}

	globs := make(anyGlob, 0, len(variants))
	for _, v := range variants {
		g, err := glob.Compile(v, '/')
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// anyGlob matches when one of its globs does.
type anyGlob []glob.Glob

func (a anyGlob) Match(s string) bool {
	for _, g := range a {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// StaticBase is the longest leading directory of pattern free of glob
// syntax.
func StaticBase(pattern string) string {
	parts := strings.Split(pattern, "/")
	static := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.ContainsAny(part, "*?[{\\") {
			break
		}
		static = append(static, part)
	}
	base := strings.Join(static, "/")
	if base == "" {
		return "/"
	}
	return base
}

// Personal.AI order the ending

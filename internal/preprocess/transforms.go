package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/turtacn/Proctor/internal/filelist"
)

const jsContentType = "application/javascript"

// HTML2JS wraps an HTML fixture into a script registering it on
// window.__html__ under its path relative to base.
func HTML2JS(_ context.Context, f *filelist.File, base string) error {
	literal, err := json.Marshal(string(f.Content))
	if err != nil {
		return err
	}
	key, _ := json.Marshal(relative(f.Path, base))

	var b strings.Builder
	b.WriteString("window.__html__ = window.__html__ || {};\n")
	fmt.Fprintf(&b, "window.__html__[%s] = %s;\n", key, literal)
	f.Content = []byte(b.String())
	f.ContentType = jsContentType
	return nil
}

// JSON2JS exposes a JSON fixture on window.__json__. Invalid JSON is an
// error.
func JSON2JS(_ context.Context, f *filelist.File, base string) error {
	if !json.Valid(f.Content) {
		return fmt.Errorf("%s is not valid JSON", f.Path)
	}
	key, _ := json.Marshal(relative(f.Path, base))

	var b strings.Builder
	b.WriteString("window.__json__ = window.__json__ || {};\n")
	fmt.Fprintf(&b, "window.__json__[%s] = %s;\n", key, strings.TrimSpace(string(f.Content)))
	f.Content = []byte(b.String())
	f.ContentType = jsContentType
	return nil
}

func relative(path, base string) string {
	if base == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Personal.AI order the ending

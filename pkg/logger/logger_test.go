package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_DefaultInitialization(t *testing.T) {
	// Log should be initialized by default and not panic
	if Log == nil {
		t.Fatal("Log should not be nil by default")
	}

	Log.Info("Testing default logger")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info("hidden")
	l.Warn("shown", "browser", "ChromeHeadless")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should have been filtered: %s", out)
	}
	if !strings.Contains(out, `"browser":"ChromeHeadless"`) {
		t.Errorf("expected structured attribute in output: %s", out)
	}
}

func TestLogger_TextFormatWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "text").With("component", "filelist")

	l.Debug("refreshed", "files", 3)

	out := buf.String()
	if !strings.Contains(out, "component=filelist") || !strings.Contains(out, "files=3") {
		t.Errorf("unexpected text output: %s", out)
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithWriterFormats(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("hello", "task_id", "t1")
	if !strings.Contains(buf.String(), `"task_id":"t1"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	NewWithWriter(&buf, "info", "").Info("hello", "task_id", "t1")
	if !strings.Contains(buf.String(), "task_id=t1") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "text")
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

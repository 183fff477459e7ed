package klog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)

	log.Info("boot complete", "harts", 4, "entry", "0x80200000")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	for _, want := range []string{"INFO", "boot complete", "harts=4", "entry=0x80200000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)

	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("level filtering wrong: %q", out)
	}
}

func TestWithAttrsCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo).With("hart", 2)

	log.Info("tick")
	if !strings.Contains(buf.String(), "hart=2") {
		t.Fatalf("attached attr missing: %q", buf.String())
	}
}

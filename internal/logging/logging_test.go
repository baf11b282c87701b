package logging

import (
	"bytes"
	"log"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h).With("task", "cptIsr")

	LogQuantumSkipped(logger, "cptIsr", "q-1", "{instrument: \"LSSTCam\"}", "not a flat")
	out := buf.String()
	if !strings.HasPrefix(out, "[INFO] quantum skipped [") {
		t.Fatalf("unexpected line: %q", out)
	}
	for _, want := range []string{"task=cptIsr", "id=q-1", "reason=not a flat"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestTraditionalHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelWarn})
	LogQuantumComplete(logger, "cptIsr", "q-1", time.Second)
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	LogQuantumError(logger, "cptIsr", "q-1", time.Second, nil)
	if !strings.Contains(buf.String(), "[ERROR] quantum failed") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "json")
	LogGraphBuilt(logger, "protocolB.toml", 4, 12)
	if !strings.Contains(buf.String(), `"tasks":4`) {
		t.Fatalf("expected JSON attrs, got %q", buf.String())
	}
}

package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestZerologLogger_Fields verifies typed fields reach the JSON output
func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf))

	l.Warn("processers stalled",
		F("scheduler", "main"),
		F("stalled", 2),
		F("stolen", uint64(7)),
		F("slow", 150*time.Millisecond),
		F("err", errors.New("boom")),
		F("ids", []int{1, 2}),
	)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if got["level"] != "warn" || got["message"] != "processers stalled" {
		t.Errorf("level/message = %v/%v", got["level"], got["message"])
	}
	if got["scheduler"] != "main" || got["stalled"] != float64(2) || got["stolen"] != float64(7) {
		t.Errorf("fields = %v", got)
	}
	if got["err"] != "boom" {
		t.Errorf("err = %v, want boom", got["err"])
	}
	if _, ok := got["slow"]; !ok {
		t.Error("duration field missing")
	}
}

// TestConsoleLogger_Level verifies messages below the level are dropped
func TestConsoleLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, zerolog.InfoLevel)

	l.Debug("hidden")
	l.Info("scheduler started", F("scheduler", "main"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "scheduler started") || !strings.Contains(out, "main") {
		t.Errorf("info line missing: %q", out)
	}
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NewNoOpLogger()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x", F("k", "v"))
}

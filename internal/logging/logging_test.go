package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "info", "warn", "warning", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}

func TestSamplingLimitsRepeats(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.SampleInitial = 3
	cfg.SampleThereafter = 0
	log, err := build(cfg, &buf)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < 50; i++ {
		log.Warn("engine lock timeout")
	}
	if n := strings.Count(buf.String(), "engine lock timeout"); n != 3 {
		t.Fatalf("logged %d repeats, want 3", n)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "drumseq.log")
	cfg := DefaultConfig()
	cfg.Console = false
	cfg.File = path
	log, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Named("engine").Info("driver attached")
	_ = log.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"logger":"engine"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

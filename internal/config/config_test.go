package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.SampleRate != 44100 || cfg.BufferSize != 512 || cfg.Driver != "ebiten" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.RedisChannel != "drumseq:tempo" || cfg.Log.Level != "info" {
		t.Fatalf("defaults: redis %q log %q", cfg.RedisChannel, cfg.Log.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRUMSEQ_SAMPLE_RATE", "48000")
	t.Setenv("DRUMSEQ_BUFFER_SIZE", "not-a-number")
	t.Setenv("DRUMSEQ_METRONOME", "true")
	t.Setenv("DRUMSEQ_METRONOME_VOLUME", "0.8")
	cfg := FromEnv()
	if cfg.SampleRate != 48000 {
		t.Fatalf("sample rate %d", cfg.SampleRate)
	}
	if cfg.BufferSize != 512 {
		t.Fatalf("invalid value should keep the default, got %d", cfg.BufferSize)
	}
	if !cfg.Metronome || cfg.MetronomeVolume != 0.8 {
		t.Fatalf("metronome %v %v", cfg.Metronome, cfg.MetronomeVolume)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("DRUMSEQ_DRIVER=null\nDRUMSEQ_REDIS_DB=3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DRUMSEQ_REDIS_DB", "5")
	// register cleanup for the variable godotenv sets
	t.Setenv("DRUMSEQ_DRIVER", "")
	os.Unsetenv("DRUMSEQ_DRIVER")

	cfg := Load(path)
	if cfg.Driver != "null" {
		t.Fatalf("driver %q, want null from the .env file", cfg.Driver)
	}
	if cfg.RedisDB != 5 {
		t.Fatalf(".env must not override the environment, got db %d", cfg.RedisDB)
	}
	if missing := Load(filepath.Join(t.TempDir(), "missing.env")); missing == nil {
		t.Fatalf("missing file should still load defaults")
	}
}

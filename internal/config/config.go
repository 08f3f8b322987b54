// Package config reads drumseq settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cbegin/drumseq-go/internal/logging"
)

type Config struct {
	SampleRate int
	BufferSize int
	Driver     string // ebiten, disk, fake, null
	Output     string // WAV path for the disk driver

	Log logging.Config

	ListenAddr string // websocket/HTTP monitor, empty disables

	RedisAddr     string // empty disables clock sync
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	TempoMaster   bool // publish our tempo instead of following

	MidiIn string // input port name substring, empty disables
	TapKey int    // MIDI key used as tap tempo pad, negative disables

	Metronome       bool
	MetronomeVolume float64
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// Load reads the given .env files (".env" when none are given) without
// overriding variables already set, then builds the configuration. Missing
// files are not an error.
func Load(files ...string) *Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from DRUMSEQ_* variables.
func FromEnv() *Config {
	log := logging.DefaultConfig()
	log.Level = getEnv("DRUMSEQ_LOG_LEVEL", log.Level)
	log.File = getEnv("DRUMSEQ_LOG_FILE", "")
	log.MaxSize = getEnvInt("DRUMSEQ_LOG_MAX_SIZE", log.MaxSize)
	log.MaxBackups = getEnvInt("DRUMSEQ_LOG_MAX_BACKUPS", log.MaxBackups)
	log.MaxAge = getEnvInt("DRUMSEQ_LOG_MAX_AGE", log.MaxAge)
	log.Development = getEnvBool("DRUMSEQ_LOG_DEV", false)

	return &Config{
		SampleRate:      getEnvInt("DRUMSEQ_SAMPLE_RATE", 44100),
		BufferSize:      getEnvInt("DRUMSEQ_BUFFER_SIZE", 512),
		Driver:          getEnv("DRUMSEQ_DRIVER", "ebiten"),
		Output:          getEnv("DRUMSEQ_OUTPUT", "out.wav"),
		Log:             log,
		ListenAddr:      getEnv("DRUMSEQ_LISTEN", ""),
		RedisAddr:       getEnv("DRUMSEQ_REDIS_ADDR", ""),
		RedisPassword:   getEnv("DRUMSEQ_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("DRUMSEQ_REDIS_DB", 0),
		RedisChannel:    getEnv("DRUMSEQ_REDIS_CHANNEL", "drumseq:tempo"),
		TempoMaster:     getEnvBool("DRUMSEQ_TEMPO_MASTER", false),
		MidiIn:          getEnv("DRUMSEQ_MIDI_IN", ""),
		TapKey:          getEnvInt("DRUMSEQ_TAP_KEY", -1),
		Metronome:       getEnvBool("DRUMSEQ_METRONOME", false),
		MetronomeVolume: getEnvFloat("DRUMSEQ_METRONOME_VOLUME", 0.5),
	}
}

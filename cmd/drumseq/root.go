package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/config"
	"github.com/cbegin/drumseq-go/internal/logging"
	"github.com/cbegin/drumseq-go/internal/song"
)

type app struct {
	envFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "drumseq",
		Short:        "Pattern-based drum sequencer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env", ".env", "dotenv file to read before the environment")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-file", "", "also write JSON logs to this rotating file")
	pf.Int("sample-rate", 0, "output sample rate")
	pf.Int("buffer-size", 0, "frames per audio buffer")
	pf.String("driver", "", "audio driver: auto, ebiten, disk, fake or null")

	root.AddCommand(newPlayCmd(a), newServeCmd(a), newRenderCmd(a), newInspectCmd(a))
	return root
}

func (a *app) setup(fs *pflag.FlagSet) error {
	a.cfg = config.Load(a.envFile)
	overlay(fs, a.cfg)
	log, err := logging.New(a.cfg.Log)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// overlay copies explicitly set flags over the environment configuration.
func overlay(fs *pflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Log.Level = f.Value.String()
		case "log-file":
			cfg.Log.File = f.Value.String()
		case "sample-rate":
			cfg.SampleRate, _ = fs.GetInt(f.Name)
		case "buffer-size":
			cfg.BufferSize, _ = fs.GetInt(f.Name)
		case "driver":
			cfg.Driver = f.Value.String()
		case "output":
			cfg.Output = f.Value.String()
		case "listen":
			cfg.ListenAddr = f.Value.String()
		case "redis":
			cfg.RedisAddr = f.Value.String()
		case "tempo-master":
			cfg.TempoMaster, _ = fs.GetBool(f.Name)
		case "midi":
			cfg.MidiIn = f.Value.String()
		case "tap-key":
			cfg.TapKey, _ = fs.GetInt(f.Name)
		case "metronome":
			cfg.Metronome, _ = fs.GetBool(f.Name)
		case "tui":
			// the terminal belongs to the UI
			if on, _ := fs.GetBool(f.Name); on {
				cfg.Log.Console = false
			}
		}
	})
}

// loadSong reads path, or returns the built-in demo when path is empty.
func loadSong(path string) (*song.Song, error) {
	if path == "" {
		return song.Demo()
	}
	return song.LoadFile(path)
}

func songArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	drumseq "github.com/cbegin/drumseq-go"
)

func newRenderCmd(a *app) *cobra.Command {
	var seconds float64
	var seed uint64
	cmd := &cobra.Command{
		Use:   "render [song.yaml]",
		Short: "Render an arrangement to a WAV file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sg, err := loadSong(songArg(args))
			if err != nil {
				return err
			}
			f, err := os.Create(a.cfg.Output)
			if err != nil {
				return err
			}
			defer f.Close()

			var maxFrames int64
			if seconds > 0 {
				maxFrames = int64(seconds * float64(a.cfg.SampleRate))
			}
			start := time.Now()
			frames, err := drumseq.RenderSong(cmd.Context(), sg, f, maxFrames,
				drumseq.WithSampleRate(a.cfg.SampleRate),
				drumseq.WithBufferSize(a.cfg.BufferSize),
				drumseq.WithLogger(a.log),
				drumseq.WithMetronome(a.cfg.Metronome, a.cfg.MetronomeVolume),
				drumseq.WithSeed(seed))
			if err != nil {
				return err
			}
			a.log.Info("rendered",
				zap.String("output", a.cfg.Output),
				zap.Int64("frames", frames),
				zap.Duration("took", time.Since(start)))
			fmt.Printf("%s: %.2fs\n", a.cfg.Output, float64(frames)/float64(a.cfg.SampleRate))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringP("output", "o", "", "WAV file to write")
	f.Float64Var(&seconds, "seconds", 0, "stop after this many seconds; required for looping songs")
	f.Uint64Var(&seed, "seed", 0, "humanization seed, 0 for random")
	f.Bool("metronome", false, "render the click")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/drumseq-go/internal/notify"
)

type playFlags struct {
	tui   bool
	watch bool
	loop  bool
	bpm   float64
}

func addServiceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("listen", "", "serve the websocket monitor on this address")
	f.String("redis", "", "redis address for tempo sync")
	f.Bool("tempo-master", false, "publish our tempo instead of following the channel")
	f.String("midi", "", "MIDI input port name (substring)")
	f.Int("tap-key", -1, "MIDI key that taps the tempo instead of playing")
	f.Bool("metronome", false, "click every beat")
}

func newPlayCmd(a *app) *cobra.Command {
	var pf playFlags
	cmd := &cobra.Command{
		Use:   "play [song.yaml]",
		Short: "Play an arrangement, the built-in demo when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.play(cmd, songArg(args), pf)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&pf.tui, "tui", false, "show the transport monitor")
	f.BoolVar(&pf.watch, "watch", false, "reload the song file when it changes")
	f.BoolVar(&pf.loop, "loop", false, "loop the song")
	f.Float64Var(&pf.bpm, "bpm", 0, "tempo when the song has no timeline")
	addServiceFlags(cmd)
	return cmd
}

func (a *app) play(cmd *cobra.Command, path string, pf playFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sg, err := loadSong(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("loop") {
		sg.Loop = pf.loop
	}
	sess, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()
	if err := sess.load(sg); err != nil {
		return err
	}
	if pf.bpm > 0 {
		if err := sess.seq.SetBpm(pf.bpm); err != nil {
			return err
		}
	}
	events := sess.seq.Watch()

	g, gctx := errgroup.WithContext(ctx)
	sess.start(gctx, g)
	if pf.watch && path != "" {
		g.Go(func() error { return watchSong(gctx, path, a.log, sess.load) })
	}
	if err := sess.seq.Play(); err != nil {
		return err
	}
	g.Go(func() error {
		defer cancel()
		if pf.tui {
			return runTUI(gctx, sess.seq, events)
		}
		return report(gctx, events, a.log)
	})
	return g.Wait()
}

// report prints progress until the song ends or ctx is done.
func report(ctx context.Context, events <-chan notify.Event, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case notify.KindColumnChanged:
				fmt.Printf("column %d\n", ev.Value)
			case notify.KindTempoChanged:
				fmt.Printf("tempo %.2f bpm\n", ev.Bpm)
			case notify.KindXrun:
				log.Debug("xrun", zap.Int("count", ev.Value))
			case notify.KindEndOfSong:
				fmt.Println("end of song")
				return nil
			}
		}
	}
}

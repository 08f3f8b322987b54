package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/tempo"
)

func newInspectCmd(a *app) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "inspect [song.yaml]",
		Short: "Print the column layout and tempo map of an arrangement",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sg, err := loadSong(songArg(args))
			if err != nil {
				return err
			}
			if dump {
				spew.Fdump(os.Stdout, sg)
				return nil
			}
			return describe(os.Stdout, sg, a.cfg.SampleRate)
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "dump the whole song model")
	return cmd
}

func describe(w io.Writer, sg *song.Song, sampleRate int) error {
	if err := sg.Validate(); err != nil {
		return err
	}
	sg.Reindex()
	m := tempo.NewMap(sg.Bpm)
	if sg.Timeline {
		if err := m.Reset(sg.Bpm, sg.Tempo); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%s: %d instruments, %d patterns, %s mode, loop %v\n",
		sg.Name, len(sg.Instruments), len(sg.Patterns), sg.Mode, sg.Loop)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "column\tstart\tticks\tbpm\tseconds\tpatterns")
	for i, col := range sg.Columns {
		start := sg.ColumnStartTick(i)
		frame := m.FrameForTick(start, sampleRate, sg.Resolution, sg)
		names := ""
		for j, p := range col.Patterns() {
			if j > 0 {
				names += ","
			}
			names += p.Name
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.2f\t%.3f\t%s\n",
			i, start, sg.ColumnLength(i), m.BpmAtColumn(i), frame/float64(sampleRate), names)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	end := m.FrameForTick(sg.LengthInTicks(), sampleRate, sg.Resolution, sg)
	_, err := fmt.Fprintf(w, "%d ticks, %.3f seconds\n", sg.LengthInTicks(), end/float64(sampleRate))
	return err
}

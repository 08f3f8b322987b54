package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	drumseq "github.com/cbegin/drumseq-go"
)

func newServeCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve [song.yaml]",
		Short: "Run headless, controlled over HTTP and monitored over websocket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, songArg(args), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the song file when it changes")
	addServiceFlags(cmd)
	return cmd
}

func (a *app) serve(cmd *cobra.Command, path string, watch bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if a.cfg.ListenAddr == "" {
		a.cfg.ListenAddr = ":8080"
	}
	sg, err := loadSong(path)
	if err != nil {
		return err
	}
	sess, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()
	if err := sess.load(sg); err != nil {
		return err
	}
	controlRoutes(sess.router, sess.seq, a.log)

	g, gctx := errgroup.WithContext(ctx)
	sess.start(gctx, g)
	if watch && path != "" {
		g.Go(func() error { return watchSong(gctx, path, a.log, sess.load) })
	}
	return g.Wait()
}

// controlRoutes adds the transport controls under /transport.
func controlRoutes(r *mux.Router, seq *drumseq.Sequencer, log *zap.Logger) {
	t := r.PathPrefix("/transport").Subrouter()
	reply := func(w http.ResponseWriter, err error) {
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if err := json.NewEncoder(w).Encode(seq.Snapshot()); err != nil {
			log.Warn("encode snapshot", zap.Error(err))
		}
	}
	t.HandleFunc("/play", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, seq.Play())
	}).Methods(http.MethodPost)
	t.HandleFunc("/stop", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, seq.Stop())
	}).Methods(http.MethodPost)
	t.HandleFunc("/locate/{column:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		column, _ := strconv.Atoi(mux.Vars(r)["column"])
		reply(w, seq.LocateToColumn(column))
	}).Methods(http.MethodPost)
	t.HandleFunc("/bpm/{bpm}", func(w http.ResponseWriter, r *http.Request) {
		bpm, err := strconv.ParseFloat(mux.Vars(r)["bpm"], 64)
		if err != nil {
			http.Error(w, "bad bpm", http.StatusBadRequest)
			return
		}
		reply(w, seq.SetBpm(bpm))
	}).Methods(http.MethodPost)
	t.HandleFunc("/tap", func(w http.ResponseWriter, _ *http.Request) {
		_, err := seq.TapTempo()
		reply(w, err)
	}).Methods(http.MethodPost)
	t.HandleFunc("/loop/{on:true|false}", func(w http.ResponseWriter, r *http.Request) {
		reply(w, seq.SetLoop(mux.Vars(r)["on"] == "true"))
	}).Methods(http.MethodPost)
	t.HandleFunc("", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, nil)
	}).Methods(http.MethodGet)
}

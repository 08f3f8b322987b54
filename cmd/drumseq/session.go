package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	drumseq "github.com/cbegin/drumseq-go"
	"github.com/cbegin/drumseq-go/internal/clocksync"
	"github.com/cbegin/drumseq-go/internal/midiin"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/song"
)

// session is a sequencer plus the optional services around it: the
// websocket monitor, Redis clock sync and MIDI input.
type session struct {
	log       *zap.Logger
	seq       *drumseq.Sequencer
	hub       *notify.Hub
	router    *mux.Router
	listen    string
	redis     *redis.Client
	follower  *clocksync.Follower
	publisher *clocksync.Publisher
	midi      *midiin.Listener
}

func (a *app) newSession(ctx context.Context, extra ...drumseq.Option) (*session, error) {
	cfg := a.cfg
	s := &session{log: a.log, listen: cfg.ListenAddr}
	opts := []drumseq.Option{
		drumseq.WithDriver(cfg.Driver),
		drumseq.WithSampleRate(cfg.SampleRate),
		drumseq.WithBufferSize(cfg.BufferSize),
		drumseq.WithLogger(a.log),
		drumseq.WithMetronome(cfg.Metronome, cfg.MetronomeVolume),
	}
	var sinks notify.Multi
	if cfg.ListenAddr != "" {
		s.hub = notify.NewHub(a.log)
		sinks = append(sinks, s.hub)
	}
	if cfg.RedisAddr != "" {
		client, err := clocksync.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		s.redis = client
		if cfg.TempoMaster {
			s.publisher = clocksync.NewPublisher(client, cfg.RedisChannel, a.log)
			sinks = append(sinks, s.publisher)
		} else {
			s.follower = clocksync.NewFollower(client, cfg.RedisChannel, a.log)
			opts = append(opts, drumseq.WithTempoSource(s.follower))
		}
	}
	if len(sinks) > 0 {
		opts = append(opts, drumseq.WithSink(sinks))
	}
	seq, err := drumseq.New(append(opts, extra...)...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.seq = seq
	if s.hub != nil {
		s.router = s.hub.Router(func() any { return seq.Snapshot() })
	}
	if cfg.MidiIn != "" {
		s.midi = midiin.NewListener(seq.Engine(), nil, a.log)
		s.midi.SetTapKey(cfg.TapKey)
		if err := s.midi.Open(cfg.MidiIn); err != nil {
			a.log.Error("midi input disabled", zap.Error(err), zap.Strings("ports", midiin.Ports()))
			s.midi = nil
		}
	}
	return s, nil
}

// load replaces the song and refreshes the MIDI key map. A running
// transport keeps playing from the same tick when the new song is long
// enough.
func (s *session) load(sg *song.Song) error {
	before := s.seq.Snapshot()
	if err := s.seq.Load(sg); err != nil {
		return err
	}
	if s.midi != nil {
		s.midi.SetKeyMap(midiin.KeyMapFor(sg))
	}
	if !before.Playing {
		return nil
	}
	if before.Tick < sg.LengthInTicks() {
		if err := s.seq.Locate(before.Tick); err != nil {
			return err
		}
	}
	return s.seq.Play()
}

// start runs the background services in g until ctx is done.
func (s *session) start(ctx context.Context, g *errgroup.Group) {
	if s.hub != nil {
		srv := &http.Server{Addr: s.listen, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			s.log.Info("monitor listening", zap.String("addr", s.listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	if s.follower != nil {
		g.Go(func() error { return s.follower.Run(ctx) })
	}
	if s.publisher != nil {
		g.Go(func() error { return s.publisher.Run(ctx) })
	}
}

func (s *session) close() {
	if s.midi != nil {
		s.midi.Close()
	}
	if s.seq != nil {
		if err := s.seq.Close(); err != nil {
			s.log.Warn("close sequencer", zap.Error(err))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// Package clocksync shares the tempo between sequencers over a Redis
// pub/sub channel. A master publishes every tempo change; followers use
// the last published tempo as their external tempo source.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/tempo"
)

// Release is the payload a master sends when it stops dictating tempo.
const Release = "release"

// DefaultStaleAfter is how long a follower trusts a tempo without a refresh.
const DefaultStaleAfter = 10 * time.Second

// DefaultHeartbeat is how often a master repeats an unchanged tempo. It stays
// well inside DefaultStaleAfter.
const DefaultHeartbeat = DefaultStaleAfter / 4

var ErrBadMessage = errors.New("clocksync: bad message")

// ParseMessage decodes a payload. It returns active=false for a release.
func ParseMessage(payload string) (bpm float64, active bool, err error) {
	payload = strings.TrimSpace(payload)
	if strings.EqualFold(payload, Release) {
		return 0, false, nil
	}
	bpm, err = strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrBadMessage, payload)
	}
	if err := tempo.ValidateBpm(bpm); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return bpm, true, nil
}

func FormatBpm(bpm float64) string {
	return strconv.FormatFloat(bpm, 'f', -1, 64)
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("clocksync: connect %s: %w", addr, err)
	}
	return client, nil
}

// Follower is a tempo.Source fed by a Redis channel. Bpm is lock-free and
// safe to call from the audio thread.
type Follower struct {
	client     *redis.Client
	channel    string
	log        *zap.Logger
	staleAfter time.Duration
	now        func() time.Time

	bits    atomic.Uint64
	updated atomic.Int64
	active  atomic.Bool
}

var _ tempo.Source = (*Follower)(nil)

func NewFollower(client *redis.Client, channel string, log *zap.Logger) *Follower {
	if log == nil {
		log = zap.NewNop()
	}
	return &Follower{
		client:     client,
		channel:    channel,
		log:        log.Named("clocksync"),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// SetStaleAfter changes the staleness window. Zero disables it.
func (f *Follower) SetStaleAfter(d time.Duration) { f.staleAfter = d }

func (f *Follower) Bpm() (float64, bool) {
	if !f.active.Load() {
		return 0, false
	}
	if f.staleAfter > 0 && f.now().Sub(time.Unix(0, f.updated.Load())) > f.staleAfter {
		return 0, false
	}
	return math.Float64frombits(f.bits.Load()), true
}

// Apply handles one payload as if it arrived on the channel.
func (f *Follower) Apply(payload string) error {
	bpm, active, err := ParseMessage(payload)
	if err != nil {
		return err
	}
	if !active {
		f.active.Store(false)
		f.log.Info("tempo master released")
		return nil
	}
	f.bits.Store(math.Float64bits(bpm))
	f.updated.Store(f.now().UnixNano())
	if !f.active.Swap(true) {
		f.log.Info("following tempo master", zap.Float64("bpm", bpm))
	}
	return nil
}

// Run subscribes and applies messages until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("clocksync: subscribe %s: %w", f.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Apply(msg.Payload); err != nil {
				f.log.Warn("ignoring message", zap.String("channel", msg.Channel), zap.Error(err))
			}
		}
	}
}

// publishClient is the part of *redis.Client a Publisher needs.
type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher is a notify.Sink that publishes tempo changes and repeats the
// current tempo every heartbeat. Notify never blocks; only the newest
// pending tempo is kept.
type Publisher struct {
	client    publishClient
	channel   string
	log       *zap.Logger
	heartbeat time.Duration
	pending   chan float64
	last      float64
}

var _ notify.Sink = (*Publisher)(nil)

func NewPublisher(client *redis.Client, channel string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:    client,
		channel:   channel,
		log:       log.Named("clocksync"),
		heartbeat: DefaultHeartbeat,
		pending:   make(chan float64, 1),
	}
}

// SetHeartbeat changes how often an unchanged tempo is repeated. Zero
// disables it. Call it before Run.
func (p *Publisher) SetHeartbeat(d time.Duration) { p.heartbeat = d }

func (p *Publisher) Notify(ev notify.Event) {
	if ev.Kind != notify.KindTempoChanged || ev.Bpm <= 0 {
		return
	}
	for {
		select {
		case p.pending <- ev.Bpm:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run publishes pending tempos until ctx is done, then releases followers.
// Followers drop a tempo that is not refreshed, so the last one is
// republished every heartbeat.
func (p *Publisher) Run(ctx context.Context) error {
	var beat <-chan time.Time
	if p.heartbeat > 0 {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			release, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return p.client.Publish(release, p.channel, Release).Err()
		case bpm := <-p.pending:
			if bpm != p.last {
				p.publish(ctx, bpm)
			}
		case <-beat:
			if p.last > 0 {
				p.publish(ctx, p.last)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, bpm float64) {
	if err := p.client.Publish(ctx, p.channel, FormatBpm(bpm)).Err(); err != nil {
		p.log.Warn("publish failed", zap.Float64("bpm", bpm), zap.Error(err))
		return
	}
	p.last = bpm
}

// Take returns the pending tempo, if any, without publishing it.
func (p *Publisher) Take() (float64, bool) {
	select {
	case bpm := <-p.pending:
		return bpm, true
	default:
		return 0, false
	}
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"attack-feed/internal/model"
)

var (
	ErrFetchFailed = errors.New("fetch from query executor failed")
	ErrNoExecutor  = errors.New("no query executor configured")
)

// QueryExecutor runs queries against the event index.
type QueryExecutor interface {
	// Search returns up to size records with timestamps in [since, until], oldest first.
	Search(ctx context.Context, index string, since, until time.Time, size int) ([]model.RawRecord, error)
	Aggregate(ctx context.Context, index string, since, until time.Time, spec model.AggSpec) (*model.TodayStats, error)
}

// Broadcaster pushes messages to feed consumers. Implemented by hub.Hub.
type Broadcaster interface {
	Broadcast(v interface{}) (int, error)
	BroadcastEvent(name string, payload interface{}) (int, error)
}

// Archiver receives delivered batches off the poll path. Enqueue must not block.
type Archiver interface {
	Enqueue(events []model.AttackEvent) bool
	EnqueueStats(stats model.TodayStats) bool
}

// Mode is the engine's data source state.
type Mode int32

const (
	ModeNormal Mode = iota
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Index        string
	PageSize     int
	PollInterval time.Duration
	// Lookback sets the initial watermark to now minus Lookback.
	Lookback  time.Duration
	SeenLimit int
	Agg       model.AggSpec
	// RecoveryInterval > 0 lets a degraded engine retry the real source once that long
	// has passed since it degraded. Zero keeps degradation permanent.
	RecoveryInterval time.Duration
	StartDegraded    bool
	Now              func() time.Time
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Lookback <= 0 {
		o.Lookback = 60 * time.Second
	}
	if o.SeenLimit <= 0 {
		o.SeenLimit = DefaultSeenLimit
	}
	if o.Agg.Field == "" {
		o.Agg = model.ByCountry()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Snapshot is a read-only copy of the engine state after an iteration.
type Snapshot struct {
	Mode          Mode              `json:"mode"`
	Watermark     time.Time         `json:"watermark"`
	SeenCount     int               `json:"seen_count"`
	SeenResets    int               `json:"seen_resets"`
	Iterations    uint64            `json:"iterations"`
	LastFetched   int               `json:"last_fetched"`
	Delivered     uint64            `json:"delivered"`
	Dropped       uint64            `json:"dropped"`
	Duplicates    uint64            `json:"duplicates"`
	Synthetic     uint64            `json:"synthetic"`
	DegradedSince *time.Time        `json:"degraded_since,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	TodayStats    *model.TodayStats `json:"today_stats,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// engineState is touched only by the goroutine running Step.
type engineState struct {
	mode          Mode
	cursor        *Cursor
	degradedSince time.Time
	iterations    uint64
	lastFetched   int
	delivered     uint64
	dropped       uint64
	duplicates    uint64
	synthetic     uint64
	lastErr       error
	todayStats    *model.TodayStats
}

// Engine polls the index, turns new records into events and broadcasts them. Exactly
// one iteration runs at a time; Step must not be called concurrently.
type Engine struct {
	exec       QueryExecutor
	out        Broadcaster
	normalizer *Normalizer
	synthetic  *SyntheticGenerator
	archive    Archiver
	opts       Options
	logger     *zap.Logger

	state engineState
	snap  atomic.Pointer[Snapshot]
}

type Option func(*Engine)

func WithNormalizer(n *Normalizer) Option {
	return func(e *Engine) { e.normalizer = n }
}

func WithSynthetic(g *SyntheticGenerator) Option {
	return func(e *Engine) { e.synthetic = g }
}

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archive = a }
}

// NewEngine builds an engine. A nil exec starts it in degraded mode.
func NewEngine(exec QueryExecutor, out Broadcaster, opts Options, logger *zap.Logger, options ...Option) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		exec:   exec,
		out:    out,
		opts:   opts,
		logger: logger,
	}
	for _, o := range options {
		o(e)
	}
	if e.normalizer == nil {
		e.normalizer = NewNormalizer(nil)
	}
	if e.synthetic == nil {
		e.synthetic = NewSyntheticGenerator(nil, opts.Now)
	}

	now := opts.Now()
	e.state = engineState{
		mode:   ModeNormal,
		cursor: NewCursor(now.Add(-opts.Lookback), opts.SeenLimit),
	}
	if opts.StartDegraded || exec == nil {
		e.state.mode = ModeDegraded
		e.state.degradedSince = now
		if exec == nil {
			e.state.lastErr = ErrNoExecutor
		}
	}
	e.publish(now)
	return e
}

// Run executes iterations until ctx is done. The next iteration is scheduled only
// after the previous one has finished, so a slow fetch delays rather than overlaps.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Poll engine started",
		zap.Stringer("mode", e.state.mode),
		zap.Duration("interval", e.opts.PollInterval),
		zap.String("index", e.opts.Index),
		zap.Time("watermark", e.state.cursor.Watermark()),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Poll engine stopped", zap.Uint64("iterations", e.state.iterations))
			return
		case <-timer.C:
		}

		e.safeStep(ctx)
		timer.Reset(e.opts.PollInterval)
	}
}

func (e *Engine) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("poll iteration panicked: %v", r)
			e.logger.Error("Poll iteration panicked", zap.Any("panic", r))
			if e.state.mode == ModeNormal {
				e.degrade(err)
			}
			e.publish(e.opts.Now())
		}
	}()
	_ = e.Step(ctx)
}

// Step runs one iteration. The returned error is informational: a fetch failure has
// already switched the engine to degraded mode. A fetch cut short by ctx returns
// ctx.Err() and leaves the mode unchanged.
func (e *Engine) Step(ctx context.Context) error {
	var err error

	switch e.state.mode {
	case ModeNormal:
		if err = e.stepNormal(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.degrade(err)
		}
	case ModeDegraded:
		if e.shouldProbe() {
			if err = e.stepNormal(ctx); err == nil {
				e.recoverSource()
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.state.degradedSince = e.opts.Now()
			e.state.lastErr = err
			e.logger.Warn("Upstream still unavailable", zap.Error(err))
		}
		e.stepDegraded()
	}

	e.state.iterations++
	e.publish(e.opts.Now())
	return err
}

func (e *Engine) stepNormal(ctx context.Context) error {
	if e.exec == nil {
		return ErrNoExecutor
	}
	now := e.opts.Now()
	cursor := e.state.cursor

	records, err := e.exec.Search(ctx, e.opts.Index, cursor.Watermark(), now, e.opts.PageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	e.state.lastFetched = len(records)

	events, dropped := e.normalizer.NormalizeBatch(records)
	fresh := cursor.FilterNew(events)
	cursor.AdvanceWatermark(records)

	e.state.dropped += uint64(dropped)
	e.state.duplicates += uint64(len(events) - len(fresh))

	if len(fresh) > 0 {
		n, err := e.out.Broadcast(fresh)
		if err != nil {
			e.logger.Error("Failed to broadcast attacks", zap.Error(err))
		} else {
			e.logger.Info("Broadcasted attacks",
				zap.Int("count", len(fresh)),
				zap.Int("consumers", n),
			)
		}
		e.state.delivered += uint64(len(fresh))
		if e.archive != nil && !e.archive.Enqueue(fresh) {
			e.logger.Warn("Archive queue full, batch not archived", zap.Int("count", len(fresh)))
		}
	}

	e.logger.Debug("Poll iteration",
		zap.Int("fetched", len(records)),
		zap.Int("dropped_no_geo", dropped),
		zap.Int("new", len(fresh)),
		zap.Int("seen", cursor.SeenCount()),
		zap.Time("watermark", cursor.Watermark()),
	)

	e.refreshTodayStats(ctx, now)
	return nil
}

// refreshTodayStats is independent of the cursor; its failures are only logged.
func (e *Engine) refreshTodayStats(ctx context.Context, now time.Time) {
	day := model.Today(now)
	stats, err := e.exec.Aggregate(ctx, e.opts.Index, day.Since, day.Until, e.opts.Agg)
	if err != nil {
		e.logger.Warn("Failed to fetch today stats", zap.Error(err))
		return
	}
	if stats == nil {
		return
	}
	if stats.Countries == nil {
		stats.Countries = []model.CountryCount{}
	}
	e.state.todayStats = stats

	if _, err := e.out.BroadcastEvent(model.EventStatsToday, stats); err != nil {
		e.logger.Warn("Failed to broadcast today stats", zap.Error(err))
	}
	if e.archive != nil {
		e.archive.EnqueueStats(*stats)
	}
}

func (e *Engine) stepDegraded() {
	events := e.synthetic.GenerateBatch()
	if len(events) == 0 {
		return
	}
	n, err := e.out.Broadcast(events)
	if err != nil {
		e.logger.Error("Failed to broadcast synthetic attacks", zap.Error(err))
		return
	}
	e.state.synthetic += uint64(len(events))
	e.logger.Debug("Broadcasted synthetic attacks",
		zap.Int("count", len(events)),
		zap.Int("consumers", n),
	)
}

func (e *Engine) degrade(err error) {
	e.state.mode = ModeDegraded
	e.state.degradedSince = e.opts.Now()
	e.state.lastErr = err
	e.logger.Error("Switching to synthetic mode due to upstream error", zap.Error(err))
	e.announceMode()
}

func (e *Engine) shouldProbe() bool {
	if e.opts.RecoveryInterval <= 0 || e.exec == nil {
		return false
	}
	return e.opts.Now().Sub(e.state.degradedSince) >= e.opts.RecoveryInterval
}

func (e *Engine) recoverSource() {
	e.logger.Info("Upstream reachable again, leaving synthetic mode",
		zap.Duration("degraded_for", e.opts.Now().Sub(e.state.degradedSince)),
	)
	e.state.mode = ModeNormal
	e.state.degradedSince = time.Time{}
	e.state.lastErr = nil
	e.announceMode()
}

// ModeChange is the payload of a feedStatus envelope, sent on every mode transition.
type ModeChange struct {
	Mode   Mode      `json:"mode"`
	Since  time.Time `json:"since"`
	Reason string    `json:"reason,omitempty"`
}

func (e *Engine) announceMode() {
	change := ModeChange{Mode: e.state.mode, Since: e.opts.Now()}
	if e.state.lastErr != nil {
		change.Reason = e.state.lastErr.Error()
	}
	if _, err := e.out.BroadcastEvent(model.EventStatus, change); err != nil {
		e.logger.Warn("Failed to announce mode change", zap.Error(err))
	}
}

func (e *Engine) publish(now time.Time) {
	s := &Snapshot{
		Mode:        e.state.mode,
		Watermark:   e.state.cursor.Watermark(),
		SeenCount:   e.state.cursor.SeenCount(),
		SeenResets:  e.state.cursor.Resets(),
		Iterations:  e.state.iterations,
		LastFetched: e.state.lastFetched,
		Delivered:   e.state.delivered,
		Dropped:     e.state.dropped,
		Duplicates:  e.state.duplicates,
		Synthetic:   e.state.synthetic,
		UpdatedAt:   now,
	}
	if e.state.mode == ModeDegraded {
		since := e.state.degradedSince
		s.DegradedSince = &since
	}
	if e.state.lastErr != nil {
		s.LastError = e.state.lastErr.Error()
	}
	if e.state.todayStats != nil {
		stats := *e.state.todayStats
		s.TodayStats = &stats
	}
	e.snap.Store(s)
}

// Snapshot returns the state published by the latest iteration. Safe for concurrent use.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

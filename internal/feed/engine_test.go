package feed

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-feed/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type searchCall struct {
	Index        string
	Since, Until time.Time
	Size         int
}

type fakeExecutor struct {
	mu       sync.Mutex
	pages    [][]model.RawRecord
	errs     []error
	searches []searchCall
	aggs     []model.TimeRange
	stats    *model.TodayStats
	aggErr   error
}

func (f *fakeExecutor) Search(_ context.Context, index string, since, until time.Time, size int) ([]model.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.searches)
	f.searches = append(f.searches, searchCall{index, since, until, size})
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return nil, nil
}

func (f *fakeExecutor) Aggregate(_ context.Context, _ string, since, until time.Time, _ model.AggSpec) (*model.TodayStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggs = append(f.aggs, model.TimeRange{Since: since, Until: until})
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	if f.stats == nil {
		return &model.TodayStats{}, nil
	}
	s := *f.stats
	return &s, nil
}

func (f *fakeExecutor) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	batches [][]model.AttackEvent
	events  []model.Envelope
}

func (b *fakeBroadcaster) Broadcast(v interface{}) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := v.([]model.AttackEvent)
	if !ok {
		return 0, errors.New("unexpected payload type")
	}
	b.batches = append(b.batches, batch)
	return 1, nil
}

func (b *fakeBroadcaster) BroadcastEvent(name string, payload interface{}) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, model.Envelope{Type: name, Payload: payload})
	return 1, nil
}

func (b *fakeBroadcaster) delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, batch := range b.batches {
		for _, ev := range batch {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

func (b *fakeBroadcaster) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

type fakeArchiver struct {
	batches [][]model.AttackEvent
	stats   []model.TodayStats
}

func (a *fakeArchiver) Enqueue(events []model.AttackEvent) bool {
	a.batches = append(a.batches, events)
	return true
}

func (a *fakeArchiver) EnqueueStats(stats model.TodayStats) bool {
	a.stats = append(a.stats, stats)
	return true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func record(id string, ts time.Time, withGeo bool) model.RawRecord {
	rec := model.RawRecord{
		ID: id,
		Source: model.RecordSource{
			Timestamp:   ts.Format(time.RFC3339Nano),
			Source:      model.Endpoint{IP: "1.1.1.1"},
			Destination: model.Endpoint{IP: "2.2.2.2"},
			Event:       model.EventInfo{Type: "malware"},
		},
	}
	if withGeo {
		rec.Source.Source.Geo.Location = map[string]interface{}{"lat": 10.0, "lon": 20.0}
		rec.Source.Destination.Geo.Location = "30,40"
	}
	return rec
}

func newTestEngine(exec QueryExecutor, out Broadcaster, clock *fakeClock, mutate func(*Options), options ...Option) *Engine {
	opts := Options{
		Index:        "alerts",
		PageSize:     200,
		PollInterval: time.Millisecond,
		Now:          clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	options = append(options, WithSynthetic(NewSyntheticGenerator(rand.New(rand.NewPCG(1, 2)), clock.Now)))
	return NewEngine(exec, out, opts, nil, options...)
}

func TestEngineInitialWatermark(t *testing.T) {
	clock := &fakeClock{now: t0}
	e := newTestEngine(&fakeExecutor{}, &fakeBroadcaster{}, clock, nil)

	snap := e.Snapshot()
	assert.Equal(t, ModeNormal, snap.Mode)
	assert.Equal(t, t0.Add(-60*time.Second), snap.Watermark)
}

func TestEngineDeduplicatesAcrossPages(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{pages: [][]model.RawRecord{
		{record("a", t0.Add(-30*time.Second), true), record("b", t0.Add(-20*time.Second), true)},
		{record("b", t0.Add(-20*time.Second), true), record("c", t0.Add(-5*time.Second), true)},
	}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)

	require.NoError(t, e.Step(context.Background()))
	clock.Advance(5 * time.Second)
	require.NoError(t, e.Step(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, out.delivered())
	assert.Equal(t, 2, out.batchCount())

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(3), snap.Delivered)
	assert.Equal(t, t0.Add(-5*time.Second), snap.Watermark)

	// Second query starts at the last record of the first page.
	require.Len(t, exec.searches, 2)
	assert.Equal(t, t0.Add(-60*time.Second), exec.searches[0].Since)
	assert.Equal(t, t0.Add(-20*time.Second), exec.searches[1].Since)
	assert.Equal(t, t0.Add(5*time.Second), exec.searches[1].Until)
	assert.Equal(t, "alerts", exec.searches[1].Index)
	assert.Equal(t, 200, exec.searches[1].Size)
}

func TestEngineEmptyBatch(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{pages: [][]model.RawRecord{{}}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)
	before := e.Snapshot()

	require.NoError(t, e.Step(context.Background()))

	after := e.Snapshot()
	assert.Equal(t, before.Watermark, after.Watermark)
	assert.Equal(t, before.SeenCount, after.SeenCount)
	assert.Zero(t, out.batchCount())
	assert.Equal(t, ModeNormal, after.Mode)
}

func TestEngineDropsEventsWithoutGeo(t *testing.T) {
	clock := &fakeClock{now: t0}
	noDst := record("no-dst", t0.Add(-10*time.Second), true)
	noDst.Source.Destination.Geo.Location = nil
	exec := &fakeExecutor{pages: [][]model.RawRecord{{
		record("geo", t0.Add(-40*time.Second), true),
		record("none", t0.Add(-30*time.Second), false),
		noDst,
	}}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)

	require.NoError(t, e.Step(context.Background()))

	assert.Equal(t, []string{"geo"}, out.delivered())
	for _, batch := range out.batches {
		for _, ev := range batch {
			assert.NotNil(t, ev.SrcGeo)
			assert.NotNil(t, ev.DstGeo)
		}
	}
	snap := e.Snapshot()
	assert.Equal(t, uint64(2), snap.Dropped)
	// Watermark follows the raw batch, including records that were not delivered.
	assert.Equal(t, t0.Add(-10*time.Second), snap.Watermark)
	assert.Equal(t, 1, snap.SeenCount)
}

func TestEngineWatermarkMonotonic(t *testing.T) {
	clock := &fakeClock{now: t0}
	var pages [][]model.RawRecord
	for i := 0; i < 5; i++ {
		base := t0.Add(time.Duration(i) * 10 * time.Second)
		pages = append(pages, []model.RawRecord{
			record("x", base.Add(time.Second), i%2 == 0),
			record(string(rune('a'+i)), base.Add(2*time.Second), true),
		})
	}
	exec := &fakeExecutor{pages: pages}
	e := newTestEngine(exec, &fakeBroadcaster{}, clock, nil)

	prev := e.Snapshot().Watermark
	for i := range pages {
		clock.Advance(10 * time.Second)
		require.NoError(t, e.Step(context.Background()))
		wm := e.Snapshot().Watermark
		assert.False(t, wm.Before(prev))
		last, _ := pages[i][len(pages[i])-1].Time()
		assert.True(t, last.Equal(wm))
		prev = wm
	}
}

func TestEngineZonelessTimestampsAdvanceWatermark(t *testing.T) {
	clock := &fakeClock{now: t0}
	first := record("a", t0, true)
	first.Source.Timestamp = "2024-05-01T11:59:30"
	last := record("b", t0, true)
	last.Source.Timestamp = "2024-05-01T11:59:40.000"
	exec := &fakeExecutor{pages: [][]model.RawRecord{{first, last}}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)

	require.NoError(t, e.Step(context.Background()))
	clock.Advance(5 * time.Second)
	require.NoError(t, e.Step(context.Background()))

	want := time.Date(2024, 5, 1, 11, 59, 40, 0, time.UTC)
	assert.Equal(t, []string{"a", "b"}, out.delivered())
	assert.True(t, want.Equal(e.Snapshot().Watermark))
	require.Len(t, exec.searches, 2)
	assert.True(t, want.Equal(exec.searches[1].Since), "next query starts at the last record")
}

func TestEngineCancelledFetchDoesNotDegrade(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{errs: []error{context.Canceled}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Step(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, ModeNormal, e.Snapshot().Mode)
	assert.Empty(t, out.events, "no feedStatus is announced")
	assert.Zero(t, out.batchCount())
}

func TestEngineCancelledProbeKeepsDegradedState(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{errs: []error{errors.New("down"), context.Canceled}}
	e := newTestEngine(exec, &fakeBroadcaster{}, clock, func(o *Options) { o.RecoveryInterval = time.Second })

	require.Error(t, e.Step(context.Background()))
	since := e.Snapshot().DegradedSince
	require.NotNil(t, since)

	clock.Advance(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Step(ctx), context.Canceled)

	snap := e.Snapshot()
	assert.Equal(t, ModeDegraded, snap.Mode)
	assert.Contains(t, snap.LastError, "down")
}

func TestEngineBroadcastsTodayStats(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 15, 4, 5, 0, time.UTC)}
	exec := &fakeExecutor{stats: &model.TodayStats{Total: 7, Countries: []model.CountryCount{{Country: "US", Count: 7}}}}
	out := &fakeBroadcaster{}
	archive := &fakeArchiver{}
	e := newTestEngine(exec, out, clock, nil, WithArchiver(archive))

	require.NoError(t, e.Step(context.Background()))

	require.Len(t, out.events, 1)
	assert.Equal(t, model.EventStatsToday, out.events[0].Type)
	assert.Equal(t, int64(7), out.events[0].Payload.(*model.TodayStats).Total)

	require.Len(t, exec.aggs, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), exec.aggs[0].Since)
	assert.Equal(t, time.Date(2024, 5, 1, 23, 59, 59, 999_000_000, time.UTC), exec.aggs[0].Until)

	require.Len(t, archive.stats, 1)
	assert.Equal(t, int64(7), e.Snapshot().TodayStats.Total)
}

func TestEngineStatsFailureDoesNotDegrade(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{
		pages:  [][]model.RawRecord{{record("a", t0, true)}},
		aggErr: errors.New("aggregation timeout"),
	}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, nil)

	require.NoError(t, e.Step(context.Background()))
	assert.Equal(t, ModeNormal, e.Snapshot().Mode)
	assert.Equal(t, []string{"a"}, out.delivered())
	assert.Empty(t, out.events)
}

func TestEngineDegradesOnFetchFailure(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{errs: []error{errors.New("connection refused")}}
	out := &fakeBroadcaster{}
	archive := &fakeArchiver{}
	e := newTestEngine(exec, out, clock, nil, WithArchiver(archive))

	err := e.Step(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, ModeDegraded, e.Snapshot().Mode)
	assert.Zero(t, out.batchCount(), "the failing iteration broadcasts nothing")
	assert.Contains(t, e.Snapshot().LastError, "connection refused")
	require.Len(t, out.events, 1)
	assert.Equal(t, model.EventStatus, out.events[0].Type)
	assert.Equal(t, ModeDegraded, out.events[0].Payload.(ModeChange).Mode)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Hour)
		require.NoError(t, e.Step(context.Background()))
	}

	assert.Equal(t, 1, exec.searchCount(), "executor is never called again")
	assert.Empty(t, exec.aggs)
	assert.Equal(t, 10, out.batchCount())
	for _, batch := range out.batches {
		assert.GreaterOrEqual(t, len(batch), 1)
		assert.LessOrEqual(t, len(batch), 3)
		for _, ev := range batch {
			assert.True(t, ev.Deliverable())
		}
	}
	assert.Empty(t, archive.batches, "synthetic events are not archived")

	snap := e.Snapshot()
	assert.Equal(t, ModeDegraded, snap.Mode)
	assert.Equal(t, uint64(11), snap.Iterations)
	assert.Zero(t, snap.SeenCount)
}

func TestEngineStartDegraded(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, func(o *Options) { o.StartDegraded = true })

	require.NoError(t, e.Step(context.Background()))
	assert.Zero(t, exec.searchCount())
	assert.Equal(t, 1, out.batchCount())
}

func TestEngineWithoutExecutor(t *testing.T) {
	clock := &fakeClock{now: t0}
	out := &fakeBroadcaster{}
	e := newTestEngine(nil, out, clock, func(o *Options) { o.RecoveryInterval = time.Second })

	assert.Equal(t, ModeDegraded, e.Snapshot().Mode)
	clock.Advance(time.Minute)
	require.NoError(t, e.Step(context.Background()))
	assert.Equal(t, 1, out.batchCount())
}

func TestEngineRecoveryProbe(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{
		errs:  []error{errors.New("down"), errors.New("still down"), nil},
		pages: [][]model.RawRecord{nil, nil, {record("back", t0.Add(time.Minute), true)}},
	}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, func(o *Options) { o.RecoveryInterval = 30 * time.Second })

	require.Error(t, e.Step(context.Background()))
	assert.Equal(t, ModeDegraded, e.Snapshot().Mode)

	// Before the interval: synthetic only.
	clock.Advance(10 * time.Second)
	require.NoError(t, e.Step(context.Background()))
	assert.Equal(t, 1, exec.searchCount())

	// Probe fails: stays degraded and still emits synthetic data.
	clock.Advance(30 * time.Second)
	require.Error(t, e.Step(context.Background()))
	assert.Equal(t, 2, exec.searchCount())
	assert.Equal(t, ModeDegraded, e.Snapshot().Mode)
	assert.Equal(t, 2, out.batchCount())

	// Probe succeeds: back to normal with the real event.
	clock.Advance(30 * time.Second)
	require.NoError(t, e.Step(context.Background()))
	assert.Equal(t, ModeNormal, e.Snapshot().Mode)
	assert.Nil(t, e.Snapshot().DegradedSince)
	assert.Contains(t, out.delivered(), "back")
	var modes []Mode
	for _, ev := range out.events {
		if change, ok := ev.Payload.(ModeChange); ok {
			modes = append(modes, change.Mode)
		}
	}
	assert.Equal(t, []Mode{ModeDegraded, ModeNormal}, modes)
}

func TestEngineSeenReset(t *testing.T) {
	clock := &fakeClock{now: t0}
	page := []model.RawRecord{
		record("a", t0, true), record("b", t0, true), record("c", t0, true),
	}
	exec := &fakeExecutor{pages: [][]model.RawRecord{page, page}}
	out := &fakeBroadcaster{}
	e := newTestEngine(exec, out, clock, func(o *Options) { o.SeenLimit = 2 })

	require.NoError(t, e.Step(context.Background()))
	require.NoError(t, e.Step(context.Background()))

	// The set overflowed after the first page, so the repeat is delivered again.
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, out.delivered())
	assert.Equal(t, 2, e.Snapshot().SeenResets)
}

type panickingExecutor struct{ fakeExecutor }

func (p *panickingExecutor) Search(context.Context, string, time.Time, time.Time, int) ([]model.RawRecord, error) {
	panic("boom")
}

func TestEngineRunSchedulesAndStops(t *testing.T) {
	clock := &fakeClock{now: t0}
	exec := &fakeExecutor{}
	e := newTestEngine(exec, &fakeBroadcaster{}, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return exec.searchCount() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, e.Snapshot().Iterations, uint64(3))
}

func TestEngineRunSurvivesPanic(t *testing.T) {
	clock := &fakeClock{now: t0}
	out := &fakeBroadcaster{}
	e := newTestEngine(&panickingExecutor{}, out, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool { return out.batchCount() >= 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, ModeDegraded, e.Snapshot().Mode)
}

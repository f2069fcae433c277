package feed

import (
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticEventsAreDeliverable(t *testing.T) {
	now := func() time.Time { return t0 }
	g := NewSyntheticGenerator(rand.New(rand.NewPCG(7, 11)), now)

	evs := g.Generate(200)
	require.Len(t, evs, 200)

	seen := map[string]bool{}
	for _, ev := range evs {
		assert.True(t, strings.HasPrefix(ev.ID, "demo_"))
		assert.False(t, seen[ev.ID], "ids are unique")
		seen[ev.ID] = true

		require.True(t, ev.Deliverable())
		assert.True(t, ev.SrcGeo.Valid())
		assert.True(t, ev.DstGeo.Valid())
		assert.True(t, slices.Contains(SyntheticTypes, ev.Type))
		assert.True(t, strings.HasPrefix(ev.SrcIP, "192.168."))
		assert.True(t, strings.HasPrefix(ev.DstIP, "10.0."))

		ts := ev.Time()
		assert.False(t, ts.After(t0))
		assert.True(t, ts.After(t0.Add(-61*time.Second)))
	}
}

func TestSyntheticBatchSize(t *testing.T) {
	g := NewSyntheticGenerator(rand.New(rand.NewPCG(3, 4)), nil)
	sizes := map[int]bool{}
	for i := 0; i < 300; i++ {
		n := len(g.GenerateBatch())
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 3)
		sizes[n] = true
	}
	assert.Len(t, sizes, 3)
}

func TestSyntheticJitterStaysInRange(t *testing.T) {
	g := NewSyntheticGenerator(rand.New(rand.NewPCG(1, 1)), nil)
	for _, loc := range referenceLocations {
		for i := 0; i < 50; i++ {
			p := g.jitter(loc)
			assert.True(t, p.Valid())
			assert.InDelta(t, loc.Lat, p.Lat, syntheticJitter/2)
			assert.InDelta(t, loc.Lon, p.Lon, syntheticJitter/2)
		}
	}
}

func TestGenerateZero(t *testing.T) {
	assert.Empty(t, NewSyntheticGenerator(nil, nil).Generate(0))
}

package feed

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"attack-feed/internal/model"
)

type referenceLocation struct {
	Name string
	Lat  float64
	Lon  float64
}

var referenceLocations = []referenceLocation{
	{"United States", 39.8283, -98.5795},
	{"China", 35.8617, 104.1954},
	{"Russia", 61.5240, 105.3188},
	{"Germany", 51.1657, 10.4515},
	{"United Kingdom", 55.3781, -3.4360},
	{"Japan", 36.2048, 138.2529},
	{"India", 20.5937, 78.9629},
	{"Brazil", -14.2350, -51.9253},
	{"Australia", -25.2744, 133.7751},
	{"Canada", 56.1304, -106.3468},
	{"France", 46.2276, 2.2137},
	{"South Korea", 35.9078, 127.7669},
	{"Italy", 41.8719, 12.5674},
	{"Spain", 40.4637, -3.7492},
	{"Netherlands", 52.1326, 5.2913},
}

// SyntheticTypes are the categories synthetic events are drawn from.
var SyntheticTypes = []string{"malware", "phishing", "ddos", "brute_force", "sql_injection", "xss"}

const (
	syntheticJitter = 10.0 // full width in degrees, centred on the reference point
	syntheticWindow = 60 * time.Second
	syntheticPrefix = "demo_"
)

// SyntheticGenerator fabricates plausible events while the real source is unavailable.
type SyntheticGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSyntheticGenerator uses rng for every random choice; nil seeds from the runtime.
func NewSyntheticGenerator(rng *rand.Rand, now func() time.Time) *SyntheticGenerator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if now == nil {
		now = time.Now
	}
	return &SyntheticGenerator{rng: rng, now: now}
}

// Generate returns count events with both geos set.
func (g *SyntheticGenerator) Generate(count int) []model.AttackEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	events := make([]model.AttackEvent, 0, max(count, 0))
	for i := 0; i < count; i++ {
		src := referenceLocations[g.rng.IntN(len(referenceLocations))]
		dst := referenceLocations[g.rng.IntN(len(referenceLocations))]
		age := time.Duration(g.rng.Int64N(int64(syntheticWindow)))

		events = append(events, model.AttackEvent{
			ID:        syntheticPrefix + uuid.NewString(),
			Timestamp: now.Add(-age).UTC().Format(model.TimestampLayout),
			SrcIP:     fmt.Sprintf("192.168.%d.%d", g.rng.IntN(255), g.rng.IntN(255)),
			DstIP:     fmt.Sprintf("10.0.%d.%d", g.rng.IntN(255), g.rng.IntN(255)),
			SrcGeo:    g.jitter(src),
			DstGeo:    g.jitter(dst),
			Type:      SyntheticTypes[g.rng.IntN(len(SyntheticTypes))],
		})
	}
	return events
}

// GenerateBatch returns one to three events.
func (g *SyntheticGenerator) GenerateBatch() []model.AttackEvent {
	g.mu.Lock()
	n := 1 + g.rng.IntN(3)
	g.mu.Unlock()
	return g.Generate(n)
}

func (g *SyntheticGenerator) jitter(loc referenceLocation) *model.GeoPoint {
	lat := loc.Lat + (g.rng.Float64()-0.5)*syntheticJitter
	lon := loc.Lon + (g.rng.Float64()-0.5)*syntheticJitter
	return &model.GeoPoint{
		Lat: math.Max(-90, math.Min(90, lat)),
		Lon: math.Max(-180, math.Min(180, lon)),
	}
}

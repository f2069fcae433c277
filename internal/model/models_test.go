package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawRecordDecode(t *testing.T) {
	body := `{
		"_id": "abc",
		"_index": "alerts-2024",
		"_source": {
			"@timestamp": "2024-05-01T10:00:00.123Z",
			"source": {"ip": "1.2.3.4", "geo": {"location": {"lat": 10, "lon": 20}, "country_name": "X"}},
			"destination": {"ip": "5.6.7.8", "geo": {"location": [30, 40]}},
			"event": {"type": ["", "denied", "connection"]}
		}
	}`

	var rec RawRecord
	require.NoError(t, json.Unmarshal([]byte(body), &rec))

	assert.Equal(t, "abc", rec.ID)
	assert.Equal(t, "1.2.3.4", rec.Source.Source.IP)
	assert.Equal(t, "X", rec.Source.Source.Geo.CountryName)
	assert.Equal(t, "denied", rec.Category())
	assert.Equal(t, "2024-05-01T10:00:00.123Z", rec.TimestampString())

	ts, ok := rec.Time()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123_000_000, time.UTC), ts.UTC())
}

func TestRawRecordEpochMillis(t *testing.T) {
	rec := RawRecord{Source: RecordSource{Timestamp: float64(1714557600000)}}

	ts, ok := rec.Time()
	require.True(t, ok)
	assert.Equal(t, int64(1714557600000), ts.UnixMilli())
	assert.Equal(t, "2024-05-01T10:00:00.000Z", rec.TimestampString())
}

func TestRawRecordZonelessTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-01T11:59:30", time.Date(2024, 5, 1, 11, 59, 30, 0, time.UTC)},
		{"2024-05-01T11:59:40.000", time.Date(2024, 5, 1, 11, 59, 40, 0, time.UTC)},
		{"2024-05-01T11:59:40.123456", time.Date(2024, 5, 1, 11, 59, 40, 123456000, time.UTC)},
		{"2024-05-01 11:59:40", time.Date(2024, 5, 1, 11, 59, 40, 0, time.UTC)},
		{"2024-05-01T11:59", time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-05-01T11:59:40+02:00", time.Date(2024, 5, 1, 9, 59, 40, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ts, ok := RawRecord{Source: RecordSource{Timestamp: tt.in}}.Time()
			require.True(t, ok)
			assert.True(t, tt.want.Equal(ts), "got %s", ts)
		})
	}
}

func TestRawRecordMissingTimestamp(t *testing.T) {
	_, ok := RawRecord{}.Time()
	assert.False(t, ok)

	_, ok = RawRecord{Source: RecordSource{Timestamp: "yesterday"}}.Time()
	assert.False(t, ok)
	assert.Equal(t, "", RawRecord{}.TimestampString())
}

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"string", "malware", "malware"},
		{"trimmed", "  ddos ", "ddos"},
		{"ecs array", []interface{}{"connection", "denied"}, "connection"},
		{"string slice", []string{"", "xss"}, "xss"},
		{"missing", nil, ""},
		{"number", 12.0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := RawRecord{Source: RecordSource{Event: EventInfo{Type: tc.in}}}
			assert.Equal(t, tc.want, rec.Category())
		})
	}
}

func TestAttackEventJSONShape(t *testing.T) {
	ev := AttackEvent{ID: "1", Timestamp: "t", SrcIP: "a", DstIP: "b", Type: "x"}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","timestamp":"t","src_ip":"a","dst_ip":"b","src_geo":null,"dst_geo":null,"type":"x"}`, string(b))
	assert.False(t, ev.Deliverable())

	ev.SrcGeo = &GeoPoint{Lat: 1, Lon: 2}
	assert.False(t, ev.Deliverable())
	ev.DstGeo = &GeoPoint{Lat: 3, Lon: 4}
	assert.True(t, ev.Deliverable())
}

func TestEnvelopeJSON(t *testing.T) {
	b, err := json.Marshal(Envelope{
		Type:    EventStatsToday,
		Payload: TodayStats{Total: 3, Countries: []CountryCount{{Country: "US", Count: 3}}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"statsToday","payload":{"total":3,"countries":[{"country":"US","count":3}]}}`, string(b))
}

func TestToday(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, 3, 9, 15, 30, 0, 0, loc)

	r := Today(now)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, loc), r.Since)
	assert.Equal(t, time.Date(2024, 3, 9, 23, 59, 59, 999_000_000, loc), r.Until)
}

func TestAnalyze(t *testing.T) {
	a := Analyze(150, 100, 1, true, false)
	assert.Equal(t, ThreatHigh, a.ThreatLevel)
	assert.True(t, a.IsPartial)
	assert.Contains(t, a.Interpretation, "showing 100 of 150")

	a = Analyze(0, 0, 0, false, true)
	assert.Equal(t, ThreatNone, a.ThreatLevel)
	assert.False(t, a.HasResults)
	assert.Contains(t, a.Interpretation, "timed out")
	assert.Contains(t, a.Interpretation, "shards failed")

	assert.Equal(t, ThreatLow, ThreatLevelFor(10))
	assert.Equal(t, ThreatMedium, ThreatLevelFor(11))
	assert.Equal(t, ThreatMedium, ThreatLevelFor(100))
}

func TestGeoPointValid(t *testing.T) {
	assert.True(t, GeoPoint{Lat: 90, Lon: -180}.Valid())
	assert.False(t, GeoPoint{Lat: 91, Lon: 0}.Valid())
	assert.False(t, GeoPoint{Lat: 0, Lon: 181}.Valid())
}

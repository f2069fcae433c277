package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout matches the millisecond ISO-8601 form the map clients parse.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultAttackType labels events whose upstream record carries no category.
const DefaultAttackType = "attack"

// -------------------- GEO MODEL --------------------

// GeoPoint is a WGS 84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies inside the latitude and longitude ranges.
func (p GeoPoint) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 &&
		p.Lon >= -180 && p.Lon <= 180
}

// -------------------- ATTACK EVENT MODEL --------------------

// AttackEvent is the canonical event pushed to feed consumers.
type AttackEvent struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcGeo    *GeoPoint `json:"src_geo"`
	DstGeo    *GeoPoint `json:"dst_geo"`
	Type      string    `json:"type"`
}

// Deliverable reports whether the event can be drawn on a map.
func (e AttackEvent) Deliverable() bool {
	return e.SrcGeo != nil && e.DstGeo != nil
}

// Time parses Timestamp. The zero time is returned when it does not parse.
func (e AttackEvent) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// -------------------- RAW RECORD MODEL --------------------

// RawRecord is one search hit as returned by the index.
type RawRecord struct {
	ID     string       `json:"_id"`
	Index  string       `json:"_index,omitempty"`
	Source RecordSource `json:"_source"`
}

type RecordSource struct {
	Timestamp   interface{} `json:"@timestamp"`
	Source      Endpoint    `json:"source"`
	Destination Endpoint    `json:"destination"`
	Event       EventInfo   `json:"event"`
}

type Endpoint struct {
	IP  string      `json:"ip,omitempty"`
	Geo EndpointGeo `json:"geo"`
}

type EndpointGeo struct {
	Location    interface{} `json:"location,omitempty"`
	CountryName string      `json:"country_name,omitempty"`
}

// EventInfo.Type is a string in older mappings and a string array in ECS.
type EventInfo struct {
	Type interface{} `json:"type,omitempty"`
}

// TimestampString renders @timestamp as an ISO-8601 string. Epoch milliseconds are
// converted; anything else yields "".
func (r RawRecord) TimestampString() string {
	switch v := r.Source.Timestamp.(type) {
	case string:
		return v
	case float64:
		return time.UnixMilli(int64(v)).UTC().Format(TimestampLayout)
	case int64:
		return time.UnixMilli(v).UTC().Format(TimestampLayout)
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return time.UnixMilli(ms).UTC().Format(TimestampLayout)
		}
	}
	return ""
}

// Time parses @timestamp. ok is false when the field is missing or malformed.
func (r RawRecord) Time() (time.Time, bool) {
	switch v := r.Source.Timestamp.(type) {
	case string:
		return parseTimestamp(strings.TrimSpace(v))
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// zonelessLayouts are the strict_date_optional_time forms without an offset.
// Elasticsearch stores those as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(v string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, true
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// Category returns the first non-empty event type.
func (r RawRecord) Category() string {
	switch v := r.Source.Event.Type.(type) {
	case string:
		return strings.TrimSpace(v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// -------------------- ENVELOPE MODEL --------------------

// Envelope tags a payload so several message kinds can share one socket.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Message kinds sent inside an Envelope.
const (
	EventStatsToday = "statsToday"
	EventStatus     = "feedStatus"
)

// -------------------- STATS MODEL --------------------

type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// TodayStats is the per-day hit count with its per-country breakdown.
type TodayStats struct {
	Total     int64          `json:"total"`
	Countries []CountryCount `json:"countries"`
}

// AggSpec describes the terms aggregation used for TodayStats.
type AggSpec struct {
	Field   string
	Size    int
	Missing string
}

// ByCountry is the default breakdown over the ECS source country name.
func ByCountry() AggSpec {
	return AggSpec{Field: "source.geo.country_name", Size: 20, Missing: "Unknown"}
}

// TimeRange is an inclusive window.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// Today returns local midnight to 23:59:59.999 of the day containing now.
func Today(now time.Time) TimeRange {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return TimeRange{
		Since: start,
		Until: start.AddDate(0, 0, 1).Add(-time.Millisecond),
	}
}

package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"attack-feed/internal/model"
)

// MaxMindResolver looks up IP locations in a GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	reader *maxminddb.Reader
}

type cityRecord struct {
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

func OpenMaxMind(path string) (*MaxMindResolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Resolve returns nil for unparseable, private or unknown addresses.
func (r *MaxMindResolver) Resolve(ip string) *model.GeoPoint {
	if r == nil || r.reader == nil {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return nil
	}

	var rec cityRecord
	if err := r.reader.Lookup(parsed, &rec); err != nil {
		return nil
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return nil
	}
	return checked(rec.Location.Latitude, rec.Location.Longitude)
}

func (r *MaxMindResolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

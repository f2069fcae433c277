// Package geo converts the coordinate encodings found in security event indices into
// model.GeoPoint values.
package geo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	geojson "github.com/paulmach/go.geojson"

	"attack-feed/internal/model"
)

// Normalize converts raw into a point. Supported shapes:
//
//   - an object with lat and lon fields (map or model.GeoPoint)
//   - a GeoJSON Point object, coordinates in [lon, lat] order
//   - a two element pair, [lat, lon] or [lon, lat]
//   - a "a,b" string of two numbers, either order
//
// For pairs and strings the first component is taken as latitude when
// |first| <= 90 and |second| <= 180, otherwise the components are swapped.
// Anything else, including values that land outside the coordinate ranges, yields nil.
func Normalize(raw interface{}) *model.GeoPoint {
	switch v := raw.(type) {
	case nil:
		return nil
	case model.GeoPoint:
		return checked(v.Lat, v.Lon)
	case *model.GeoPoint:
		if v == nil {
			return nil
		}
		return checked(v.Lat, v.Lon)
	case map[string]interface{}:
		return fromObject(v)
	case map[string]float64:
		lat, okLat := v["lat"]
		lon, okLon := v["lon"]
		if !okLat || !okLon {
			return nil
		}
		return checked(lat, lon)
	case []interface{}:
		if len(v) != 2 {
			return nil
		}
		return fromPair(v[0], v[1])
	case []float64:
		if len(v) != 2 {
			return nil
		}
		return oriented(v[0], v[1])
	case [2]float64:
		return oriented(v[0], v[1])
	case []string:
		if len(v) != 2 {
			return nil
		}
		return fromPair(v[0], v[1])
	case string:
		return fromString(v)
	}
	return nil
}

func fromObject(obj map[string]interface{}) *model.GeoPoint {
	rawLat, okLat := obj["lat"]
	rawLon, okLon := obj["lon"]
	if okLat && okLon {
		lat, ok1 := toFloat(rawLat)
		lon, ok2 := toFloat(rawLon)
		if !ok1 || !ok2 {
			return nil
		}
		return checked(lat, lon)
	}

	if t, _ := obj["type"].(string); strings.EqualFold(t, "point") {
		return fromGeoJSON(obj)
	}
	return nil
}

func fromGeoJSON(obj map[string]interface{}) *model.GeoPoint {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	g, err := geojson.UnmarshalGeometry(b)
	if err != nil || !g.IsPoint() || len(g.Point) < 2 {
		return nil
	}
	return checked(g.Point[1], g.Point[0])
}

func fromPair(a, b interface{}) *model.GeoPoint {
	first, ok1 := toFloat(a)
	second, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return nil
	}
	return oriented(first, second)
}

func fromString(s string) *model.GeoPoint {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil
	}
	return fromPair(parts[0], parts[1])
}

func oriented(first, second float64) *model.GeoPoint {
	if math.Abs(first) <= 90 && math.Abs(second) <= 180 {
		return checked(first, second)
	}
	return checked(second, first)
}

func checked(lat, lon float64) *model.GeoPoint {
	p := model.GeoPoint{Lat: lat, Lon: lon}
	if !p.Valid() {
		return nil
	}
	return &p
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

package feed

import (
	"attack-feed/internal/geo"
	"attack-feed/internal/model"
)

// GeoResolver supplies a location for an IP when the record carries none.
type GeoResolver interface {
	Resolve(ip string) *model.GeoPoint
}

// Normalizer maps raw index records onto AttackEvent.
type Normalizer struct {
	resolver GeoResolver
}

// NewNormalizer returns a normalizer. resolver may be nil.
func NewNormalizer(resolver GeoResolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// Normalize never fails: missing fields come back as "" or nil and a missing category
// becomes model.DefaultAttackType.
func (n *Normalizer) Normalize(rec model.RawRecord) model.AttackEvent {
	src := rec.Source.Source
	dst := rec.Source.Destination

	ev := model.AttackEvent{
		ID:        rec.ID,
		Timestamp: rec.TimestampString(),
		SrcIP:     src.IP,
		DstIP:     dst.IP,
		SrcGeo:    n.locate(src),
		DstGeo:    n.locate(dst),
		Type:      rec.Category(),
	}
	if ev.Type == "" {
		ev.Type = model.DefaultAttackType
	}
	return ev
}

func (n *Normalizer) locate(ep model.Endpoint) *model.GeoPoint {
	if p := geo.Normalize(ep.Geo.Location); p != nil {
		return p
	}
	if n == nil || n.resolver == nil || ep.IP == "" {
		return nil
	}
	return n.resolver.Resolve(ep.IP)
}

// NormalizeBatch normalizes records and keeps only the events that can be drawn.
// dropped counts records without complete geography.
func (n *Normalizer) NormalizeBatch(records []model.RawRecord) (events []model.AttackEvent, dropped int) {
	events = make([]model.AttackEvent, 0, len(records))
	for _, rec := range records {
		ev := n.Normalize(rec)
		if !ev.Deliverable() {
			dropped++
			continue
		}
		events = append(events, ev)
	}
	return events, dropped
}

package model

import "fmt"

// ThreatLevel grades a hit count.
type ThreatLevel string

const (
	ThreatNone   ThreatLevel = "none"
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// ThreatLevelFor maps total hits onto a level: 0, up to 10, up to 100, more.
func ThreatLevelFor(total int64) ThreatLevel {
	switch {
	case total <= 0:
		return ThreatNone
	case total <= 10:
		return ThreatLow
	case total <= 100:
		return ThreatMedium
	default:
		return ThreatHigh
	}
}

// HitsAnalysis describes how complete a search response was.
type HitsAnalysis struct {
	TotalHits      int64       `json:"total_hits"`
	ReturnedHits   int         `json:"returned_hits"`
	MaxScore       float64     `json:"max_score"`
	HasResults     bool        `json:"has_results"`
	IsPartial      bool        `json:"is_partial"`
	Success        bool        `json:"success"`
	TimedOut       bool        `json:"timed_out"`
	ThreatLevel    ThreatLevel `json:"threat_level"`
	Interpretation string      `json:"interpretation"`
}

// Analyze fills in the derived fields from the raw counters.
func Analyze(total int64, returned int, maxScore float64, shardsOK, timedOut bool) HitsAnalysis {
	a := HitsAnalysis{
		TotalHits:    total,
		ReturnedHits: returned,
		MaxScore:     maxScore,
		HasResults:   total > 0,
		IsPartial:    total > int64(returned),
		Success:      shardsOK,
		TimedOut:     timedOut,
		ThreatLevel:  ThreatLevelFor(total),
	}

	switch a.ThreatLevel {
	case ThreatNone:
		a.Interpretation = "no attacks detected in the time range"
	default:
		a.Interpretation = fmt.Sprintf("%d attacks found, %s threat level", total, a.ThreatLevel)
	}
	if a.IsPartial {
		a.Interpretation += fmt.Sprintf("; showing %d of %d", returned, total)
	}
	if a.TimedOut {
		a.Interpretation += "; query timed out, results may be incomplete"
	}
	if !a.Success {
		a.Interpretation += "; some shards failed, results may be inaccurate"
	}
	return a
}

type Bucket struct {
	Key      string `json:"key"`
	DocCount int64  `json:"doc_count"`
}

// AttackSummary is a windowed overview of the index.
type AttackSummary struct {
	HitsAnalysis
	AttackTypes        []Bucket `json:"attack_types"`
	HourlyDistribution []Bucket `json:"hourly_distribution"`
}

type ClusterHealth struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	ActiveShards        int    `json:"active_shards"`
	RelocatingShards    int    `json:"relocating_shards"`
	InitializingShards  int    `json:"initializing_shards"`
	UnassignedShards    int    `json:"unassigned_shards"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
}

type IndexStats struct {
	Index     string `json:"index"`
	TotalDocs int64  `json:"total_docs"`
	SizeBytes int64  `json:"size_bytes"`
	Shards    int    `json:"shards"`
}

package models

import "fmt"

// Severity classifies an event's urgency.
type Severity string

// Severity constants, ordered from least to most urgent.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for escalation comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Event records a detected burst for a cluster. Events are never mutated
// after creation; an escalation is a new row sharing the same dedupe key.
type Event struct {
	ID              int64    `db:"id" json:"id"`
	UID             string   `db:"uid" json:"uid"`
	RunID           int64    `db:"run_id" json:"run_id"`
	ClusterID       int64    `db:"cluster_id" json:"cluster_id"`
	DetectedAtEpoch int64    `db:"detected_at_epoch" json:"detected_at_epoch"`
	Score           float64  `db:"score" json:"score"`
	Severity        Severity `db:"severity" json:"severity"`
	Label           string   `db:"label" json:"label"`
	WindowStart     int64    `db:"window_start_epoch" json:"window_start_epoch"`
	WindowEnd       int64    `db:"window_end_epoch" json:"window_end_epoch"`
	DedupeKey       string   `db:"dedupe_key" json:"dedupe_key"`
}

// EventDedupeKey builds the identity under which detections for the same
// cluster and window collapse downstream.
func EventDedupeKey(clusterID, windowStart int64) string {
	return fmt.Sprintf("c%d-w%d", clusterID, windowStart)
}

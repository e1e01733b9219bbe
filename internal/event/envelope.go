// Package event defines the wire envelope shared by every pipeline stage.
package event

import (
	"encoding/json"
	"regexp"
	"time"
)

// Region is one of the five recognized geographic regions.
type Region string

const (
	RegionNorte   Region = "norte"
	RegionSur     Region = "sur"
	RegionCentro  Region = "centro"
	RegionEste    Region = "este"
	RegionOeste   Region = "oeste"
	RegionUnknown Region = "unknown"
)

// ValidRegions is the closed enum of geographic regions events may report.
var ValidRegions = map[Region]bool{
	RegionNorte:  true,
	RegionSur:    true,
	RegionCentro: true,
	RegionEste:   true,
	RegionOeste:  true,
}

// Source identifies the payload kind and doubles as the broker routing key.
type Source string

const (
	SourceSecurityIncident    Source = "security.incident"
	SourceSurveyVictimization Source = "survey.victimization"
	SourceMigrationCase       Source = "migration.case"
)

// KnownSources lists the routing keys the Validator's input queue is bound to.
var KnownSources = []Source{SourceSecurityIncident, SourceSurveyVictimization, SourceMigrationCase}

// EventIDPattern is the canonical lowercase-hex UUID-v4 regex every event_id
// must match.
var EventIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// TimestampPattern matches the base envelope's UTC instant format.
var TimestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// Envelope is the JSON wire format for every event flowing through the
// pipeline. Payload is kept raw so each stage decodes it lazily into the
// shape its own concern needs.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Timestamp     string          `json:"timestamp"`
	Region        string          `json:"region"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schema_version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// ParseTimestamp parses the envelope's UTC timestamp. Callers should have
// already confirmed it matches TimestampPattern.
func (e *Envelope) ParseTimestamp() (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05Z", e.Timestamp)
}

// DLQEnvelope is the fixed-shape poison-message record published to
// dlq_exchange. original_event may be a parsed object (when the body was
// valid JSON that failed schema checks) or the raw string body (when it was
// not JSON at all) — json.RawMessage carries either verbatim.
type DLQEnvelope struct {
	OriginalEvent json.RawMessage `json:"original_event"`
	Error         string          `json:"error"`
	FailedAt      string          `json:"failed_at"`
	Service       string          `json:"service"`
}

// NewDLQEnvelope builds a DLQEnvelope with FailedAt set to now (UTC,
// matching the envelope's own timestamp convention) and Service fixed to
// the emitting stage name.
func NewDLQEnvelope(original json.RawMessage, reason, service string) DLQEnvelope {
	return DLQEnvelope{
		OriginalEvent: original,
		Error:         reason,
		FailedAt:      time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Service:       service,
	}
}

// WindowSummary is the aggregate-wide message published at window flush.
type WindowSummary struct {
	Type            string                    `json:"type"`
	WindowStartISO  string                    `json:"window_start_iso"`
	WindowEndISO    string                    `json:"window_end_iso"`
	TotalProcessed  int                       `json:"total_processed"`
	StatsByRegion   map[string]map[string]int `json:"stats_by_region"`
}

// RegionMetric is one per-region metrics.daily message, carrying lineage
// back to the events that contributed to it.
type RegionMetric struct {
	MetricID      string         `json:"metric_id"`
	Date          string         `json:"date"`
	Region        string         `json:"region"`
	RunID         string         `json:"run_id"`
	Metrics       map[string]int `json:"metrics"`
	InputEventIDs []string       `json:"input_event_ids"`
}

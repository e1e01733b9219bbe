// Package schema implements the declarative validation rules for incoming
// events: a base envelope check applied to every event, plus a per-source payload
// check dispatched on the source tag. Rules are data (a table of field
// checks), not a generic struct-tag validator, because payload shape is
// chosen dynamically at runtime by the source field.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xshift007/eventpipe/internal/event"
)

// ValidationError carries the human-readable reason a rejection requires.
// Kind distinguishes the broad failure class for logging/metrics; Reason is
// the full message that ends up in the DLQ envelope's "error" field.
type ValidationError struct {
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func fail(kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// payloadRule validates a source-specific payload, already decoded to a
// generic map so required-key and type checks can be expressed uniformly.
type payloadRule func(payload map[string]interface{}) *ValidationError

// Registry holds the base rule plus one payloadRule per recognized source.
type Registry struct {
	rules map[event.Source]payloadRule
}

// NewRegistry builds the registry with the three recognized payload schemas.
func NewRegistry() *Registry {
	return &Registry{
		rules: map[event.Source]payloadRule{
			event.SourceSecurityIncident:    validateSecurityIncident,
			event.SourceSurveyVictimization: validateSurveyVictimization,
			event.SourceMigrationCase:       validateMigrationCase,
		},
	}
}

// Validate applies the base rules and then the per-source payload rule.
// env.Payload must already be syntactically valid JSON (the Validator
// decodes the outer envelope before calling in).
func (r *Registry) Validate(env *event.Envelope) *ValidationError {
	if env.EventID == "" || env.Timestamp == "" || env.Region == "" || env.Source == "" {
		return fail("missing_field", "Falta un campo requerido en el sobre base (event_id, timestamp, region, source)")
	}
	if !event.EventIDPattern.MatchString(env.EventID) {
		return fail("invalid_format", "Formato inválido de event_id: %q no es un UUID-v4", env.EventID)
	}
	if !event.TimestampPattern.MatchString(env.Timestamp) {
		return fail("invalid_format", "Formato inválido de timestamp: %q", env.Timestamp)
	}
	if !event.ValidRegions[event.Region(env.Region)] {
		return fail("invalid_enum", "Región desconocida: %q", env.Region)
	}
	if len(env.Payload) == 0 {
		return fail("missing_field", "Falta el campo payload")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fail("invalid_type", "El campo payload debe ser un objeto JSON")
	}

	rule, ok := r.rules[event.Source(env.Source)]
	if !ok {
		return fail("unknown_source", "Tipo de evento desconocido: %q", env.Source)
	}
	return rule(payload)
}

// ── per-source payload rules ────────────────────────────────────────────

func requireString(payload map[string]interface{}, field string) *ValidationError {
	v, ok := payload[field]
	if !ok {
		return fail("missing_field", "Falta el campo requerido %q en el payload", field)
	}
	if _, ok := v.(string); !ok {
		return fail("invalid_type", "El campo %q debe ser de tipo string", field)
	}
	return nil
}

func validateSecurityIncident(payload map[string]interface{}) *ValidationError {
	for _, f := range []string{"crime_type", "severity", "reported_by"} {
		if err := requireString(payload, f); err != nil {
			return err
		}
	}
	loc, ok := payload["location"]
	if !ok {
		return fail("missing_field", "Falta el campo requerido \"location\" en el payload")
	}
	locMap, ok := loc.(map[string]interface{})
	if !ok {
		return fail("invalid_type", "El campo \"location\" debe ser un objeto")
	}
	for _, f := range []string{"latitude", "longitude"} {
		v, ok := locMap[f]
		if !ok {
			return fail("missing_field", "Falta el campo requerido \"location.%s\"", f)
		}
		if _, ok := v.(float64); !ok {
			return fail("invalid_type", "El campo \"location.%s\" debe ser numérico", f)
		}
	}
	return nil
}

func validateSurveyVictimization(payload map[string]interface{}) *ValidationError {
	for _, f := range []string{"survey_id", "victimization_type"} {
		if err := requireString(payload, f); err != nil {
			return err
		}
	}
	age, ok := payload["respondent_age"]
	if !ok {
		return fail("missing_field", "Falta el campo requerido \"respondent_age\"")
	}
	// encoding/json decodes JSON numbers as float64 and JSON booleans as
	// bool into interface{} — a bool must be rejected explicitly since
	// Go's type switch would otherwise not confuse the two, but a numeric
	// string ("35") decodes as string and must also be rejected.
	if _, isBool := age.(bool); isBool {
		return fail("invalid_type", "El campo \"respondent_age\" debe ser un entero, no un booleano")
	}
	num, isNumber := age.(float64)
	if !isNumber {
		return fail("invalid_type", "El campo \"respondent_age\" debe ser un entero, no un string")
	}
	if num != float64(int64(num)) {
		return fail("invalid_type", "El campo \"respondent_age\" debe ser un entero")
	}

	reported, ok := payload["reported"]
	if !ok {
		return fail("missing_field", "Falta el campo requerido \"reported\"")
	}
	if _, ok := reported.(bool); !ok {
		return fail("invalid_type", "El campo \"reported\" debe ser booleano")
	}
	return nil
}

func validateMigrationCase(payload map[string]interface{}) *ValidationError {
	for _, f := range []string{"case_id", "case_type", "status", "origin_country"} {
		if err := requireString(payload, f); err != nil {
			return err
		}
	}
	return nil
}

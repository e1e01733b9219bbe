package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xshift007/eventpipe/internal/event"
	"github.com/xshift007/eventpipe/internal/schema"
)

func securityEnvelope(t *testing.T, mutate func(m map[string]interface{})) *event.Envelope {
	t.Helper()
	env := map[string]interface{}{
		"event_id":       "550e8400-e29b-41d4-a716-446655440000",
		"timestamp":      "2025-01-15T10:30:00Z",
		"region":         "norte",
		"source":         "security.incident",
		"schema_version": "1.0",
		"payload": map[string]interface{}{
			"crime_type":   "theft",
			"severity":     "medium",
			"reported_by":  "citizen",
			"location":     map[string]interface{}{"latitude": -33.4489, "longitude": -70.6693},
		},
	}
	if mutate != nil {
		mutate(env)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var e event.Envelope
	require.NoError(t, json.Unmarshal(data, &e))
	return &e
}

func TestRegistry_HappyPath(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, nil)
	assert.Nil(t, r.Validate(env))
}

func TestRegistry_InvalidUUID(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, func(m map[string]interface{}) { m["event_id"] = "invalid-uuid" })
	err := r.Validate(env)
	require.NotNil(t, err)
	assert.Contains(t, err.Reason, "Formato inválido")
}

func TestRegistry_UnknownSource(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, func(m map[string]interface{}) { m["source"] = "unknown.event.type" })
	err := r.Validate(env)
	require.NotNil(t, err)
	assert.Contains(t, err.Reason, "Tipo de evento desconocido")
}

func TestRegistry_UnknownRegion(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, func(m map[string]interface{}) { m["region"] = "atlantis" })
	err := r.Validate(env)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_enum", err.Kind)
}

func TestRegistry_MissingPayloadField(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, func(m map[string]interface{}) {
		delete(m["payload"].(map[string]interface{}), "crime_type")
	})
	err := r.Validate(env)
	require.NotNil(t, err)
	assert.Equal(t, "missing_field", err.Kind)
}

func TestRegistry_VictimizationWrongAgeType(t *testing.T) {
	r := schema.NewRegistry()
	data := []byte(`{
		"event_id":"550e8400-e29b-41d4-a716-446655440000",
		"timestamp":"2025-01-15T10:30:00Z",
		"region":"sur",
		"source":"survey.victimization",
		"schema_version":"1.0",
		"payload": {"survey_id":"s1","respondent_age":"35","victimization_type":"theft","reported":true}
	}`)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))

	err := r.Validate(&env)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_type", err.Kind)
	assert.Contains(t, err.Reason, "respondent_age")
}

func TestRegistry_VictimizationBooleanAgeRejected(t *testing.T) {
	r := schema.NewRegistry()
	data := []byte(`{
		"event_id":"550e8400-e29b-41d4-a716-446655440000",
		"timestamp":"2025-01-15T10:30:00Z",
		"region":"sur",
		"source":"survey.victimization",
		"schema_version":"1.0",
		"payload": {"survey_id":"s1","respondent_age":true,"victimization_type":"theft","reported":true}
	}`)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))

	err := r.Validate(&env)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_type", err.Kind)
}

func TestRegistry_MigrationCaseHappyPath(t *testing.T) {
	r := schema.NewRegistry()
	data := []byte(`{
		"event_id":"550e8400-e29b-41d4-a716-446655440000",
		"timestamp":"2025-01-15T10:30:00Z",
		"region":"centro",
		"source":"migration.case",
		"schema_version":"1.0",
		"payload": {"case_id":"c1","case_type":"asylum","status":"open","origin_country":"XX"}
	}`)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Nil(t, r.Validate(&env))
}

func TestRegistry_InvalidTimestamp(t *testing.T) {
	r := schema.NewRegistry()
	env := securityEnvelope(t, func(m map[string]interface{}) { m["timestamp"] = "not-a-timestamp" })
	err := r.Validate(env)
	require.NotNil(t, err)
	assert.Equal(t, "invalid_format", err.Kind)
}

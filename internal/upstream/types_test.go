package upstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusEventPayload_UnmarshalBareString(t *testing.T) {
	var p StatusEventPayload
	require.NoError(t, json.Unmarshal([]byte(`{"sessionID":"s1","status":"busy"}`), &p))
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "busy", p.Status)
}

func TestStatusEventPayload_UnmarshalTypedObject(t *testing.T) {
	var p StatusEventPayload
	require.NoError(t, json.Unmarshal([]byte(`{"sessionID":"s1","status":{"type":"running"}}`), &p))
	assert.Equal(t, "running", p.Status)
}

func TestStatusEventPayload_MissingStatusLeavesEmpty(t *testing.T) {
	var p StatusEventPayload
	require.NoError(t, json.Unmarshal([]byte(`{"sessionID":"s1"}`), &p))
	assert.Equal(t, "", p.Status)
}

func TestStatusEventPayload_InvalidStatusShapeIgnored(t *testing.T) {
	var p StatusEventPayload
	require.NoError(t, json.Unmarshal([]byte(`{"sessionID":"s1","status":42}`), &p))
	assert.Equal(t, "", p.Status)
}

package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeStatusJSON(t *testing.T) {
	type status struct {
		Status ComposeStatus `json:"status"`
	}
	data, err := json.Marshal(status{StatusFinishedIncomplete})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"FINISHED_INCOMPLETE"}`, string(data))

	var s status
	require.NoError(t, json.Unmarshal([]byte(`{"status":"DOOMED"}`), &s))
	assert.Equal(t, StatusDoomed, s.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"BROKEN"}`), &s))
}

func TestComposeStatusExitCode(t *testing.T) {
	assert.Equal(t, 0, StatusFinished.ExitCode())
	assert.Equal(t, 2, StatusFinishedIncomplete.ExitCode())
	assert.Equal(t, 1, StatusDoomed.ExitCode())
	assert.Equal(t, 1, StatusStarted.ExitCode())
}

func TestJournalKey(t *testing.T) {
	assert.Equal(t, "VARIANT", JournalKey("variant"))
	assert.Equal(t, "RUN_ID", JournalKey("run-id"))
	assert.Equal(t, "PHASE", JournalKey("_phase"))
}

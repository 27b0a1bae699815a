package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusAssigned, StatusAbandoned, true},
		{StatusUnknown, StatusInProgress, true},
		{StatusInProgress, StatusAssigned, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusInProgress, false},
		{StatusInProgress, StatusInProgress, false},
		{StatusNew, Status("Bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	j := &Job{ID: "J1", Status: StatusAssigned}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.Start(now))
	assert.Equal(t, StatusInProgress, j.Status)
	assert.Equal(t, now, *j.StartTime)

	require.NoError(t, j.Complete(now.Add(time.Minute)))
	assert.Equal(t, StatusCompleted, j.Status)

	err := j.Fail(now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Completed -> Failed")
	assert.Equal(t, StatusCompleted, j.Status)
}

func TestJob_DecodesServerPayload(t *testing.T) {
	payload := `{
		"id": "J1",
		"automationId": "A1",
		"agentId": "AG1",
		"jobStatus": "Assigned",
		"jobParameters": [{"name": "region", "dataType": "Text", "value": "eu"}]
	}`

	var j Job
	require.NoError(t, json.Unmarshal([]byte(payload), &j))

	assert.Equal(t, "A1", j.AutomationID)
	assert.Equal(t, StatusAssigned, j.Status)
	require.Len(t, j.Parameters, 1)
	assert.Equal(t, "eu", j.Parameters[0].Value)
	assert.Nil(t, j.StartTime)
}

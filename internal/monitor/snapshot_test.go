package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_StateNamesAndCodes(t *testing.T) {
	raw := `{
		"timestamp": 1000,
		"live_threads": 12,
		"daemon_threads": 4,
		"free_memory": 100,
		"total_memory": 400,
		"threads": [
			{"id": 1, "name": "main", "state": "running"},
			{"id": 2, "name": "Finalizer", "state": 4}
		]
	}`

	s, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), s.Timestamp)
	assert.Equal(t, int64(8), s.UserThreads())
	assert.Equal(t, int64(300), s.UsedMemory())
	assert.Equal(t, int64(-1), s.SurvivingGenerations, "absent field defaults to unknown")
	require.Len(t, s.Threads, 2)
	assert.Equal(t, StateRunning, s.Threads[0].State)
	assert.Equal(t, StateWait, s.Threads[1].State)
}

func TestDecode_RejectsUnknownStateName(t *testing.T) {
	_, err := Decode([]byte(`{"threads":[{"id":1,"state":"dancing"}]}`))
	assert.Error(t, err)
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	s := Snapshot{
		Timestamp:            5,
		SurvivingGenerations: 3,
		Generations:          []Generation{{Name: "eden", Capacity: 10, Used: 5, MaxCapacity: 20}},
		Threads:              []ThreadSample{{ID: 7, State: StateMonitor}},
	}
	b, err := s.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"monitor"`)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := Snapshot{Threads: []ThreadSample{{ID: 1, State: StateRunning}}}
	c := s.Clone()
	c.Threads[0].State = StateWait
	assert.Equal(t, StateRunning, s.Threads[0].State)
}

func TestState_Waiting(t *testing.T) {
	assert.True(t, StateWait.Waiting())
	assert.True(t, StateMonitor.Waiting())
	assert.False(t, StateSleeping.Waiting())
	assert.False(t, StateRunning.Waiting())
}

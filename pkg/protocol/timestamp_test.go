package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestamp_AcceptsLooseFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2026-10-19T10:00:00Z"`:      time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
		`"2026-10-19 10:00:00"`:       time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
		`1792404000000`:               time.UnixMilli(1792404000000).UTC(),
		`"2026-10-19T12:00:00+02:00"`: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		require.True(t, want.Equal(ts.Time), "%s: got %s", in, ts.Time)
	}
}

func TestTimestamp_EmptyIsZero(t *testing.T) {
	var st ScenarioState
	require.NoError(t, json.Unmarshal([]byte(`{"hash":"h1","updated_at":""}`), &st))
	require.True(t, st.UpdatedAt.IsZero())

	b, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	require.Equal(t, `""`, string(b))
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage(" Smoke_Test ")
	require.NoError(t, err)
	require.Equal(t, StageSmokeTest, st)

	_, err = ParseStage("deploy")
	require.EqualError(t, err, `Unknown stage "deploy"`)
}

func TestStageIndex_FollowsOrder(t *testing.T) {
	require.Less(t, StageIndex(StageBundle), StageIndex(StagePreflight))
	require.Less(t, StageIndex(StageBuild), StageIndex(StageSmokeTest))
	require.Equal(t, len(StageOrder), StageIndex("deploy"))
}

package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/airloft/automation/db"
	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/limits"
)

func testPreparer(t *testing.T) (*preparer, *limits.Manager) {
	t.Helper()
	conn, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn, nil))

	manager := limits.NewManager(conn, nil)
	return &preparer{limits: manager, logger: zaptest.NewLogger(t).Sugar()}, manager
}

func TestPreparerBindsFrequencyChecker(t *testing.T) {
	p, manager := testPreparer(t)
	ctx := context.Background()

	require.NoError(t, manager.SetConstraints(ctx, []limits.Constraint{
		{ID: "cap", Range: time.Hour, Count: 1},
	}))

	schedule := engine.Schedule{
		Identifier:             "schedule-1",
		Type:                   engine.ScheduleTypeActions,
		Actions:                json.RawMessage(`{"log":"hi"}`),
		Priority:               3,
		FrequencyConstraintIDs: []string{"cap"},
	}

	result, err := p.Prepare(ctx, schedule, nil, "session-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PreparePrepared, result.Kind)
	require.NotNil(t, result.Prepared)
	assert.Equal(t, "schedule-1", result.Prepared.Info.ScheduleID)
	assert.Equal(t, "session-1", result.Prepared.Info.TriggerSessionID)
	assert.Equal(t, 3, result.Prepared.Info.Priority)
	require.NotNil(t, result.Prepared.FrequencyChecker)

	ok, err := result.Prepared.FrequencyChecker.CheckAndIncrement(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = result.Prepared.FrequencyChecker.CheckAndIncrement(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPreparerSkipsUnknownConstraint(t *testing.T) {
	p, _ := testPreparer(t)

	schedule := engine.Schedule{
		Identifier:             "schedule-1",
		Type:                   engine.ScheduleTypeActions,
		Actions:                json.RawMessage(`{}`),
		FrequencyConstraintIDs: []string{"missing"},
	}

	result, err := p.Prepare(context.Background(), schedule, nil, "session-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PrepareSkip, result.Kind)
}

func TestPreparerNoConstraints(t *testing.T) {
	p, _ := testPreparer(t)

	schedule := engine.Schedule{
		Identifier: "schedule-1",
		Type:       engine.ScheduleTypeActions,
		Actions:    json.RawMessage(`{}`),
	}

	result, err := p.Prepare(context.Background(), schedule, nil, "session-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PreparePrepared, result.Kind)
	assert.Nil(t, result.Prepared.FrequencyChecker)
}

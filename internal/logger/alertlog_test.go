package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAlertLogQueryAcrossDays(t *testing.T) {
	log, err := NewFileAlertLog(t.TempDir())
	require.NoError(t, err)

	day1 := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	day2 := day1.Add(time.Hour)
	ctx := context.Background()
	require.NoError(t, log.WriteAlertLog(ctx, &AlertLogEntry{Timestamp: day1, TenantID: "t1", AlertID: 1, Transition: "opened"}))
	require.NoError(t, log.WriteAlertLog(ctx, &AlertLogEntry{Timestamp: day2, TenantID: "t1", AlertID: 1, Transition: "closed"}))
	require.NoError(t, log.WriteAlertLog(ctx, &AlertLogEntry{Timestamp: day2, TenantID: "t2", AlertID: 9, Transition: "opened"}))

	start, end := day1.Add(-time.Hour), day2.Add(time.Hour)
	res, err := log.QueryAlertLogs(&AlertLogQuery{TenantID: "t1", StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	assert.Equal(t, "closed", res.Logs[0].Transition)
	assert.Equal(t, "opened", res.Logs[1].Transition)

	id := uint(9)
	res, err = log.QueryAlertLogs(&AlertLogQuery{AlertID: &id, StartTime: &start, EndTime: &end, Limit: 1})
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "t2", res.Logs[0].TenantID)
}

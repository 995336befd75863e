package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/jobs"
)

func TestBuildTask(t *testing.T) {
	defaults := Defaults{StallAfter: 2 * time.Minute, Retention: 24 * time.Hour}

	task, err := BuildTask(jobs.TaskConversionResumeStalled, defaults)
	require.NoError(t, err)
	var stalled jobs.ResumeStalledPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &stalled))
	require.Equal(t, int64(120), stalled.OlderThanSeconds)

	task, err = BuildTask(jobs.TaskIdempotencyCleanup, defaults)
	require.NoError(t, err)
	var cleanup jobs.CleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &cleanup))
	require.Equal(t, int64(86400), cleanup.RetentionSeconds)

	task, err = BuildTask(jobs.TaskLedgerIntegrity, defaults)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskLedgerIntegrity, task.Type())

	_, err = BuildTask("mail:send", defaults)
	require.ErrorContains(t, err, "unsupported job")
}

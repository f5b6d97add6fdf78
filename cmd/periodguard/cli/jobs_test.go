package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/periodguard/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskApprovalEscalationSweep, 50)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskApprovalEscalationSweep, task.Type())

	var payload map[string]int
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 50, payload["limit"])

	task, err = BuildTask(jobs.TaskPeriodCloseReminder, 0)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskPeriodCloseReminder, task.Type())

	_, err = BuildTask("inventory:revaluation", 0)
	require.ErrorContains(t, err, "unsupported job")
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStats(&buf, QueueStats{Queue: "default", Pending: 3, Retry: 1}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"default", "3", "0", "0", "1", "0"}, strings.Fields(lines[1]))
}

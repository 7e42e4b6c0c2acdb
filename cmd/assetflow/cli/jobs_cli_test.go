package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/reflyh2/assetflow/jobs"
)

type stubEnqueuer struct {
	enqueued []*asynq.Task
	err      error
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.enqueued = append(s.enqueued, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	err       error
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.info, nil
}

func (s *stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func TestTriggerCommandJSONSuccess(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	cli, err := NewJobsCLI(enqueuer, &stubInspector{})
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.TriggerCommand(context.Background(), TriggerOptions{
		Name:       jobs.TaskScheduleIntegrity,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())
	require.Len(t, enqueuer.enqueued, 1)
	require.Equal(t, jobs.TaskScheduleIntegrity, enqueuer.enqueued[0].Type())

	var summary TriggerSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, "task-1", summary.TaskID)
	require.Equal(t, jobs.TaskScheduleIntegrity, summary.Type)
	require.Equal(t, jobs.QueueDefault, summary.Queue)
}

func TestTriggerCommandUnsupportedJob(t *testing.T) {
	cli, err := NewJobsCLI(&stubEnqueuer{}, &stubInspector{})
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.TriggerCommand(context.Background(), TriggerOptions{
		Name:   "reports:rebuild",
		Stdout: stdout,
		Stderr: stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "unsupported job")
	require.Empty(t, stdout.String())
}

func TestTriggerCommandEnqueueFailure(t *testing.T) {
	cli, err := NewJobsCLI(&stubEnqueuer{err: errors.New("redis down")}, &stubInspector{})
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	exitCode := cli.TriggerCommand(context.Background(), TriggerOptions{
		Name:   jobs.TaskDepreciationPost,
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "redis down")
}

func TestStatsCommandJSON(t *testing.T) {
	inspector := &stubInspector{
		info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Active: 1, Scheduled: 2, Retry: 4},
		scheduled: []*asynq.TaskInfo{
			{ID: "task-9", Type: jobs.TaskDepreciationPost},
		},
	}
	cli, err := NewJobsCLI(&stubEnqueuer{}, inspector)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.StatsCommand(context.Background(), StatsOptions{
		Scheduled:  5,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary StatsSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, 3, summary.Pending)
	require.Equal(t, 1, summary.Active)
	require.Equal(t, 4, summary.Retry)
	require.Len(t, summary.Upcoming, 1)
	require.Equal(t, "task-9", summary.Upcoming[0].TaskID)
}

func TestNewJobsCLIRequiresDependencies(t *testing.T) {
	_, err := NewJobsCLI(nil, &stubInspector{})
	require.Error(t, err)
	_, err = NewJobsCLI(&stubEnqueuer{}, nil)
	require.Error(t, err)
}

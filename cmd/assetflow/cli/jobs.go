// Package cli wraps manual management helpers for operators.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reflyh2/assetflow/jobs"
)

// Enqueuer enqueues background tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	enqueuer  Enqueuer
	inspector QueueInspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers with the provided dependencies.
func NewJobsCLI(enqueuer Enqueuer, inspector QueueInspector) (*JobsCLI, error) {
	if enqueuer == nil || inspector == nil {
		return nil, errors.New("jobs cli: enqueuer and inspector are required")
	}
	return &JobsCLI{enqueuer: enqueuer, inspector: inspector}, nil
}

// NewJobsCLIFromRedis wires the CLI to a live Redis instance.
func NewJobsCLIFromRedis(redisAddr string) (*JobsCLI, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	cli, err := NewJobsCLI(client, inspector)
	if err != nil {
		return nil, err
	}
	cli.closers = []io.Closer{inspector, client}
	return cli, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	for _, closer := range c.closers {
		if closeErr := closer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions defines available flags for the jobs trigger command.
type TriggerOptions struct {
	Name       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// TriggerSummary describes the JSON response for jobs trigger.
type TriggerSummary struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// TriggerCommand enqueues a supported job by name with its default payload
// and prints the enqueued task.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	var task *asynq.Task
	var err error
	switch opts.Name {
	case jobs.TaskDepreciationPost:
		task, err = jobs.NewDepreciationPostTask(time.Time{})
	case jobs.TaskScheduleIntegrity:
		task = jobs.NewScheduleIntegrityTask()
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: unsupported job %q\n", opts.Name)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return 1
	}

	info, err := c.enqueuer.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: enqueue: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		summary := TriggerSummary{TaskID: info.ID, Type: info.Type, Queue: info.Queue}
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s as task %s on queue %s\n", info.Type, info.ID, info.Queue)
	return 0
}

// StatsOptions defines available flags for the jobs stats command.
type StatsOptions struct {
	Scheduled  int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatsSummary describes the JSON response for jobs stats.
type StatsSummary struct {
	Queue     string           `json:"queue"`
	Pending   int              `json:"pending"`
	Active    int              `json:"active"`
	Scheduled int              `json:"scheduled"`
	Retry     int              `json:"retry"`
	Upcoming  []ScheduledEntry `json:"upcoming,omitempty"`
}

// ScheduledEntry reports one scheduled task.
type ScheduledEntry struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
}

// StatsCommand reports the default queue's state, optionally with the next
// scheduled tasks.
func (c *JobsCLI) StatsCommand(ctx context.Context, opts StatsOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs stats: %v\n", err)
		return 1
	}
	summary := StatsSummary{Queue: jobs.QueueDefault}
	if info != nil {
		summary.Pending = info.Pending
		summary.Active = info.Active
		summary.Scheduled = info.Scheduled
		summary.Retry = info.Retry
	}
	if opts.Scheduled > 0 {
		tasks, err := c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(opts.Scheduled), asynq.Page(1))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs stats: list scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			summary.Upcoming = append(summary.Upcoming, ScheduledEntry{TaskID: t.ID, Type: t.Type})
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs stats: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "queue %s: %d pending, %d active, %d scheduled, %d retry\n",
		summary.Queue, summary.Pending, summary.Active, summary.Scheduled, summary.Retry)
	for _, entry := range summary.Upcoming {
		_, _ = fmt.Fprintf(opts.Stdout, " - %s (%s)\n", entry.Type, entry.TaskID)
	}
	return 0
}

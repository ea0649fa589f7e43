package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// Temporal names.
const (
	WorkflowName = "leadSearchWorkflow"
	TickActivity = "leadSearchTick"
)

const (
	defaultTicksPerRun = 500
	defaultTickTimeout = 15 * time.Minute
)

// WorkflowInput starts (or continues) a lead search workflow.
type WorkflowInput struct {
	JobID   string           `json:"jobId"`
	Payload model.JobPayload `json:"payload"`
	Retry   RetryPolicy      `json:"retry"`
	// TicksPerRun bounds history size; the workflow continues as new after
	// this many ticks.
	TicksPerRun int           `json:"ticksPerRun,omitempty"`
	TickTimeout time.Duration `json:"tickTimeout,omitempty"`
}

// TickInput is the Tick activity argument.
type TickInput struct {
	JobID   string           `json:"jobId"`
	Payload model.JobPayload `json:"payload"`
}

// LeadSearchWorkflow runs ticks until the handler finishes the job. A
// suspension is a durable timer, so worker restarts are invisible to it.
func LeadSearchWorkflow(ctx workflow.Context, in WorkflowInput) error {
	timeout := in.TickTimeout
	if timeout <= 0 {
		timeout = defaultTickTimeout
	}
	ticks := in.TicksPerRun
	if ticks <= 0 {
		ticks = defaultTicksPerRun
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    in.Retry.InitialBackoff,
			BackoffCoefficient: 2.0,
			MaximumInterval:    in.Retry.MaxBackoff,
			MaximumAttempts:    int32(in.Retry.MaxAttempts),
		},
	})
	logger := workflow.GetLogger(ctx)

	for range ticks {
		var out Outcome
		err := workflow.ExecuteActivity(ctx, TickActivity, TickInput{JobID: in.JobID, Payload: in.Payload}).Get(ctx, &out)
		if err != nil {
			logger.Error("tick failed", "job_id", in.JobID, "error", err)
			return err
		}
		if !out.Suspended {
			return nil
		}
		in.Payload.Scraper = out.Next
		if d := out.Until.Sub(workflow.Now(ctx)); d > 0 {
			if err := workflow.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	return workflow.NewContinueAsNewError(ctx, WorkflowName, in)
}

type tickActivities struct {
	handler Handler
}

// Tick runs one handler tick. Checkpoints are recorded as heartbeat
// details, which a retried attempt of the same tick resumes from.
func (a *tickActivities) Tick(ctx context.Context, in TickInput) (Outcome, error) {
	payload := in.Payload
	if activity.HasHeartbeatDetails(ctx) {
		var saved model.JobPayload
		if err := activity.GetHeartbeatDetails(ctx, &saved); err == nil {
			payload = saved
		}
	}

	info := activity.GetInfo(ctx)
	job := NewJob(in.JobID, payload, int(info.Attempt), func(ctx context.Context, p model.JobPayload) error {
		activity.RecordHeartbeat(ctx, p)
		return nil
	})
	out, err := handle(ctx, a.handler, job)
	if err != nil && resilience.IsPermanent(err) {
		return Outcome{}, temporal.NewNonRetryableApplicationError(err.Error(), "PermanentError", err)
	}
	return out, err
}

// registrar is the registration surface shared by worker.Worker and the
// workflow test environment.
type registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

func register(r registrar, h Handler) {
	r.RegisterWorkflowWithOptions(LeadSearchWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions((&tickActivities{handler: h}).Tick, activity.RegisterOptions{Name: TickActivity})
}

// DialTemporal connects to a Temporal frontend.
func DialTemporal(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: hostPort, Namespace: namespace})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dial temporal %s", hostPort)
	}
	return c, nil
}

// TemporalQueue starts one workflow per lead search, with the search id as
// workflow id.
type TemporalQueue struct {
	client    client.Client
	taskQueue string
	retry     RetryPolicy
}

// NewTemporal creates a queue on c.
func NewTemporal(c client.Client, taskQueue string, retry RetryPolicy) *TemporalQueue {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &TemporalQueue{client: c, taskQueue: taskQueue, retry: retry}
}

// Enqueue implements Queue. A workflow id that was ever used, running or
// closed, is a duplicate.
func (q *TemporalQueue) Enqueue(ctx context.Context, id string, payload model.JobPayload) error {
	_, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                q.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, WorkflowName, WorkflowInput{JobID: id, Payload: payload, Retry: q.retry})

	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return ErrDuplicate
	}
	return eris.Wrapf(err, "queue: start workflow %s", id)
}

// Exists implements Queue.
func (q *TemporalQueue) Exists(ctx context.Context, id string) (bool, error) {
	_, err := q.client.DescribeWorkflowExecution(ctx, id, "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "queue: describe workflow %s", id)
	}
	return true, nil
}

// TemporalWorker hosts the workflow and the Tick activity.
type TemporalWorker struct {
	w   worker.Worker
	log *zap.Logger
}

// NewTemporalWorker registers h as the tick handler on taskQueue.
func NewTemporalWorker(c client.Client, taskQueue string, h Handler, concurrency int) *TemporalWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	w := worker.New(c, taskQueue, worker.Options{MaxConcurrentActivityExecutionSize: concurrency})
	register(w, h)
	return &TemporalWorker{
		w:   w,
		log: zap.L().With(zap.String("component", "queue.temporal"), zap.String("task_queue", taskQueue)),
	}
}

// Run polls the task queue until ctx is cancelled.
func (w *TemporalWorker) Run(ctx context.Context) error {
	if err := w.w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	w.log.Info("temporal worker started")
	<-ctx.Done()
	w.w.Stop()
	w.log.Info("temporal worker stopped")
	return nil
}

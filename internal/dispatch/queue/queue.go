// Package queue carries dispatch jobs between the pipeline and its workers. Delayed jobs are how
// retries wait out their backoff without holding a worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/pkg/telemetry/correlation"
)

var ErrQueueClosed = errors.New("queue_closed")

type Job struct {
	AttemptID  snowflake.ID `json:"attempt_id"`
	Attempt    int          `json:"attempt"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	// Trace carries correlation and span identifiers across the broker.
	Trace map[string]string `json:"trace,omitempty"`

	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the job was handled. It is a no-op for backends without acknowledgements.
func (j Job) Ack() error {
	if j.ack == nil {
		return nil
	}
	return j.ack()
}

func (j Job) Nack(requeue bool) error {
	if j.nack == nil {
		return nil
	}
	return j.nack(requeue)
}

// WithTrace stamps the caller's correlation and span identifiers onto the job.
func (j Job) WithTrace(ctx context.Context) Job {
	j.Trace = correlation.InjectTraceIntoMetadata(ctx, nil)
	return j
}

// Context restores the identifiers recorded by WithTrace.
func (j Job) Context(ctx context.Context) context.Context {
	if len(j.Trace) == 0 {
		return ctx
	}
	ctx = correlation.ContextWithCorrelationID(ctx, j.Trace["correlation_id"])
	return correlation.ContextWithRemoteSpan(ctx, j.Trace["trace_id"], j.Trace["span_id"])
}

func (j Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	if job.AttemptID == 0 {
		return Job{}, errors.New("job without attempt id")
	}
	return job, nil
}

type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	Consume(ctx context.Context) (<-chan Job, error)
	Close() error
}

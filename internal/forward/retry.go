// retry.go implements the forward orchestrator's shared retry scheduler.
// Grounded directly on the teacher's internal/job package: a thin
// asynq.Client wrapper for enqueueing (JobScheduler) paired with a
// mux-registration helper for handling (JobHandlers), generalized from the
// teacher's three fixed schedule-import job types to two parameterized
// retry kinds shared across every route.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dicomgw/gateway/internal/entity"
)

const (
	// TaskAdmissionRetry re-submits a study that the rate limiter denied.
	TaskAdmissionRetry = "forward:admission_retry"
	// TaskEdgeRetry retries one failed destination edge within an
	// already-created TransferRecord.
	TaskEdgeRetry = "forward:edge_retry"
)

// AdmissionRetryPayload re-enters a route's queue after a rate-limit denial.
type AdmissionRetryPayload struct {
	RouteName string `json:"route_name"`
	Event     entity.StudyReadyEvent `json:"event"`
	Attempt   int    `json:"attempt"`
}

// EdgeRetryPayload retries one destination edge of an in-flight transfer.
type EdgeRetryPayload struct {
	RouteName       string `json:"route_name"`
	TransferID      string `json:"transfer_id"`
	StudyDir        string `json:"study_dir"`
	DestinationName string `json:"destination_name"`
	Attempt         int    `json:"attempt"`
}

// RetryScheduler enqueues delayed retry tasks onto a shared Asynq queue.
// One instance is shared across every route's Orchestrator, mirroring the
// teacher's single JobScheduler serving every job type.
type RetryScheduler struct {
	client *asynq.Client
}

// NewRetryScheduler connects to the Redis instance backing the retry queue.
func NewRetryScheduler(redisAddr string) (*RetryScheduler, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	if err := client.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("connecting to retry queue: %w", err)
	}
	return &RetryScheduler{client: client}, nil
}

// Close releases the underlying Asynq client.
func (s *RetryScheduler) Close() error {
	return s.client.Close()
}

// EnqueueAdmissionRetry schedules payload to re-enter its route's queue
// after delay.
func (s *RetryScheduler) EnqueueAdmissionRetry(ctx context.Context, payload AdmissionRetryPayload, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskAdmissionRetry, body)
	_, err = s.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.MaxRetry(0))
	return err
}

// EnqueueEdgeRetry schedules payload for a single destination-edge retry
// after delay, per §4.J's per-destination retryDelay.
func (s *RetryScheduler) EnqueueEdgeRetry(ctx context.Context, payload EdgeRetryPayload, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskEdgeRetry, body)
	_, err = s.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.MaxRetry(0))
	return err
}

// RegisterHandlers wires both retry task types into mux, dispatching to the
// orchestrator registry's matching route by name.
func RegisterHandlers(mux *asynq.ServeMux, routes map[string]*Orchestrator) {
	mux.HandleFunc(TaskAdmissionRetry, func(ctx context.Context, t *asynq.Task) error {
		var p AdmissionRetryPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		o, ok := routes[p.RouteName]
		if !ok {
			return fmt.Errorf("%w: unknown route %q", asynq.SkipRetry, p.RouteName)
		}
		o.handleAdmissionRetry(p)
		return nil
	})

	mux.HandleFunc(TaskEdgeRetry, func(ctx context.Context, t *asynq.Task) error {
		var p EdgeRetryPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		o, ok := routes[p.RouteName]
		if !ok {
			return fmt.Errorf("%w: unknown route %q", asynq.SkipRetry, p.RouteName)
		}
		return o.handleEdgeRetry(ctx, p)
	})
}

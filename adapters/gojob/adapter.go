package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/quantfolio/go-brokers/core"
)

const JobIDRefresh = "brokers.refresh"

const (
	paramConnectionID = "connection_id"
	paramBroker       = "broker"
	paramExpiresAt    = "expires_at"
)

// RefreshEnqueuer bridges the credential sweep onto a go-job queue.
// Jobs are deduplicated per connection so repeated sweeps do not pile
// up work for the same credential.
type RefreshEnqueuer struct {
	enqueuer queue.Enqueuer
}

func NewRefreshEnqueuer(enqueuer queue.Enqueuer) *RefreshEnqueuer {
	return &RefreshEnqueuer{enqueuer: enqueuer}
}

func (a *RefreshEnqueuer) EnqueueRefresh(ctx context.Context, refresh core.RefreshJob) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	connectionID := strings.TrimSpace(refresh.ConnectionID)
	if connectionID == "" {
		return fmt.Errorf("gojob: connection id is required")
	}
	_, err := a.enqueuer.Enqueue(ctx, ToExecutionMessage(refresh))
	return err
}

// ToExecutionMessage maps a refresh job onto the go-job wire contract.
func ToExecutionMessage(refresh core.RefreshJob) *job.ExecutionMessage {
	connectionID := strings.TrimSpace(refresh.ConnectionID)
	parameters := map[string]any{
		paramConnectionID: connectionID,
		paramBroker:       refresh.Broker.String(),
	}
	if !refresh.ExpiresAt.IsZero() {
		parameters[paramExpiresAt] = refresh.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDRefresh,
		Parameters:     parameters,
		IdempotencyKey: JobIDRefresh + "::" + connectionID,
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

// FromExecutionMessage recovers the refresh job from a dequeued
// message. Unknown or foreign job ids are rejected.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.RefreshJob, error) {
	if msg == nil {
		return core.RefreshJob{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRefresh {
		return core.RefreshJob{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}

	refresh := core.RefreshJob{}
	if raw, ok := msg.Parameters[paramConnectionID].(string); ok {
		refresh.ConnectionID = strings.TrimSpace(raw)
	}
	if refresh.ConnectionID == "" {
		return core.RefreshJob{}, fmt.Errorf("gojob: refresh job missing connection id")
	}
	if raw, ok := msg.Parameters[paramBroker].(string); ok {
		if parsed, err := core.ParseBrokerType(raw); err == nil {
			refresh.Broker = parsed
		}
	}
	if raw, ok := msg.Parameters[paramExpiresAt].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			refresh.ExpiresAt = parsed
		}
	}
	return refresh, nil
}

// RefreshRunner is the worker-side handler: it drains refresh
// deliveries into the service's bounded retry loop.
type RefreshRunner struct {
	service *core.Service
	options core.RefreshRunOptions
}

func NewRefreshRunner(service *core.Service, options core.RefreshRunOptions) *RefreshRunner {
	return &RefreshRunner{service: service, options: options}
}

func (r *RefreshRunner) Handle(ctx context.Context, delivery queue.Delivery) error {
	if r == nil || r.service == nil {
		return fmt.Errorf("gojob: refresh runner is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}

	refresh, err := FromExecutionMessage(delivery.Message())
	if err != nil {
		// Malformed payloads can never succeed; drop instead of requeue.
		_ = delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: err.Error()})
		return err
	}

	result, runErr := r.service.RunRefreshWithRetry(ctx, core.RefreshRequest{
		ConnectionID: refresh.ConnectionID,
		Broker:       refresh.Broker,
	}, r.options)
	if runErr != nil {
		if result.RequiresReauth || !core.IsRetryable(runErr) {
			_ = delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: runErr.Error()})
		} else {
			_ = delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionRetry, Reason: runErr.Error()})
		}
		return runErr
	}
	return delivery.Ack(ctx)
}

var _ core.RefreshJobEnqueuer = (*RefreshEnqueuer)(nil)

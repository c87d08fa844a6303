// Package destinations implements the per-sink delivery backends the
// output delivery manager (J) dispatches rendered task output to.
package destinations

import (
	"context"
	"time"
)

// TaskOutput is the rendered result handed to a destination: raw bytes
// plus the decoded form templates can dotted-path into.
type TaskOutput struct {
	Raw     []byte
	Decoded map[string]any
}

// DeliveryContext carries the variables every template render during
// delivery is guaranteed: job/task identity, execution id, and a fixed
// RFC3339 timestamp for the whole delivery attempt.
type DeliveryContext struct {
	JobID       string
	TaskID      string
	TaskName    string
	ExecutionID string
	Timestamp   string
}

func (d DeliveryContext) Vars(output TaskOutput) map[string]any {
	return map[string]any{
		"job_id":       d.JobID,
		"task_id":      d.TaskID,
		"task_name":    d.TaskName,
		"execution_id": d.ExecutionID,
		"timestamp":    d.Timestamp,
		"output":       output.Decoded,
	}
}

// DeliveryResult is what a successful or failed Deliver call reports back
// to the manager (and, through it, to metrics).
type DeliveryResult struct {
	Success         bool
	Bytes           int64
	Duration        time.Duration
	ResponseSnippet string
	ErrorKind       string
	Err             error
}

// Destination is the common per-sink contract every concrete backend
// (filesystem, webhook, ...) implements.
type Destination interface {
	Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (DeliveryResult, error)
	ValidateConfig() error
	DestinationType() string
	SupportsRetry() bool
	EstimatedDeliveryTime() time.Duration
}

// CapacityExceededError is returned when a payload or response crosses a
// destination's configured size limit.
type CapacityExceededError struct {
	Limit   int64
	Actual  int64
	Subject string
}

func (e CapacityExceededError) Error() string {
	return "destinations: " + e.Subject + " exceeds capacity limit"
}

// ErrNotImplemented marks a destination feature that is deliberately
// absent rather than silently degraded.
type ErrNotImplemented struct {
	Feature string
}

func (e ErrNotImplemented) Error() string {
	return "destinations: " + e.Feature + " not implemented"
}

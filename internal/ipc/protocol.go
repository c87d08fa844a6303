// Package ipc implements the newline-delimited JSON envelope protocol the
// worker pool speaks to its subprocess workers over stdio, grounded on
// the coordinator/worker message contract the original Rust
// implementation's ratchet-ipc/src/protocol.rs and
// ratchet-lib/src/execution/ipc.rs define.
package ipc

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the wire envelope shape changes
// incompatibly. A mismatch between coordinator and worker is always a
// hard failure — no negotiation.
const ProtocolVersion = 1

var (
	ErrSerialization           = errors.New("ipc: serialization failed")
	ErrDeserialization         = errors.New("ipc: deserialization failed")
	ErrIO                      = errors.New("ipc: io failure")
	ErrConnectionClosed        = errors.New("ipc: connection closed")
	ErrProtocolVersionMismatch = errors.New("ipc: protocol version mismatch")
	ErrTimeout                 = errors.New("ipc: timed out waiting for response")
)

// Envelope wraps every message crossing the stdio boundary with the
// protocol version and a timestamp, independent of the message's own
// type tag.
type Envelope[T any] struct {
	ProtocolVersion int       `json:"protocol_version"`
	Timestamp       time.Time `json:"timestamp"`
	Message         T         `json:"message"`
}

// NewEnvelope stamps the current ProtocolVersion and time onto msg.
func NewEnvelope[T any](msg T) Envelope[T] {
	return Envelope[T]{ProtocolVersion: ProtocolVersion, Timestamp: time.Now(), Message: msg}
}

// IsCompatible reports whether this envelope's version matches ours.
func (e Envelope[T]) IsCompatible() bool {
	return e.ProtocolVersion == ProtocolVersion
}

// ExecutionContext is the opaque-to-the-worker addressing info attached
// to an ExecuteTask request. Of these fields only ExecutionID comes back,
// in TaskResult; the coordinator routes the response by its
// CorrelationID.
type ExecutionContext struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	JobID       *uuid.UUID `json:"job_id,omitempty"`
	TaskID      uuid.UUID  `json:"task_id"`
	TaskVersion string     `json:"task_version"`
}

// Typed is implemented by every concrete worker/coordinator message; the
// "type" field it reports is the wire discriminant, generalizing the
// teacher's runtime.Handler.Type() dispatch-key idiom to wire messages
// instead of in-process job handlers.
type Typed interface {
	Type() string
}

// --- Worker-bound messages (coordinator -> worker) ---

type ExecuteTask struct {
	CorrelationID    uuid.UUID        `json:"correlation_id"`
	JobID            *uuid.UUID       `json:"job_id,omitempty"`
	TaskID           uuid.UUID        `json:"task_id"`
	TaskPath         string           `json:"task_path"`
	InputData        []byte           `json:"input_data"`
	ExecutionContext ExecutionContext `json:"execution_context"`
}

func (ExecuteTask) Type() string { return "execute_task" }

type ValidateTask struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	TaskID        uuid.UUID `json:"task_id"`
	TaskPath      string    `json:"task_path"`
}

func (ValidateTask) Type() string { return "validate_task" }

type Ping struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func (Ping) Type() string { return "ping" }

type Shutdown struct {
	GracePeriod time.Duration `json:"grace_period"`
}

func (Shutdown) Type() string { return "shutdown" }

// --- Coordinator-bound messages (worker -> coordinator) ---

type TaskResult struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ExecutionID   uuid.UUID `json:"execution_id"`
	Success       bool      `json:"success"`
	OutputData    []byte    `json:"output_data,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
}

func (TaskResult) Type() string { return "task_result" }

type ValidationResult struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	TaskID        uuid.UUID `json:"task_id"`
	Valid         bool      `json:"valid"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

func (ValidationResult) Type() string { return "validation_result" }

// TaskProgress is an unsolicited, unary progress notification a worker
// may send while an ExecuteTask is in flight; present in the newer
// ipc.rs coordinator-message union but absent from the older
// protocol.rs, included here since it is the more complete contract.
type TaskProgress struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ExecutionID   uuid.UUID `json:"execution_id"`
	Percent       int       `json:"percent"`
	Message       string    `json:"message,omitempty"`
}

func (TaskProgress) Type() string { return "task_progress" }

type Pong struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	PID           int       `json:"pid"`
}

func (Pong) Type() string { return "pong" }

type Error struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
}

func (Error) Type() string { return "error" }

type Ready struct {
	PID int `json:"pid"`
}

func (Ready) Type() string { return "ready" }

// WorkerMessage is the tagged union the coordinator sends down to a
// worker: exactly one of the pointer fields is non-nil, selected by Kind.
// Go has no sum type, so this mirrors the shape a Rust #[serde(tag =
// "type")] enum produces on the wire without a custom MarshalJSON.
type WorkerMessage struct {
	Kind         string        `json:"type"`
	ExecuteTask  *ExecuteTask  `json:"execute_task,omitempty"`
	ValidateTask *ValidateTask `json:"validate_task,omitempty"`
	Ping         *Ping         `json:"ping,omitempty"`
	Shutdown     *Shutdown     `json:"shutdown,omitempty"`
}

func NewExecuteTask(m ExecuteTask) WorkerMessage  { return WorkerMessage{Kind: m.Type(), ExecuteTask: &m} }
func NewValidateTask(m ValidateTask) WorkerMessage {
	return WorkerMessage{Kind: m.Type(), ValidateTask: &m}
}
func NewPing(m Ping) WorkerMessage         { return WorkerMessage{Kind: m.Type(), Ping: &m} }
func NewShutdown(m Shutdown) WorkerMessage { return WorkerMessage{Kind: m.Type(), Shutdown: &m} }

// CoordinatorMessage is the tagged union a worker sends back up.
type CoordinatorMessage struct {
	Kind             string            `json:"type"`
	TaskResult       *TaskResult       `json:"task_result,omitempty"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	TaskProgress     *TaskProgress     `json:"task_progress,omitempty"`
	Pong             *Pong             `json:"pong,omitempty"`
	Error            *Error            `json:"error,omitempty"`
	Ready            *Ready            `json:"ready,omitempty"`
}

func NewTaskResult(m TaskResult) CoordinatorMessage {
	return CoordinatorMessage{Kind: m.Type(), TaskResult: &m}
}
func NewValidationResult(m ValidationResult) CoordinatorMessage {
	return CoordinatorMessage{Kind: m.Type(), ValidationResult: &m}
}
func NewTaskProgress(m TaskProgress) CoordinatorMessage {
	return CoordinatorMessage{Kind: m.Type(), TaskProgress: &m}
}
func NewPong(m Pong) CoordinatorMessage  { return CoordinatorMessage{Kind: m.Type(), Pong: &m} }
func NewError(m Error) CoordinatorMessage { return CoordinatorMessage{Kind: m.Type(), Error: &m} }
func NewReady(m Ready) CoordinatorMessage { return CoordinatorMessage{Kind: m.Type(), Ready: &m} }

// CorrelationID extracts the request-matching id carried by whichever
// variant is set, or uuid.Nil for the one-way Ready message.
func (m CoordinatorMessage) CorrelationID() uuid.UUID {
	switch {
	case m.TaskResult != nil:
		return m.TaskResult.CorrelationID
	case m.ValidationResult != nil:
		return m.ValidationResult.CorrelationID
	case m.TaskProgress != nil:
		return m.TaskProgress.CorrelationID
	case m.Pong != nil:
		return m.Pong.CorrelationID
	case m.Error != nil:
		return m.Error.CorrelationID
	default:
		return uuid.Nil
	}
}

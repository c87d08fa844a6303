package ipc_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub006/internal/ipc"
)

func TestCodec_RoundTripsExecuteTask(t *testing.T) {
	var buf bytes.Buffer
	msg := ipc.NewExecuteTask(ipc.ExecuteTask{
		CorrelationID: uuid.New(),
		TaskID:        uuid.New(),
		TaskPath:      "/tasks/send-webhook.wasm",
		InputData:     []byte(`{"hello":"world"}`),
	})

	if err := ipc.WriteWorkerMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ipc.ReadWorkerMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != "execute_task" || got.ExecuteTask == nil {
		t.Fatalf("expected decoded execute_task, got %+v", got)
	}
	if got.ExecuteTask.TaskID != msg.ExecuteTask.TaskID {
		t.Fatalf("task id mismatch: got %v want %v", got.ExecuteTask.TaskID, msg.ExecuteTask.TaskID)
	}
}

func TestCodec_EmptyReadIsConnectionClosed(t *testing.T) {
	_, err := ipc.ReadWorkerMessage(bufio.NewReader(bytes.NewReader(nil)))
	if err != ipc.ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestCodec_VersionMismatchRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"protocol_version":999,"timestamp":"2024-01-01T00:00:00Z","message":{"type":"ping","ping":{}}}` + "\n")

	_, err := ipc.ReadWorkerMessage(bufio.NewReader(&buf))
	if err == nil {
		t.Fatalf("expected protocol version mismatch error")
	}
}

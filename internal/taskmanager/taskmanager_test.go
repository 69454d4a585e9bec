package taskmanager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(config.TaskManagerConfig{
		MaxTasks:        5,
		EvictFraction:   0.5,
		TaskTimeout:     config.Duration{Duration: time.Hour},
		CleanupInterval: config.Duration{Duration: 60 * time.Second},
		DefaultPageSize: 10,
		MaxPageSize:     200,
	}, nil, zerolog.Nop())
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)
	task := m.Create("search", json.RawMessage(`{"q":"x"}`), "pk_abc", "sess1")
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	if _, err := m.StartTask(task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.UpdateProgress(task.ID, 150, "halfway"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := m.Get(task.ID)
	if got.Progress != 100 {
		t.Fatalf("expected clamp to 100, got %d", got.Progress)
	}

	done, err := m.Complete(task.ID, json.RawMessage(`{"ok":true}`), nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.DurationMs == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	if _, err := m.Cancel(task.ID); err != ErrTerminal {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestManager_CancelPending(t *testing.T) {
	m := newTestManager(t)
	task := m.Create("t", nil, "", "")
	cancelled, err := m.Cancel(task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestManager_UnknownTask(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_EvictionOnOverflow(t *testing.T) {
	m := newTestManager(t)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		task := m.Create("t", nil, "", "")
		m.Complete(task.ID, nil, nil)
		ids = append(ids, task.ID)
	}
	// The 5th creation already reached maxTasks=5 and evicted; the 6th must
	// not push the table to 6.
	m.Create("t", nil, "", "")

	m.mu.Lock()
	count := len(m.tasks)
	m.mu.Unlock()
	if count >= 6 {
		t.Fatalf("expected eviction to keep table below 6, got %d", count)
	}
}

func TestManager_SweepTimeouts(t *testing.T) {
	m := New(config.TaskManagerConfig{
		TaskTimeout:     config.Duration{Duration: time.Nanosecond},
		CleanupInterval: config.Duration{Duration: 60 * time.Second},
	}, nil, zerolog.Nop())
	task := m.Create("slow", nil, "", "")
	m.sweepTimeouts()
	got, _ := m.Get(task.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected task to time out to failed, got %s", got.Status)
	}
}

func TestDispatch_SendGetCancel(t *testing.T) {
	m := newTestManager(t)
	res := m.Dispatch("tasks/send", json.RawMessage(`{"toolName":"search","arguments":{}}`), "pk_1", "s1")
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	var created Task
	if err := json.Unmarshal([]byte(res.Content[0].Text), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res = m.Dispatch("tasks/get", json.RawMessage(`{"id":"`+created.ID+`"}`), "pk_1", "s1")
	if res.IsError {
		t.Fatalf("get failed: %+v", res)
	}

	res = m.Dispatch("tasks/cancel", json.RawMessage(`{"id":"`+created.ID+`"}`), "pk_1", "s1")
	if res.IsError {
		t.Fatalf("cancel failed: %+v", res)
	}

	res = m.Dispatch("tasks/unknown", json.RawMessage(`{}`), "", "")
	if !res.IsError {
		t.Fatalf("expected error for unknown method")
	}
}

func TestDispatch_List(t *testing.T) {
	m := newTestManager(t)
	m.Create("a", nil, "pk_1", "")
	m.Create("b", nil, "pk_1", "")
	res := m.Dispatch("tasks/list", json.RawMessage(`{}`), "pk_1", "")
	if res.IsError {
		t.Fatalf("list failed: %+v", res)
	}
}

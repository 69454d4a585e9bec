// Package taskmanager implements the async task lifecycle state machine
// spec.md §4.6 describes for long-running tool invocations dispatched over
// the tasks/{send,get,result,list,cancel} JSON-RPC surface.
package taskmanager

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/metrics"
)

// Status is one of the five task lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is an async tool invocation tracked by the manager.
type Task struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	ToolName       string          `json:"toolName"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	APIKeyPrefix   string          `json:"apiKeyPrefix,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message,omitempty"`
	CreditsCharged int64           `json:"creditsCharged"`
	OutcomeCredits *int64          `json:"outcomeCredits,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMs     *int64          `json:"durationMs,omitempty"`
}

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("taskmanager: task not found")
	// ErrTerminal is returned when a transition is attempted on a task
	// already in a terminal state.
	ErrTerminal = errors.New("taskmanager: task already in terminal state")
)

// Manager owns the task table exclusively; callers only ever hold opaque ids.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // insertion order, oldest first

	maxTasks        int
	evictFraction   float64
	taskTimeout     time.Duration
	cleanupInterval time.Duration
	defaultPageSize int
	maxPageSize     int

	metrics *metrics.Metrics
	logger  zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager from TaskManagerConfig, applying spec defaults for
// zero-valued fields.
func New(cfg config.TaskManagerConfig, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10000
	}
	evictFraction := cfg.EvictFraction
	if evictFraction <= 0 {
		evictFraction = 0.10
	}
	timeout := cfg.TaskTimeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cleanup := cfg.CleanupInterval.Duration
	if cleanup < 60*time.Second {
		cleanup = 60 * time.Second
	}
	defaultPageSize := cfg.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = 20
	}
	maxPageSize := cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 200
	}

	return &Manager{
		tasks:           make(map[string]*Task),
		maxTasks:        maxTasks,
		evictFraction:   evictFraction,
		taskTimeout:     timeout,
		cleanupInterval: cleanup,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		metrics:         m,
		logger:          logger.With().Str("component", "taskmanager").Logger(),
	}
}

// Start launches the timeout sweep loop (every cleanupInterval, at least 60s).
func (m *Manager) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop()
}

// Close stops the sweep loop, satisfying io.Closer for lifecycle.Manager.
func (m *Manager) Close() error {
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	<-m.done
	return nil
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

// Create registers a new pending task.
func (m *Manager) Create(toolName string, arguments json.RawMessage, apiKeyPrefix, sessionID string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Task{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		ToolName:     toolName,
		Arguments:    arguments,
		APIKeyPrefix: apiKeyPrefix,
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	m.evictIfNeededLocked()
	if m.metrics != nil {
		m.metrics.TasksTotal.WithLabelValues(string(StatusPending)).Inc()
	}
	out := *t
	return &out
}

// Get returns a copy of the task, or ErrNotFound.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

// StartTask transitions pending -> running.
func (m *Manager) StartTask(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.terminal() {
		return nil, ErrTerminal
	}
	if t.Status == StatusPending {
		now := time.Now().UTC()
		t.StartedAt = &now
		t.Status = StatusRunning
	}
	out := *t
	return &out, nil
}

// UpdateProgress clamps progress into [0,100] on a pending or running task.
func (m *Manager) UpdateProgress(id string, progress int, message string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.terminal() {
		return nil, ErrTerminal
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	if message != "" {
		t.Message = message
	}
	out := *t
	return &out, nil
}

// Complete transitions pending|running -> completed.
func (m *Manager) Complete(id string, result json.RawMessage, outcomeCredits *int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.terminal() {
		return nil, ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.Progress = 100
	t.Result = result
	t.OutcomeCredits = outcomeCredits
	t.CompletedAt = &now
	m.setDurationLocked(t, now)
	if m.metrics != nil {
		m.metrics.TasksTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	out := *t
	return &out, nil
}

// Fail transitions pending|running -> failed.
func (m *Manager) Fail(id string, errMsg string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.terminal() {
		return nil, ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = &now
	m.setDurationLocked(t, now)
	if m.metrics != nil {
		m.metrics.TasksTotal.WithLabelValues(string(StatusFailed)).Inc()
	}
	out := *t
	return &out, nil
}

// Cancel transitions pending|running -> cancelled.
func (m *Manager) Cancel(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.terminal() {
		return nil, ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	m.setDurationLocked(t, now)
	if m.metrics != nil {
		m.metrics.TasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
	}
	out := *t
	return &out, nil
}

func (m *Manager) setDurationLocked(t *Task, now time.Time) {
	var start time.Time
	if t.StartedAt != nil {
		start = *t.StartedAt
	} else {
		start = t.CreatedAt
	}
	d := now.Sub(start).Milliseconds()
	t.DurationMs = &d
}

// ListQuery filters/paginates List.
type ListQuery struct {
	APIKeyPrefix string
	SessionID    string
	Status       Status
	Cursor       int
	PageSize     int
}

// ListResult is a page of tasks plus the next cursor, if any.
type ListResult struct {
	Tasks      []Task
	NextCursor int
	HasMore    bool
}

// List returns tasks sorted by createdAt descending, cursor-paginated.
func (m *Manager) List(q ListQuery) ListResult {
	m.mu.Lock()
	all := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if q.APIKeyPrefix != "" && t.APIKeyPrefix != q.APIKeyPrefix {
			continue
		}
		if q.SessionID != "" && t.SessionID != q.SessionID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		all = append(all, *t)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = m.defaultPageSize
	}
	if pageSize > m.maxPageSize {
		pageSize = m.maxPageSize
	}
	cursor := q.Cursor
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(all) {
		return ListResult{Tasks: []Task{}}
	}
	end := cursor + pageSize
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := all[cursor:end]
	next := end
	if !hasMore {
		next = 0
	}
	return ListResult{Tasks: page, NextCursor: next, HasMore: hasMore}
}

// ParseCursor parses a base-10 numeric cursor string, defaulting to 0.
func ParseCursor(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (m *Manager) sweepTimeouts() {
	now := time.Now().UTC()
	m.mu.Lock()
	var timedOut []string
	for id, t := range m.tasks {
		if t.Status.terminal() {
			continue
		}
		if now.Sub(t.CreatedAt) > m.taskTimeout {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		t := m.tasks[id]
		t.Status = StatusFailed
		t.Error = "task timed out"
		t.CompletedAt = &now
		m.setDurationLocked(t, now)
		if m.metrics != nil {
			m.metrics.TaskTimeoutsTotal.Inc()
			m.metrics.TasksTotal.WithLabelValues(string(StatusFailed)).Inc()
		}
	}
	m.evictIfNeededLocked()
	m.mu.Unlock()

	if len(timedOut) > 0 {
		m.logger.Debug().Int("count", len(timedOut)).Msg("taskmanager.sweep_timeouts")
	}
}

// evictIfNeededLocked must be called with m.mu held. It evicts the oldest
// terminal tasks (by completedAt, falling back to createdAt) when the table
// is at or above maxTasks, removing at least one and up to evictFraction of
// the terminal cohort.
func (m *Manager) evictIfNeededLocked() {
	if len(m.tasks) < m.maxTasks {
		return
	}
	terminal := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.Status.terminal() {
			terminal = append(terminal, t)
		}
	}
	if len(terminal) == 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminalSortKey(terminal[i]).Before(terminalSortKey(terminal[j]))
	})

	evictCount := int(float64(len(terminal)) * m.evictFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(terminal) {
		evictCount = len(terminal)
	}
	for i := 0; i < evictCount; i++ {
		delete(m.tasks, terminal[i].ID)
	}
	if m.metrics != nil {
		m.metrics.TaskEvictionsTotal.Add(float64(evictCount))
	}

	survivors := make([]string, 0, len(m.tasks))
	for _, id := range m.order {
		if _, ok := m.tasks[id]; ok {
			survivors = append(survivors, id)
		}
	}
	m.order = survivors
}

func terminalSortKey(t *Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.CreatedAt
}

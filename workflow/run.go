package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

var ErrRunNotFound = errors.New("workflow: run not found")

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is the persisted progress of one workflow execution. Step is the index
// of the next step to execute and State carries the serializable values
// steps hand to each other.
type Run struct {
	ID          string
	Workflow    string
	Key         string
	Status      RunStatus
	Step        int
	StepName    string
	Attempts    int
	State       map[string]string
	LastError   string
	NextRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (r Run) Get(key string) string {
	if r.State == nil {
		return ""
	}
	return r.State[key]
}

func (r *Run) Set(key string, value string) {
	if r.State == nil {
		r.State = map[string]string{}
	}
	r.State[key] = value
}

// Due reports whether a pending or waiting run may execute at now.
func (r Run) Due(now time.Time) bool {
	if r.Status != RunStatusPending && r.Status != RunStatusWaiting {
		return false
	}
	return r.NextRunAt == nil || !r.NextRunAt.After(now)
}

type RunStore interface {
	// Create stores run unless a run with the same key exists, in which case
	// the existing run is returned with created=false.
	Create(ctx context.Context, run Run) (Run, bool, error)
	Get(ctx context.Context, id string) (Run, error)
	Update(ctx context.Context, run Run) error
	// Claim marks a due run as running. A running run whose UpdatedAt is
	// older than lease is considered abandoned and may be claimed again.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (Run, bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Run, error)
}

type MemoryRunStore struct {
	mu    sync.Mutex
	runs  map[string]Run
	byKey map[string]string
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[string]Run{}, byKey: map[string]string{}}
}

func (s *MemoryRunStore) Create(_ context.Context, run Run) (Run, bool, error) {
	if strings.TrimSpace(run.ID) == "" || strings.TrimSpace(run.Workflow) == "" {
		return Run{}, false, fmt.Errorf("workflow: run id and workflow are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key := strings.TrimSpace(run.Key); key != "" {
		if id, ok := s.byKey[key]; ok {
			return cloneRun(s.runs[id]), false, nil
		}
		s.byKey[key] = run.ID
	}
	s.runs[run.ID] = cloneRun(run)
	return cloneRun(run), true, nil
}

func (s *MemoryRunStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryRunStore) Update(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return Run{}, false, ErrRunNotFound
	}
	if !Claimable(run, now, lease) {
		return cloneRun(run), false, nil
	}
	run.Status = RunStatusRunning
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return cloneRun(run), true, nil
}

func (s *MemoryRunStore) ListDue(_ context.Context, now time.Time, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0)
	for _, run := range s.runs {
		if run.Due(now) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claimable reports whether run may be claimed at now.
func Claimable(run Run, now time.Time, lease time.Duration) bool {
	if run.Due(now) {
		return true
	}
	return run.Status == RunStatusRunning && lease > 0 && run.UpdatedAt.Add(lease).Before(now)
}

func cloneRun(run Run) Run {
	if run.State != nil {
		state := make(map[string]string, len(run.State))
		for key, value := range run.State {
			state[key] = value
		}
		run.State = state
	}
	if run.NextRunAt != nil {
		at := *run.NextRunAt
		run.NextRunAt = &at
	}
	if run.CompletedAt != nil {
		at := *run.CompletedAt
		run.CompletedAt = &at
	}
	return run
}

func newRunID(now time.Time) string {
	return core.NewSortableID(now)
}

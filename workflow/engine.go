// Package workflow runs named, resumable step sequences.
//
// Progress is checkpointed to a RunStore after every step, so a run can be
// resumed by any worker after a crash. Steps must be idempotent: a step
// that failed half way is executed again from the start.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

// ErrStop ends a run successfully without executing the remaining steps.
var ErrStop = errors.New("workflow: stop")

type StepFunc func(ctx context.Context, run *Run) error

type Step struct {
	Name string
	// MaxAttempts overrides the engine default. 1 disables retries.
	MaxAttempts int
	Run         StepFunc
}

type Definition struct {
	Name  string
	Steps []Step
	// OnFailure runs once after a step exhausted its attempts.
	OnFailure func(ctx context.Context, run Run, cause error) error
}

// Scheduler resumes waiting runs at a later time. Engines without a
// scheduler rely on RunDue polling.
type Scheduler interface {
	ScheduleResume(ctx context.Context, run Run, at time.Time) error
}

type StepError struct {
	Workflow string
	RunID    string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow: %s step %s failed after %d attempt(s): %v", e.Workflow, e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent permanentError
	return errors.As(err, &permanent) || core.IsPermanentProviderError(err)
}

type Engine struct {
	Store       RunStore
	MaxAttempts int
	Backoff     core.BackoffScheduler
	Lease       time.Duration
	Interval    time.Duration
	Scheduler   Scheduler
	Observer    core.Observer
	Now         func() time.Time

	mu          sync.RWMutex
	definitions map[string]Definition
}

func NewEngine(store RunStore, cfg core.WorkflowConfig, observer core.Observer) *Engine {
	backoff := cfg.StepBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Engine{
		Store:       store,
		MaxAttempts: cfg.StepMaxAttempts,
		Backoff:     core.ExponentialBackoff{Initial: backoff, Max: 16 * backoff},
		Lease:       5 * time.Minute,
		Interval:    cfg.PollInterval,
		Observer:    observer,
		definitions: map[string]Definition{},
	}
}

func (e *Engine) Register(def Definition) error {
	if e == nil {
		return fmt.Errorf("workflow: engine is nil")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("workflow: definition name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow: %s has no steps", def.Name)
	}
	for _, step := range def.Steps {
		if strings.TrimSpace(step.Name) == "" || step.Run == nil {
			return fmt.Errorf("workflow: %s has a step without name or func", def.Name)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.definitions == nil {
		e.definitions = map[string]Definition{}
	}
	if _, exists := e.definitions[def.Name]; exists {
		return fmt.Errorf("workflow: %s already registered", def.Name)
	}
	e.definitions[def.Name] = def
	return nil
}

// Start creates a run and executes it until it completes, fails or waits
// for a retry. Starting an existing key resumes or returns that run.
func (e *Engine) Start(ctx context.Context, workflow string, key string, state map[string]string) (Run, error) {
	run, created, err := e.create(ctx, workflow, key, state, nil)
	if err != nil {
		return Run{}, err
	}
	if !created {
		switch run.Status {
		case RunStatusSucceeded, RunStatusRunning:
			return run, nil
		case RunStatusFailed:
			return run, &StepError{Workflow: run.Workflow, RunID: run.ID, Step: run.StepName, Attempts: run.Attempts, Err: errors.New(run.LastError)}
		}
	}
	return e.Resume(ctx, run.ID)
}

// Schedule creates a run that becomes due at at.
func (e *Engine) Schedule(ctx context.Context, workflow string, key string, state map[string]string, at time.Time) (Run, error) {
	at = at.UTC()
	run, created, err := e.create(ctx, workflow, key, state, &at)
	if err != nil || !created {
		return run, err
	}
	e.schedule(ctx, run, at)
	return run, nil
}

// Resume claims a due run and executes its remaining steps.
func (e *Engine) Resume(ctx context.Context, id string) (Run, error) {
	if e == nil || e.Store == nil {
		return Run{}, fmt.Errorf("workflow: engine requires a run store")
	}
	run, claimed, err := e.Store.Claim(ctx, id, e.now(), e.Lease)
	if err != nil {
		return Run{}, err
	}
	if !claimed {
		return run, nil
	}
	def, ok := e.definition(run.Workflow)
	if !ok {
		run.Status = RunStatusFailed
		run.LastError = "unknown workflow " + run.Workflow
		_ = e.Store.Update(ctx, run)
		return run, fmt.Errorf("workflow: unknown workflow %q", run.Workflow)
	}
	return e.execute(ctx, def, run)
}

// RunDue resumes up to limit runs whose retry or start time has passed.
func (e *Engine) RunDue(ctx context.Context, limit int) (int, error) {
	if e == nil || e.Store == nil {
		return 0, fmt.Errorf("workflow: engine requires a run store")
	}
	runs, err := e.Store.ListDue(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs error
	for _, run := range runs {
		if _, err := e.Resume(ctx, run.ID); err != nil {
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				errs = errors.Join(errs, err)
			}
		}
		resumed++
	}
	return resumed, errs
}

// Run polls for due runs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, batch int) error {
	interval := e.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunDue(ctx, batch); err != nil {
			e.Observer.Warn(ctx, "workflow poll failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) create(ctx context.Context, workflow string, key string, state map[string]string, at *time.Time) (Run, bool, error) {
	if e == nil || e.Store == nil {
		return Run{}, false, fmt.Errorf("workflow: engine requires a run store")
	}
	workflow = strings.TrimSpace(workflow)
	if _, ok := e.definition(workflow); !ok {
		return Run{}, false, fmt.Errorf("workflow: unknown workflow %q", workflow)
	}
	now := e.now()
	run := Run{
		ID:        newRunID(now),
		Workflow:  workflow,
		Key:       strings.TrimSpace(key),
		Status:    RunStatusPending,
		NextRunAt: at,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for name, value := range state {
		run.Set(name, value)
	}
	return e.Store.Create(ctx, run)
}

func (e *Engine) execute(ctx context.Context, def Definition, run Run) (Run, error) {
	for run.Step < len(def.Steps) {
		step := def.Steps[run.Step]
		run.StepName = step.Name
		run.Attempts++
		run.Status = RunStatusRunning
		run.UpdatedAt = e.now()
		if err := e.Store.Update(ctx, run); err != nil {
			return run, err
		}

		startedAt := time.Now()
		err := step.Run(ctx, &run)
		stopped := errors.Is(err, ErrStop)
		fields := map[string]any{
			"workflow": def.Name,
			"step":     step.Name,
			"run_id":   run.ID,
			"attempt":  run.Attempts,
		}
		if stopped {
			e.Observer.Observe(ctx, startedAt, "workflow.step", nil, fields)
		} else {
			e.Observer.Observe(ctx, startedAt, "workflow.step", err, fields)
		}

		now := e.now()
		if err == nil || stopped {
			run.Step++
			if stopped {
				run.Step = len(def.Steps)
			}
			run.Attempts = 0
			run.LastError = ""
			run.NextRunAt = nil
			run.UpdatedAt = now
			if err := e.Store.Update(ctx, run); err != nil {
				return run, err
			}
			continue
		}

		run.LastError = err.Error()
		run.UpdatedAt = now
		maxAttempts := step.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = e.maxAttempts()
		}
		if IsPermanent(err) || run.Attempts >= maxAttempts {
			run.Status = RunStatusFailed
			run.CompletedAt = &now
			if updateErr := e.Store.Update(ctx, run); updateErr != nil {
				return run, errors.Join(err, updateErr)
			}
			stepErr := &StepError{Workflow: def.Name, RunID: run.ID, Step: step.Name, Attempts: run.Attempts, Err: err}
			if def.OnFailure != nil {
				if failureErr := def.OnFailure(ctx, run, stepErr); failureErr != nil {
					e.Observer.Error(ctx, "workflow failure handler failed", map[string]any{
						"workflow": def.Name,
						"run_id":   run.ID,
						"error":    failureErr.Error(),
					})
				}
			}
			return run, stepErr
		}

		next := now.Add(e.backoff().NextDelay(run.Attempts))
		run.Status = RunStatusWaiting
		run.NextRunAt = &next
		if err := e.Store.Update(ctx, run); err != nil {
			return run, err
		}
		e.schedule(ctx, run, next)
		return run, nil
	}

	now := e.now()
	run.Status = RunStatusSucceeded
	run.StepName = ""
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := e.Store.Update(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

func (e *Engine) schedule(ctx context.Context, run Run, at time.Time) {
	if e.Scheduler == nil {
		return
	}
	if err := e.Scheduler.ScheduleResume(ctx, run, at); err != nil {
		e.Observer.Warn(ctx, "workflow resume scheduling failed", map[string]any{
			"workflow": run.Workflow,
			"run_id":   run.ID,
			"error":    err.Error(),
		})
	}
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[strings.TrimSpace(name)]
	return def, ok
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return 5
}

func (e *Engine) backoff() core.BackoffScheduler {
	if e.Backoff != nil {
		return e.Backoff
	}
	return core.ExponentialBackoff{}
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

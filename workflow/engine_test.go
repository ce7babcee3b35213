package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingScheduler struct {
	runs []Run
	at   []time.Time
}

func (s *recordingScheduler) ScheduleResume(_ context.Context, run Run, at time.Time) error {
	s.runs = append(s.runs, run)
	s.at = append(s.at, at)
	return nil
}

func newTestEngine() (*Engine, *MemoryRunStore, *testClock) {
	store := NewMemoryRunStore()
	clock := &testClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, core.WorkflowConfig{StepMaxAttempts: 3, StepBackoff: time.Second}, core.Observer{})
	engine.Now = clock.Now
	return engine, store, clock
}

func TestEngine_RunsStepsInOrderAndPassesState(t *testing.T) {
	engine, _, _ := newTestEngine()
	var order []string
	err := engine.Register(Definition{Name: "demo", Steps: []Step{
		{Name: "one", Run: func(_ context.Context, run *Run) error {
			order = append(order, "one")
			run.Set("value", run.Get("input")+"-1")
			return nil
		}},
		{Name: "two", Run: func(_ context.Context, run *Run) error {
			order = append(order, "two:"+run.Get("value"))
			return nil
		}},
	}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	run, err := engine.Start(context.Background(), "demo", "k1", map[string]string{"input": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != RunStatusSucceeded || run.CompletedAt == nil {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(order) != 2 || order[1] != "two:x-1" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestEngine_StartIsIdempotentPerKey(t *testing.T) {
	engine, _, _ := newTestEngine()
	calls := 0
	_ = engine.Register(Definition{Name: "demo", Steps: []Step{{Name: "one", Run: func(context.Context, *Run) error {
		calls++
		return nil
	}}}})
	first, err := engine.Start(context.Background(), "demo", "same", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := engine.Start(context.Background(), "demo", "same", nil)
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if first.ID != second.ID || calls != 1 {
		t.Fatalf("expected single execution, calls=%d ids=%s/%s", calls, first.ID, second.ID)
	}
}

func TestEngine_RetriesThenResumesFromCheckpoint(t *testing.T) {
	engine, _, clock := newTestEngine()
	scheduler := &recordingScheduler{}
	engine.Scheduler = scheduler
	firstCalls, secondCalls := 0, 0
	_ = engine.Register(Definition{Name: "demo", Steps: []Step{
		{Name: "one", Run: func(context.Context, *Run) error {
			firstCalls++
			return nil
		}},
		{Name: "two", Run: func(context.Context, *Run) error {
			secondCalls++
			if secondCalls == 1 {
				return errors.New("transient")
			}
			return nil
		}},
	}})

	run, err := engine.Start(context.Background(), "demo", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != RunStatusWaiting || run.Step != 1 || run.LastError != "transient" {
		t.Fatalf("expected waiting run at step two, got %+v", run)
	}
	if len(scheduler.at) != 1 || !scheduler.at[0].Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("expected resume scheduled after backoff, got %v", scheduler.at)
	}

	if resumed, _ := engine.RunDue(context.Background(), 10); resumed != 0 {
		t.Fatalf("expected nothing due before backoff")
	}
	clock.Advance(2 * time.Second)
	resumed, err := engine.RunDue(context.Background(), 10)
	if err != nil || resumed != 1 {
		t.Fatalf("expected one resumed run, got %d %v", resumed, err)
	}
	loaded, _ := engine.Store.Get(context.Background(), run.ID)
	if loaded.Status != RunStatusSucceeded {
		t.Fatalf("expected success after resume, got %+v", loaded)
	}
	if firstCalls != 1 || secondCalls != 2 {
		t.Fatalf("expected checkpointed step not to re-run, got %d/%d", firstCalls, secondCalls)
	}
}

func TestEngine_ExhaustedStepFailsAndRunsOnFailure(t *testing.T) {
	engine, _, clock := newTestEngine()
	var failed []string
	_ = engine.Register(Definition{
		Name: "demo",
		Steps: []Step{{Name: "flaky", Run: func(context.Context, *Run) error {
			return errors.New("still down")
		}}},
		OnFailure: func(_ context.Context, run Run, cause error) error {
			failed = append(failed, run.StepName+":"+cause.Error())
			return nil
		},
	})
	run, _ := engine.Start(context.Background(), "demo", "", nil)
	for i := 0; i < 2; i++ {
		clock.Advance(time.Minute)
		if _, err := engine.Resume(context.Background(), run.ID); err != nil && i < 1 {
			t.Fatalf("unexpected early failure: %v", err)
		}
	}
	loaded, _ := engine.Store.Get(context.Background(), run.ID)
	if loaded.Status != RunStatusFailed || loaded.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %+v", loaded)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failure callback, got %v", failed)
	}
}

func TestEngine_PermanentErrorSkipsRetries(t *testing.T) {
	engine, _, _ := newTestEngine()
	calls := 0
	_ = engine.Register(Definition{Name: "demo", Steps: []Step{{Name: "one", Run: func(context.Context, *Run) error {
		calls++
		return Permanent(errors.New("bad code"))
	}}}})
	run, err := engine.Start(context.Background(), "demo", "", nil)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "one" {
		t.Fatalf("expected step error, got %v", err)
	}
	if run.Status != RunStatusFailed || calls != 1 {
		t.Fatalf("expected immediate failure, got %+v calls=%d", run, calls)
	}
}

func TestEngine_StopEndsRunSuccessfully(t *testing.T) {
	engine, _, _ := newTestEngine()
	reached := false
	_ = engine.Register(Definition{Name: "demo", Steps: []Step{
		{Name: "check", Run: func(context.Context, *Run) error { return ErrStop }},
		{Name: "never", Run: func(context.Context, *Run) error {
			reached = true
			return nil
		}},
	}})
	run, err := engine.Start(context.Background(), "demo", "", nil)
	if err != nil || run.Status != RunStatusSucceeded || reached {
		t.Fatalf("expected early success, got %+v %v reached=%v", run, err, reached)
	}
}

func TestEngine_ScheduleWaitsUntilDue(t *testing.T) {
	engine, _, clock := newTestEngine()
	calls := 0
	_ = engine.Register(Definition{Name: "demo", Steps: []Step{{Name: "one", Run: func(context.Context, *Run) error {
		calls++
		return nil
	}}}})
	if _, err := engine.Schedule(context.Background(), "demo", "later", nil, clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n, _ := engine.RunDue(context.Background(), 10); n != 0 || calls != 0 {
		t.Fatalf("expected nothing due yet")
	}
	clock.Advance(time.Hour)
	if n, _ := engine.RunDue(context.Background(), 10); n != 1 || calls != 1 {
		t.Fatalf("expected scheduled run to execute, n=%d calls=%d", n, calls)
	}
}

func TestMemoryRunStore_ClaimIsExclusive(t *testing.T) {
	store := NewMemoryRunStore()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	if _, _, err := store.Create(context.Background(), Run{ID: "r1", Workflow: "demo", Status: RunStatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, first, _ := store.Claim(context.Background(), "r1", now, time.Minute)
	_, second, _ := store.Claim(context.Background(), "r1", now, time.Minute)
	if !first || second {
		t.Fatalf("expected one claim, got %v/%v", first, second)
	}
	_, stale, _ := store.Claim(context.Background(), "r1", now.Add(2*time.Minute), time.Minute)
	if !stale {
		t.Fatalf("expected abandoned run to be claimable after lease")
	}
}

func TestEngine_RegisterValidates(t *testing.T) {
	engine, _, _ := newTestEngine()
	if err := engine.Register(Definition{Name: "empty"}); err == nil {
		t.Fatalf("expected error for definition without steps")
	}
	if _, err := engine.Start(context.Background(), "missing", "", nil); err == nil {
		t.Fatalf("expected unknown workflow error")
	}
}

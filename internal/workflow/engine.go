// Package workflow runs multi-step jobs whose completed steps are logged
// durably, so a restarted run replays finished steps instead of redoing them.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
)

type Engine struct {
	Store        repository.WorkflowRepositoryInterface
	PollInterval time.Duration
	Now          func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewEngine(store repository.WorkflowRepositoryInterface) *Engine {
	return &Engine{
		Store:        store,
		PollInterval: time.Second,
		Now:          func() time.Time { return time.Now().UTC() },
		waiters:      make(map[string]chan struct{}),
	}
}

// Start registers a run. It reports false when the run already existed, in
// which case completed steps will be replayed.
func (e *Engine) Start(ctx context.Context, id string, kind model.JobKind, payload []byte) (*model.WorkflowRun, bool, error) {
	run := &model.WorkflowRun{ID: id, Kind: kind, Payload: payload, Status: model.WorkflowRunning}
	created, err := e.Store.CreateRun(ctx, run)
	if err != nil {
		return nil, false, fmt.Errorf("create workflow run %s: %w", id, err)
	}
	if created {
		return run, true, nil
	}
	existing, err := e.Store.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("workflow run %s vanished", id)
	}
	return existing, false, nil
}

// Finish stores the terminal status of a run.
func (e *Engine) Finish(ctx context.Context, id string, status model.WorkflowStatus, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return e.Store.UpdateRunStatus(ctx, id, status, msg)
}

// Do runs fn once per (workflowID, step). A step already completed returns
// its logged result without calling fn. Errors are not logged, so a failed
// step runs again on the next attempt.
func Do[T any](ctx context.Context, e *Engine, workflowID, step string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	rec, err := e.Store.GetStep(ctx, workflowID, step)
	if err != nil {
		return zero, fmt.Errorf("load step %s/%s: %w", workflowID, step, err)
	}
	if rec != nil && rec.CompletedAt != nil {
		var out T
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &out); err != nil {
				return zero, fmt.Errorf("decode step %s/%s: %w", workflowID, step, err)
			}
		}
		log.Debug().Str("workflow_id", workflowID).Str("step", step).Msg("step replayed")
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode step %s/%s: %w", workflowID, step, err)
	}
	now := e.Now()
	if err := e.Store.SaveStep(ctx, &model.WorkflowStep{
		WorkflowID:  workflowID,
		Name:        step,
		Result:      data,
		CompletedAt: &now,
	}); err != nil {
		return zero, fmt.Errorf("save step %s/%s: %w", workflowID, step, err)
	}
	return out, nil
}

// Done reports whether step already completed.
func (e *Engine) Done(ctx context.Context, workflowID, step string) (bool, error) {
	rec, err := e.Store.GetStep(ctx, workflowID, step)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.CompletedAt != nil, nil
}

// SleepUntil blocks until wake, persisting the wake time so a resumed run
// keeps the original deadline. It returns ErrWorkflowCancelled if the run is
// cancelled while sleeping.
func (e *Engine) SleepUntil(ctx context.Context, workflowID, step string, wake time.Time) error {
	rec, err := e.Store.GetStep(ctx, workflowID, step)
	if err != nil {
		return err
	}
	if rec != nil && rec.CompletedAt != nil {
		return nil
	}
	if rec != nil && rec.WakeAt != nil {
		wake = *rec.WakeAt
	} else {
		w := wake
		if err := e.Store.SaveStep(ctx, &model.WorkflowStep{WorkflowID: workflowID, Name: step, WakeAt: &w}); err != nil {
			return err
		}
	}

	cancelled := e.waiter(workflowID)
	for {
		if err := e.CheckCancelled(ctx, workflowID); err != nil {
			return err
		}
		remaining := wake.Sub(e.Now())
		if remaining <= 0 {
			break
		}
		if remaining > e.PollInterval {
			remaining = e.PollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-cancelled:
			timer.Stop()
			return appErrors.ErrWorkflowCancelled
		case <-timer.C:
		}
	}

	now := e.Now()
	w := wake
	return e.Store.SaveStep(ctx, &model.WorkflowStep{WorkflowID: workflowID, Name: step, WakeAt: &w, CompletedAt: &now})
}

// Sleep pauses for d, returning early on cancellation.
func (e *Engine) Sleep(ctx context.Context, workflowID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.waiter(workflowID):
		return appErrors.ErrWorkflowCancelled
	case <-timer.C:
		return nil
	}
}

// CheckCancelled returns ErrWorkflowCancelled once the run is cancelled.
func (e *Engine) CheckCancelled(ctx context.Context, workflowID string) error {
	run, err := e.Store.GetRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run != nil && run.Status == model.WorkflowCancelled {
		return appErrors.ErrWorkflowCancelled
	}
	return nil
}

// Cancel marks a run cancelled and wakes it if it is sleeping in this
// process. Steps already running are not interrupted. Cancelling an unknown
// id records a cancelled run so a later Start sees it.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	run, err := e.Store.GetRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run == nil {
		// not started yet: leave a tombstone so the run never begins
		if _, err := e.Store.CreateRun(ctx, &model.WorkflowRun{ID: workflowID, Payload: []byte("null"), Status: model.WorkflowCancelled}); err != nil {
			return err
		}
	} else if run.Status != model.WorkflowCancelled {
		if err := e.Store.UpdateRunStatus(ctx, workflowID, model.WorkflowCancelled, ""); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if ch, ok := e.waiters[workflowID]; ok {
		close(ch)
		delete(e.waiters, workflowID)
	}
	e.mu.Unlock()

	log.Info().Str("workflow_id", workflowID).Msg("workflow cancelled")
	return nil
}

func (e *Engine) waiter(workflowID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiters == nil {
		e.waiters = make(map[string]chan struct{})
	}
	ch, ok := e.waiters[workflowID]
	if !ok {
		ch = make(chan struct{})
		e.waiters[workflowID] = ch
	}
	return ch
}

// Release drops the in-process cancel channel of a finished run.
func (e *Engine) Release(workflowID string) {
	e.mu.Lock()
	delete(e.waiters, workflowID)
	e.mu.Unlock()
}

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/taskbridge/pkg/backend"
)

// AsyncResult is the handle of a published invocation.
type AsyncResult struct {
	id   string
	task string
	app  *App
}

func (r *AsyncResult) ID() string { return r.id }

func (r *AsyncResult) TaskName() string { return r.task }

// Get returns the stored result.
func (r *AsyncResult) Get(ctx context.Context) (backend.Result, error) {
	if !r.app.storesResults() {
		return backend.Result{}, ErrNoBackend
	}
	return r.app.backend.Get(ctx, r.id)
}

// State returns the stored state, PENDING when nothing is stored yet.
func (r *AsyncResult) State(ctx context.Context) (backend.State, error) {
	res, err := r.Get(ctx)
	if errors.Is(err, backend.ErrNotFound) {
		return backend.StatePending, nil
	}
	if err != nil {
		return "", err
	}
	return res.State, nil
}

// Wait polls until the invocation is finished or ctx is done.
func (r *AsyncResult) Wait(ctx context.Context, interval time.Duration) (backend.Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := r.Get(ctx)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return backend.Result{}, err
		}
		if err == nil && res.State.Ready() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Decode unmarshals the successful result value into v.
func (r *AsyncResult) Decode(ctx context.Context, v any) error {
	res, err := r.Get(ctx)
	if err != nil {
		return err
	}
	if res.State != backend.StateSuccess {
		return fmt.Errorf("task %s[%s] is %s", r.task, r.id, res.State)
	}
	return json.Unmarshal(res.Value, v)
}

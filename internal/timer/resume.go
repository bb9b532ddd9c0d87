package timer

import (
	"context"
	"errors"

	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/pkg/api"
)

// Resumer is the part of the engine a FireFunc needs.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, trigger api.Event) (*api.WorkflowInstance, error)
}

// ResumeWith returns a FireFunc that delivers a TimerFired event straight to
// the engine.
//
// Logical rejections retire the timer: the instance already consumed the
// timer, finished, or never existed, and retrying cannot change that. Only
// ErrConflict and transient errors keep the timer pending.
func ResumeWith(r Resumer) FireFunc {
	return func(ctx context.Context, t persistence.TimerRequest) error {
		_, err := r.Resume(ctx, t.InstanceID, api.TimerFired(t.InstanceID, t.Key))
		if err == nil || Retire(err) {
			return nil
		}
		return err
	}
}

// Retire reports whether a delivery error means the timer should be dropped
// rather than retried.
func Retire(err error) bool {
	return api.IsLogical(err) && !errors.Is(err, api.ErrConflict)
}

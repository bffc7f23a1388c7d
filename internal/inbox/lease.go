package inbox

import (
	"context"
	"errors"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// AcquireLease tags every id as archiving, or none of them. If any row is
// already leased or gone it returns ErrLeaseHeld and changes nothing.
func AcquireLease(ctx context.Context, staging StagingStore, ids []int64) error {
	if len(ids) == 0 {
		return ErrEmptyConversation
	}
	err := staging.TransitionStatus(ctx, ids, model.StatusNone, model.StatusArchiving)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLeaseHeld):
		return ErrLeaseHeld
	default:
		return storeErr("acquire lease", err)
	}
}

// ReleaseLease clears the archiving status so the rows reappear. Rows that
// were already deleted are ignored.
func ReleaseLease(ctx context.Context, staging StagingStore, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return storeErr("release lease", staging.SetStatus(ctx, ids, model.StatusNone))
}

// withLease runs fn while holding the lease on ids and releases it when fn
// fails. A failed release is joined to fn's error as ErrRollbackFailed.
func withLease(ctx context.Context, staging StagingStore, ids []int64, fn func() error) error {
	if err := AcquireLease(ctx, staging, ids); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		return nil
	}
	if rerr := ReleaseLease(context.WithoutCancel(ctx), staging, ids); rerr != nil {
		return errors.Join(err, ErrRollbackFailed, rerr)
	}
	return err
}

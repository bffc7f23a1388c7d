package inbox

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseHeld means another archive or spam run owns the conversation.
	ErrLeaseHeld           = errors.New("conversation is already being archived")
	ErrEmptyConversation   = errors.New("conversation has no messages")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrQueryTooShort       = errors.New("query too short")
	ErrWorkerFailed        = errors.New("archive worker failed")
	// ErrRollbackFailed is terminal: staging and local state may disagree.
	ErrRollbackFailed = errors.New("rollback failed, reload required")
)

// StoreError marks a failed call to the staging or durable store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err is a store-unavailable failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAlreadyTaken is returned to a helper who lost the acceptance race or
	// tried to accept a request that is no longer broadcasting.
	ErrAlreadyTaken = errors.New("request: already taken")
	// ErrNoCandidates reports that a broadcast reached nobody. The scheduler
	// logs it rather than returning it.
	ErrNoCandidates = errors.New("request: no eligible helpers")
	// ErrInvalidOTP is returned when a submitted code does not match.
	ErrInvalidOTP = errors.New("request: invalid otp")
	// ErrOTPLocked is returned once too many wrong codes were submitted.
	ErrOTPLocked = errors.New("request: otp attempts locked")
	// ErrTerminalState rejects any transition out of completed, cancelled or expired.
	ErrTerminalState = errors.New("request: terminal state")
	// ErrTransientStorage marks storage failures the client may retry.
	ErrTransientStorage = errors.New("request: transient storage error")
	// ErrStaleState signals the request is not in the state the operation expects.
	ErrStaleState = errors.New("request: stale request state")
	ErrNotFound   = errors.New("request: not found")
	ErrForbidden  = errors.New("request: forbidden")
	// ErrHelperBusy is returned when the accepting helper already holds an active job.
	ErrHelperBusy = errors.New("request: helper busy")
	ErrInvalid    = errors.New("request: invalid parameters")
)

// Classify wraps storage errors that are safe to retry with
// ErrTransientStorage and returns every other error unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrTransientStorage) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%w: malformed id: %w", ErrInvalid, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	}
	return err
}

// IsTransient reports whether err (or anything it wraps) is a retryable
// storage failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage) || isTransient(err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrContested indicates an optimistic-lock conflict: either a version
	// condition failed against live state, or the backend reported an
	// ambiguous concurrent-transaction conflict. Callers re-read and retry.
	ErrContested = errors.New("contested optimistic lock")

	// ErrTransactionAborted indicates a multi-item transaction failed a
	// condition on an item the caller did not directly version-check. The
	// caller must re-derive its plan from fresh reads.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrUnknownAccount indicates a conditional write against an account
	// record that does not exist.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrPrimaryDevice indicates an attempt to remove an account's primary device.
	ErrPrimaryDevice = errors.New("cannot remove primary device")
)

// IndexKind names one of the uniqueness indices.
type IndexKind string

const (
	IndexNumber                IndexKind = "number"
	IndexPhoneNumberIdentifier IndexKind = "phone_number_identifier"
	IndexAccountIdentifier     IndexKind = "account_identifier"
	IndexUsernameHash          IndexKind = "username_hash"
)

// ConstraintViolationError reports that a uniqueness index is already owned
// by a different account. Not retryable without changing the requested key.
type ConstraintViolationError struct {
	Index IndexKind
	Owner uuid.UUID
}

func (e *ConstraintViolationError) Error() string {
	if e.Owner != uuid.Nil {
		return fmt.Sprintf("%s already in use by %s", e.Index, e.Owner)
	}
	return fmt.Sprintf("%s already in use", e.Index)
}

// DeserializationError reports a stored record that cannot be parsed back
// into a valid Account. It is fatal for that record only and is never
// silently dropped: losing a device identity quietly would be a security bug.
type DeserializationError struct {
	Key string
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize account record %q: %v", e.Key, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

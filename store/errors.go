package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a document, property or blob does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an identifier cannot be parsed.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidState is returned when a state string cannot be parsed.
	ErrInvalidState = errors.New("store: invalid state")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrInvalidBatch is returned when a batch is assembled incorrectly,
	// for example with two change logs or operations before a collection.
	ErrInvalidBatch = errors.New("store: invalid batch")

	// ErrTransactionFailed is returned when an atomic write could not be applied.
	// No part of the batch is visible after this error.
	ErrTransactionFailed = errors.New("store: transaction failed")

	// ErrStaleChange is returned by Write when the batch's change id is not
	// newer than a collection state already committed for the account. The
	// batch is not applied; the caller must assign a fresh id and rebuild it.
	ErrStaleChange = errors.New("store: stale change id")

	// ErrCannotCalculateChanges is returned when the requested state is older
	// than the retained change log.
	ErrCannotCalculateChanges = errors.New("store: cannot calculate changes")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsTransactionFailed(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}

func IsStaleChange(err error) bool {
	return errors.Is(err, ErrStaleChange)
}

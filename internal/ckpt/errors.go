package ckpt

import "errors"

var (
	// ErrNotFound is returned when a checkpoint, deployment or tracked
	// resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an id is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyTerminal is returned when a deployment that already reached
	// completed or failed is marked again.
	ErrAlreadyTerminal = errors.New("deployment already in a terminal state")

	// ErrVerification marks a checkpoint that failed verification.
	ErrVerification = errors.New("checkpoint verification failed")

	// ErrPrecondition aborts an operation before anything was mutated.
	ErrPrecondition = errors.New("precondition failed")

	// ErrLocked is returned when an advisory lock could not be acquired
	// before the context expired.
	ErrLocked = errors.New("resource is locked by another operation")
)

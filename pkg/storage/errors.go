package storage

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrAlreadyConsumed is returned when a single-use row (authorization
	// code, verification code, refresh token) has already been spent.
	ErrAlreadyConsumed = errors.New("resource already consumed")
)

package repository

import "errors"

// Sentinel kinds for repository errors.
var (
	ErrNotFound      = errors.New("model not found")
	ErrInvalidResult = errors.New("invalid fit result")
)

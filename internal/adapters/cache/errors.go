package cache

import "errors"

// Sentinel kinds for cache errors.
var (
	ErrOpen   = errors.New("cache open failed")
	ErrRead   = errors.New("cache read failed")
	ErrWrite  = errors.New("cache write failed")
	ErrDecode = errors.New("cache decode failed")
)

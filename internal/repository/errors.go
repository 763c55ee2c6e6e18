package repository

import "errors"

// ErrNotFound is returned by lookup repos when the reference does not exist.
var ErrNotFound = errors.New("not found")

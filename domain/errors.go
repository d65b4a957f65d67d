package domain

import "errors"

// ErrDuplicate is returned by storage when a unique key already exists.
var ErrDuplicate = errors.New("duplicate record")

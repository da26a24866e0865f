package creedmoor

import "errors"

// ErrNotFound is returned when a key is not present in a cache tier.
var ErrNotFound = errors.New("key not found")

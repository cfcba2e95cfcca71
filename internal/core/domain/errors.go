package domain

import "errors"

var (
	ErrDuplicateOutcome = errors.New("duplicate outcome for job")
	ErrStoreNotEmpty    = errors.New("output directory already holds outcome records")
	ErrNotFound         = errors.New("not found")
)

package store

import "errors"

var (
	// ErrKeyNotFound is returned by Read for missing or deleted keys.
	ErrKeyNotFound = errors.New("store: key not found")
	// ErrCompactionBoundary is returned when the compaction target lies past
	// the safe-read-only frontier.
	ErrCompactionBoundary = errors.New("store: compaction boundary past safe-read-only address")
	// ErrInvalidCompactionType is returned for an unknown compaction
	// strategy.
	ErrInvalidCompactionType = errors.New("store: invalid compaction type")
)

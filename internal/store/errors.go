package store

import "errors"

var (
	ErrNotFound     = errors.New("todo not found")
	ErrEmptyPatch   = errors.New("update sets no fields")
	ErrInvalidLimit = errors.New("limit must be positive")
)

package core

import "github.com/google/uuid"

// NewID returns a fresh random identifier for runs and reports.
func NewID() string { return uuid.NewString() }

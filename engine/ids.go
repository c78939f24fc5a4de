package engine

import "github.com/google/uuid"

// UUIDGenerator implements IDGenerator using random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

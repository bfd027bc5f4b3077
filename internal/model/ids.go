package model

import "github.com/google/uuid"

// IDGenerator hands out change-set ids. Implemented by UUIDv7Generator
// and by testutil.SequentialIDs in tests.
type IDGenerator interface {
	Next() uuid.UUID
}

// UUIDv7Generator generates time-sortable UUIDv7 ids, so change sets sort
// by commit time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Next returns a new UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) Next() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

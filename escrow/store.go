package escrow

import "context"

// Store is the record persistence contract. Implementations must make
// UpdateCAS an atomic compare-and-swap on the record's Version field so that
// concurrent approvals and expiry checks on the same escrow serialize: the
// loser observes ErrVersionConflict and re-reads.
type Store interface {
	// Insert persists a new record and returns its store-assigned id.
	Insert(ctx context.Context, esc *Escrow) (string, error)
	// Get loads a record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Escrow, error)
	// UpdateCAS replaces the record iff the stored version matches
	// esc.Version, then increments esc.Version. Returns ErrVersionConflict
	// on a lost race and ErrNotFound for unknown ids.
	UpdateCAS(ctx context.Context, esc *Escrow) error
	// ListPending returns all pending escrows in which the participant is
	// sender, receiver or mediator. Order is unspecified.
	ListPending(ctx context.Context, participant string) ([]*Escrow, error)
	// ListExpiredPending returns non-terminal escrows whose deadline is at
	// or before now (unix seconds); used by the deadline sweeper.
	ListExpiredPending(ctx context.Context, now int64) ([]*Escrow, error)
}

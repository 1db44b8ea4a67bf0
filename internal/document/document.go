// Package document defines the replicated document capability the relay
// forwards updates through, and a default in-memory implementation.
package document

// Document is an opaque replicated structure. Implementations must make
// ApplyUpdate commutative and idempotent: applying the same set of updates in
// any order, any number of times, yields the same state.
type Document interface {
	// EncodeState returns the document's state summary (a state vector).
	EncodeState() []byte

	// Diff returns the updates a peer with the given state summary is
	// missing, in application order. It never returns an empty slice.
	Diff(peerState []byte) ([][]byte, error)

	// ApplyUpdate merges an update into the document.
	ApplyUpdate(update []byte) error

	// OnLocalChange registers a callback invoked with every update that
	// changed the document.
	OnLocalChange(fn func(update []byte))
}

// Factory builds a fresh document for a room.
type Factory func(roomID string) Document

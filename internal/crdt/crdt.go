// Package crdt declares the contract between the collaboration core and a
// CRDT engine. The core treats updates, state vectors and snapshots as opaque
// byte strings and relies on the engine's merge being commutative,
// associative and idempotent.
package crdt

// Doc is one replica of a shared document.
type Doc interface {
	// EncodeStateAsUpdate returns the full state as a single update.
	EncodeStateAsUpdate() []byte
	// EncodeStateVector summarizes what this replica has already seen.
	EncodeStateVector() []byte
	// EncodeDiff returns everything this replica has that stateVector lacks.
	EncodeDiff(stateVector []byte) ([]byte, error)
	// ApplyUpdate merges an update. Re-applying a known update is a no-op.
	ApplyUpdate(update []byte) error
	// Close releases the replica.
	Close()
}

// Engine creates replicas and inspects update bytes without a replica.
type Engine interface {
	NewDoc() Doc
	// HasChanges is false only for a structurally empty update.
	HasChanges(update []byte) bool
}

// Package proofs builds Keccak-256 commitments over ledger state so that
// checkpoints taken on different nodes can be compared by a single root.
package proofs

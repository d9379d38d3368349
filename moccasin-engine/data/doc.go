// Package data provides Arrow snapshots of the peer table.
// This package implements:
// - Arrow schema definitions for peers and candidates
// - Snapshot to Arrow conversion and back
package data

// Package arrow provides Apache Arrow IPC framing for Moccasin-Engine.
// This package implements:
// - Arrow IPC stream encoding of peer table snapshots
// - Decoding of IPC streams received over the bridge
package arrow

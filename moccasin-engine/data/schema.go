// Package data provides Apache Arrow schema definitions for peer table
// snapshots. Bridge clients in other languages read these records from Arrow
// IPC streams, so field names, order and types are part of the bridge
// protocol.
package data

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// PeerSchema returns the Arrow schema for connected peers.
//
// Fields:
//   - address: string - Remote address
//   - port: int32 - Remote port (the dialer's source port for inbound peers)
//   - outbound: bool - True if the local node initiated the connection
//   - connected_at: timestamp[ms, UTC] - When the connection was registered
func PeerSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "address", Type: arrow.BinaryTypes.String},
			{Name: "port", Type: arrow.PrimitiveTypes.Int32},
			{Name: "outbound", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "connected_at", Type: arrow.FixedWidthTypes.Timestamp_ms},
		},
		nil,
	)
}

// CandidateSchema returns the Arrow schema for discovered candidates.
//
// Fields:
//   - address: string - Announced address
//   - port: int32 - Announced listening port
//   - last_seen: timestamp[ms, UTC] - Last discovery response naming it
func CandidateSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "address", Type: arrow.BinaryTypes.String},
			{Name: "port", Type: arrow.PrimitiveTypes.Int32},
			{Name: "last_seen", Type: arrow.FixedWidthTypes.Timestamp_ms},
		},
		nil,
	)
}

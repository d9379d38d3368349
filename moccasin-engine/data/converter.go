package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// Converter turns peer and candidate snapshots into Arrow records and back.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
	}
}

// NewConverterWithAllocator creates a Converter with a custom allocator.
func NewConverterWithAllocator(alloc memory.Allocator) *Converter {
	return &Converter{
		allocator: alloc,
	}
}

// PeersToRecord converts a peer snapshot to an Arrow record. An empty
// snapshot yields a record with zero rows.
func (c *Converter) PeersToRecord(peers []network.PeerInfo) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, PeerSchema())
	defer builder.Release()

	addressBuilder := builder.Field(0).(*array.StringBuilder)
	portBuilder := builder.Field(1).(*array.Int32Builder)
	outboundBuilder := builder.Field(2).(*array.BooleanBuilder)
	connectedBuilder := builder.Field(3).(*array.TimestampBuilder)

	for _, p := range peers {
		addressBuilder.Append(p.Address)
		portBuilder.Append(int32(p.Port)) // #nosec G115 - ports fit in int32
		outboundBuilder.Append(p.Outbound)
		connectedBuilder.Append(arrow.Timestamp(p.ConnectedAt.UnixMilli()))
	}

	return builder.NewRecord()
}

// CandidatesToRecord converts a candidate snapshot to an Arrow record.
func (c *Converter) CandidatesToRecord(candidates []network.Candidate) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, CandidateSchema())
	defer builder.Release()

	addressBuilder := builder.Field(0).(*array.StringBuilder)
	portBuilder := builder.Field(1).(*array.Int32Builder)
	seenBuilder := builder.Field(2).(*array.TimestampBuilder)

	for _, cand := range candidates {
		addressBuilder.Append(cand.Address)
		portBuilder.Append(int32(cand.Port)) // #nosec G115 - ports fit in int32
		seenBuilder.Append(arrow.Timestamp(cand.LastSeen.UnixMilli()))
	}

	return builder.NewRecord()
}

// RecordToPeers converts a record in PeerSchema back to peers.
func (c *Converter) RecordToPeers(record arrow.Record) ([]network.PeerInfo, error) {
	if err := ValidateSchema(record, PeerSchema()); err != nil {
		return nil, err
	}

	addressCol := record.Column(0).(*array.String)
	portCol := record.Column(1).(*array.Int32)
	outboundCol := record.Column(2).(*array.Boolean)
	connectedCol := record.Column(3).(*array.Timestamp)

	peers := make([]network.PeerInfo, record.NumRows())
	for i := range peers {
		peers[i] = network.PeerInfo{
			Address:     addressCol.Value(i),
			Port:        int(portCol.Value(i)),
			Outbound:    outboundCol.Value(i),
			ConnectedAt: time.UnixMilli(int64(connectedCol.Value(i))),
		}
	}
	return peers, nil
}

// RecordToCandidates converts a record in CandidateSchema back to candidates.
func (c *Converter) RecordToCandidates(record arrow.Record) ([]network.Candidate, error) {
	if err := ValidateSchema(record, CandidateSchema()); err != nil {
		return nil, err
	}

	addressCol := record.Column(0).(*array.String)
	portCol := record.Column(1).(*array.Int32)
	seenCol := record.Column(2).(*array.Timestamp)

	candidates := make([]network.Candidate, record.NumRows())
	for i := range candidates {
		candidates[i] = network.Candidate{
			Address:  addressCol.Value(i),
			Port:     int(portCol.Value(i)),
			LastSeen: time.UnixMilli(int64(seenCol.Value(i))),
		}
	}
	return candidates, nil
}

// JSONToPeerRecord converts a JSON array of peers to an Arrow record.
func (c *Converter) JSONToPeerRecord(jsonData []byte) (arrow.Record, error) {
	var peers []network.PeerInfo
	if err := json.Unmarshal(jsonData, &peers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return c.PeersToRecord(peers), nil
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}

package arrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrNoRecords is returned when there is nothing to encode or decode.
var ErrNoRecords = errors.New("no records in IPC data")

// IPCCodec encodes Arrow records into self-describing IPC streams.
type IPCCodec struct {
	allocator memory.Allocator
}

// NewIPCCodec creates a codec using the default allocator.
func NewIPCCodec() *IPCCodec {
	return &IPCCodec{
		allocator: memory.DefaultAllocator,
	}
}

// NewIPCCodecWithAllocator creates a codec using alloc for decoded buffers.
func NewIPCCodecWithAllocator(alloc memory.Allocator) *IPCCodec {
	return &IPCCodec{
		allocator: alloc,
	}
}

// Encode writes records, which must share a schema, as one IPC stream.
func (c *IPCCodec) Encode(records ...arrow.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	var buf bytes.Buffer
	schema := records[0].Schema()
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	for i, record := range records {
		if !record.Schema().Equal(schema) {
			return nil, fmt.Errorf("record %d schema differs from record 0", i)
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads every record of an IPC stream. The caller releases them.
func (c *IPCCodec) Decode(data []byte) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		// Release any records we've already retained
		for _, r := range records {
			r.Release()
		}
		return nil, reader.Err()
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	return records, nil
}

// DecodeOne reads the first record of an IPC stream.
func (c *IPCCodec) DecodeOne(data []byte) (arrow.Record, error) {
	records, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	for _, r := range records[1:] {
		r.Release()
	}
	return records[0], nil
}

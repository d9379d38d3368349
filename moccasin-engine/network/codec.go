package network

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	// MaxFrameSize bounds the bytes buffered for a single undelimited frame.
	MaxFrameSize = 16 * 1024 * 1024 // 16MB

	// DefaultSendChannel is the channel used by SendMessage.
	DefaultSendChannel = "none"

	// DefaultBroadcastChannel is the channel used by BroadcastMessage.
	DefaultBroadcastChannel = "broadcast"
)

var frameDelimiter = []byte("\r\n")

// Envelope is the unit carried on the wire. Data is opaque JSON.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// TextPayload wraps a Go string as a JSON string payload.
func TextPayload(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// EncodeFrame serializes an envelope followed by the CRLF delimiter.
// A nil payload is sent as JSON null.
func EncodeFrame(channel string, data json.RawMessage) ([]byte, error) {
	if data == nil {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return nil, ErrInvalidPayload
	}
	// Compacting strips whitespace, so a payload can never carry the delimiter.
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	b, err := json.Marshal(Envelope{Channel: channel, Data: compact.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append(b, frameDelimiter...), nil
}

// DecodeError reports a delimited frame that is not a valid envelope.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FrameDecoder reassembles envelopes from a byte stream. Bytes after the last
// delimiter are kept until a later Write completes the frame. Each byte is
// searched for a delimiter a bounded number of times, so decoding is linear
// in the stream length however it is chunked.
type FrameDecoder struct {
	buf     []byte
	start   int // first unconsumed byte in buf
	scanned int // bytes after start already searched by Next
	tail    int // bytes after the last delimiter in buf
	maxSize int
}

// NewFrameDecoder creates a decoder that rejects pending frames larger than
// maxSize. A non-positive maxSize means MaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Write appends a chunk read from the connection.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}

	// Start one byte early so a CR ending the previous chunk is matched.
	from := max(len(d.buf)-1, 0)
	d.buf = append(d.buf, p...)
	if i := bytes.LastIndex(d.buf[from:], frameDelimiter); i >= 0 {
		d.tail = len(d.buf) - (from + i + len(frameDelimiter))
	} else {
		d.tail += len(p)
	}

	if d.tail > d.maxSize {
		return len(p), fmt.Errorf("%w: %d bytes pending (max: %d)", ErrFrameTooLarge, d.tail, d.maxSize)
	}
	return len(p), nil
}

// Next consumes the next delimited frame. ok is false when no complete frame
// is buffered. A malformed frame is consumed and reported as a *DecodeError.
func (d *FrameDecoder) Next() (env Envelope, ok bool, err error) {
	for {
		from := d.start + max(d.scanned-1, 0)
		i := bytes.Index(d.buf[from:], frameDelimiter)
		if i < 0 {
			d.scanned = len(d.buf) - d.start
			if d.scanned == 0 {
				d.reset()
			}
			return Envelope{}, false, nil
		}

		end := from + i
		segment := append([]byte(nil), d.buf[d.start:end]...)
		d.start = end + len(frameDelimiter)
		d.scanned = 0
		if d.start == len(d.buf) {
			d.reset()
		}
		if len(segment) == 0 {
			continue
		}

		if err := json.Unmarshal(segment, &env); err != nil {
			return Envelope{}, true, &DecodeError{Frame: segment, Err: err}
		}
		return env, true, nil
	}
}

// reset drops the buffer once everything in it is consumed.
func (d *FrameDecoder) reset() {
	d.buf = nil
	d.start = 0
	d.scanned = 0
	d.tail = 0
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.start
}

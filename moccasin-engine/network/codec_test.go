package network

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, dec *FrameDecoder) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		env, ok, err := dec.Next()
		if !ok {
			return out
		}
		require.NoError(t, err)
		out = append(out, env)
	}
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame("chat", TextPayload("hi"))
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"chat","data":"hi"}`+"\r\n", string(frame))

	frame, err = EncodeFrame("none", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"none","data":null}`+"\r\n", string(frame))

	_, err = EncodeFrame("chat", json.RawMessage(`{"broken"`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestFrameDecoderSplitAcrossReads(t *testing.T) {
	dec := NewFrameDecoder(0)

	_, err := dec.Write([]byte(`{"channel":"ch`))
	require.NoError(t, err)
	assert.Empty(t, decodeAll(t, dec))

	_, err = dec.Write([]byte(`at","data":"hi"}` + "\r\n"))
	require.NoError(t, err)

	got := decodeAll(t, dec)
	require.Len(t, got, 1)
	assert.Equal(t, "chat", got[0].Channel)
	assert.JSONEq(t, `"hi"`, string(got[0].Data))
	assert.Zero(t, dec.Buffered())
}

func TestFrameDecoderTwoFramesOneRead(t *testing.T) {
	dec := NewFrameDecoder(0)
	_, err := dec.Write([]byte(`{"channel":"a","data":1}` + "\r\n" + `{"channel":"b","data":2}` + "\r\n" + `{"chan`))
	require.NoError(t, err)

	got := decodeAll(t, dec)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Channel)
	assert.Equal(t, "b", got[1].Channel)
	assert.Equal(t, len(`{"chan`), dec.Buffered())
}

// Every way of chunking a stream of N frames yields the same N envelopes.
func TestFrameDecoderChunkingPreservesOrder(t *testing.T) {
	var stream []byte
	var want []Envelope
	for i := 0; i < 5; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"seq":%d,"body":"msg\r%d"}`, i, i))
		frame, err := EncodeFrame("chat", data)
		require.NoError(t, err)
		stream = append(stream, frame...)
		want = append(want, Envelope{Channel: "chat", Data: data})
	}

	for _, size := range []int{1, 2, 3, 7, 16, 64, len(stream)} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			dec := NewFrameDecoder(0)
			var got []Envelope
			for off := 0; off < len(stream); off += size {
				end := min(off+size, len(stream))
				_, err := dec.Write(stream[off:end])
				require.NoError(t, err)
				got = append(got, decodeAll(t, dec)...)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("decoded envelopes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameDecoderSkipsEmptySegments(t *testing.T) {
	dec := NewFrameDecoder(0)
	_, err := dec.Write([]byte("\r\n\r\n" + `{"channel":"x","data":true}` + "\r\n\r\n"))
	require.NoError(t, err)

	got := decodeAll(t, dec)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Channel)
}

func TestFrameDecoderMalformedFrameContinues(t *testing.T) {
	dec := NewFrameDecoder(0)
	_, err := dec.Write([]byte("not json\r\n" + `{"channel":"ok","data":0}` + "\r\n"))
	require.NoError(t, err)

	_, ok, err := dec.Next()
	require.True(t, ok)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "not json", string(decodeErr.Frame))

	env, ok, err := dec.Next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", env.Channel)

	_, ok, _ = dec.Next()
	assert.False(t, ok)
}

func TestFrameDecoderRejectsOversizedFrame(t *testing.T) {
	dec := NewFrameDecoder(32)

	_, err := dec.Write([]byte(`{"channel":"a","data":1}` + "\r\n"))
	require.NoError(t, err)

	_, err = dec.Write([]byte(strings.Repeat("x", 33)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Complete frames written before the oversized tail are still decodable.
	got := decodeAll(t, dec)
	require.Len(t, got, 1)
}

func TestFrameDecoderDelimiterSplitAcrossChunks(t *testing.T) {
	dec := NewFrameDecoder(0)

	_, err := dec.Write([]byte(`{"channel":"a","data":1}` + "\r"))
	require.NoError(t, err)
	assert.Empty(t, decodeAll(t, dec))

	_, err = dec.Write([]byte("\n" + `{"channel":"b","data":2}` + "\r"))
	require.NoError(t, err)
	got := decodeAll(t, dec)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Channel)

	_, err = dec.Write([]byte("\n"))
	require.NoError(t, err)
	got = decodeAll(t, dec)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Channel)
	assert.Zero(t, dec.Buffered())
}

// A frame arriving in many reads is searched once, not once per read.
func TestFrameDecoderLargeFrameInSmallReads(t *testing.T) {
	const chunk = 32 * 1024
	body := strings.Repeat("x", MaxFrameSize-64)
	frame, err := EncodeFrame("big", TextPayload(body))
	require.NoError(t, err)

	dec := NewFrameDecoder(0)
	start := time.Now()
	var got []Envelope
	for off := 0; off < len(frame); off += chunk {
		end := min(off+chunk, len(frame))
		_, err := dec.Write(frame[off:end])
		require.NoError(t, err)
		got = append(got, decodeAll(t, dec)...)
		if end < len(frame) {
			require.Equal(t, dec.Buffered(), dec.scanned, "unscanned bytes after read ending at %d", end)
		}
	}
	elapsed := time.Since(start)

	require.Len(t, got, 1)
	assert.Equal(t, "big", got[0].Channel)
	assert.Len(t, got[0].Data, len(body)+2)
	assert.Zero(t, dec.Buffered())
	assert.Less(t, elapsed, 3*time.Second, "decoding %d bytes in %d byte reads", len(frame), chunk)
}

func TestFrameDecoderUndelimitedStreamHitsLimit(t *testing.T) {
	dec := NewFrameDecoder(1024 * 1024)
	junk := []byte(strings.Repeat("y", 32*1024))

	var err error
	for i := 0; i < 64 && err == nil; i++ {
		_, err = dec.Write(junk)
		_, ok, _ := dec.Next()
		assert.False(t, ok)
	}
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func BenchmarkFrameDecoderLargeFrame(b *testing.B) {
	frame, err := EncodeFrame("big", TextPayload(strings.Repeat("x", 4*1024*1024)))
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(frame)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		dec := NewFrameDecoder(0)
		for off := 0; off < len(frame); off += 32 * 1024 {
			end := min(off+32*1024, len(frame))
			if _, err := dec.Write(frame[off:end]); err != nil {
				b.Fatal(err)
			}
			for {
				_, ok, _ := dec.Next()
				if !ok {
					break
				}
			}
		}
	}
}

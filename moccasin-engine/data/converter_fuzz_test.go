package data

import (
	"testing"
	"time"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// FuzzJSONToPeerRecord tests the JSON to Arrow conversion with random inputs.
// Run with: go test -fuzz=FuzzJSONToPeerRecord -fuzztime=30s ./moccasin-engine/data/
func FuzzJSONToPeerRecord(f *testing.F) {
	// Seed corpus with valid inputs
	f.Add([]byte(`[{"address":"10.0.0.1","port":4001,"outbound":true,"connected_at":"2024-01-01T00:00:00Z"}]`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{}]`))

	// Add some malformed inputs
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`[null]`))
	f.Add([]byte(`[{"port":"x"}]`))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, data []byte) {
		// The function should not panic regardless of input
		record, err := c.JSONToPeerRecord(data)
		if err == nil && record != nil {
			if _, err := c.RecordToPeers(record); err != nil {
				t.Errorf("record built from JSON failed to convert back: %v", err)
			}
			record.Release()
		}
	})
}

// FuzzPeersToRecord checks that arbitrary peer fields survive a round trip.
// Run with: go test -fuzz=FuzzPeersToRecord -fuzztime=30s ./moccasin-engine/data/
func FuzzPeersToRecord(f *testing.F) {
	f.Add("10.0.0.1", 4001, true, int64(1704067200000))
	f.Add("", 0, false, int64(0))
	f.Add("::1", 65535, true, int64(-1))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, address string, port int, outbound bool, millis int64) {
		if port < 0 || port > 65535 {
			return
		}
		in := network.PeerInfo{
			Address:     address,
			Port:        port,
			Outbound:    outbound,
			ConnectedAt: time.UnixMilli(millis),
		}

		record := c.PeersToRecord([]network.PeerInfo{in})
		defer record.Release()

		out, err := c.RecordToPeers(record)
		if err != nil {
			t.Fatalf("RecordToPeers failed: %v", err)
		}
		if len(out) != 1 || out[0].Address != in.Address || out[0].Port != in.Port ||
			out[0].Outbound != in.Outbound || !out[0].ConnectedAt.Equal(in.ConnectedAt) {
			t.Errorf("round trip mismatch: in=%+v out=%+v", in, out)
		}
	})
}

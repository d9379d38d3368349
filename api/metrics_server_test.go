package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/monitoring"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestMetricsServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics("moccasin", reg)
	metrics.SetPeers(3)

	var running atomic.Bool
	running.Store(true)
	status := func() network.NetworkStatus {
		return network.NetworkStatus{Name: "room1", IsRunning: running.Load(), PeerCount: 3}
	}

	server := NewMetricsServer("127.0.0.1:0", reg, status, nil)
	if err := server.StartAsync(); err != nil {
		t.Fatalf("StartAsync failed: %v", err)
	}
	defer server.Stop(context.Background())

	base := "http://" + server.Addr().String()

	code, body := get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d", code)
	}
	if !strings.Contains(body, "moccasin_peers 3") {
		t.Errorf("/metrics missing peer gauge:\n%s", body)
	}

	code, body = get(t, base+"/health")
	if code != http.StatusOK {
		t.Fatalf("/health status = %d", code)
	}
	var st network.NetworkStatus
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if st.Name != "room1" || st.PeerCount != 3 {
		t.Errorf("unexpected status %+v", st)
	}

	running.Store(false)
	if code, _ = get(t, base+"/health"); code != http.StatusServiceUnavailable {
		t.Errorf("/health status when stopped = %d, want 503", code)
	}
}

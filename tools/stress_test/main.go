// Command stress_test drives a running node through its ZeroMQ bridge,
// issuing publish commands from concurrent REQ clients and reporting the
// command round-trip latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/api"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Endpoint    string
	Concurrency int
	Duration    time.Duration
	Channel     string
	PayloadSize int
	AuthToken   string
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

type counters struct {
	total, success, failed atomic.Int64
	latencySum             atomic.Int64
	minLatency, maxLatency atomic.Int64
}

func main() {
	config := parseFlags()

	fmt.Println("=== Moccasin Bridge Stress Test ===")
	fmt.Printf("Target:      %s\n", config.Endpoint)
	fmt.Printf("Concurrency: %d clients\n", config.Concurrency)
	fmt.Printf("Duration:    %v\n", config.Duration)
	fmt.Printf("Channel:     %s\n", channelLabel(config.Channel))
	fmt.Println()

	result := runStressTest(config)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Endpoint, "addr", api.DefaultBridgeConfig().RepAddress, "Bridge REP endpoint")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent clients")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.StringVar(&config.Channel, "channel", "", "Channel to publish on (empty broadcasts)")
	flag.IntVar(&config.PayloadSize, "size", 64, "Payload string length")
	flag.StringVar(&config.AuthToken, "token", os.Getenv(api.EnvAuthToken), "Bridge auth token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func channelLabel(channel string) string {
	if channel == "" {
		return "(broadcast)"
	}
	return channel
}

func runStressTest(config StressTestConfig) StressTestResult {
	var (
		c  counters
		wg sync.WaitGroup
	)
	c.minLatency.Store(1<<63 - 1)

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	command, body := buildRequest(config)
	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, config.Endpoint, command, body, &c)
		}()
	}
	wg.Wait()

	duration := time.Since(startTime)
	total := c.total.Load()
	success := c.success.Load()

	var avgLatency time.Duration
	minLat := c.minLatency.Load()
	if success > 0 {
		avgLatency = time.Duration(c.latencySum.Load() / success)
	} else {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     c.failed.Load(),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(c.maxLatency.Load()),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func buildRequest(config StressTestConfig) (string, []byte) {
	payload, _ := json.Marshal(fmt.Sprintf("%0*d", config.PayloadSize, 0))
	req := api.Request{Token: config.AuthToken, Data: payload}

	command := api.CmdBroadcastMessage
	if config.Channel != "" {
		command = api.CmdPublish
		req.Channel = config.Channel
	}
	body, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	return command, body
}

// runWorker owns one REQ socket. A REQ socket is strictly send/recv
// alternating, so a failed exchange reconnects with a fresh socket.
func runWorker(ctx context.Context, endpoint, command string, body []byte, c *counters) {
	var req zmq4.Socket
	defer func() {
		if req != nil {
			_ = req.Close()
		}
	}()

	for ctx.Err() == nil {
		if req == nil {
			req = zmq4.NewReq(ctx)
			if err := req.Dial(endpoint); err != nil {
				_ = req.Close()
				req = nil
				c.total.Add(1)
				c.failed.Add(1)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		latency, err := sendRequest(req, command, body)
		c.total.Add(1)
		if err != nil {
			c.failed.Add(1)
			_ = req.Close()
			req = nil
			// Small sleep on error to avoid hammering
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c.success.Add(1)
		c.latencySum.Add(int64(latency))
		lat := int64(latency)
		for {
			old := c.minLatency.Load()
			if lat >= old || c.minLatency.CompareAndSwap(old, lat) {
				break
			}
		}
		for {
			old := c.maxLatency.Load()
			if lat <= old || c.maxLatency.CompareAndSwap(old, lat) {
				break
			}
		}
	}
}

func sendRequest(req zmq4.Socket, command string, body []byte) (time.Duration, error) {
	start := time.Now()

	if err := req.SendMulti(zmq4.NewMsgFrom([]byte(command), body)); err != nil {
		return 0, err
	}
	msg, err := req.Recv()
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)

	if len(msg.Frames) < 2 {
		return 0, fmt.Errorf("short reply: %d frames", len(msg.Frames))
	}
	var resp api.Response
	if err := json.Unmarshal(msg.Frames[1], &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("command failed: %s", resp.Error)
	}
	return latency, nil
}

func printResults(result StressTestResult) {
	total := float64(result.TotalRequests)
	if total == 0 {
		total = 1
	}
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, float64(result.SuccessfulReqs)/total*100)
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, float64(result.FailedReqs)/total*100)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]any{
		"config": map[string]any{
			"endpoint":     config.Endpoint,
			"concurrency":  config.Concurrency,
			"duration":     config.Duration.String(),
			"channel":      config.Channel,
			"payload_size": config.PayloadSize,
		},
		"results": map[string]any{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0o644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}

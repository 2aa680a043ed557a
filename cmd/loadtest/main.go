// Command loadtest submits remark extrinsics to a running chainapi at a
// target rate and reports throughput, latency and outcomes.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/cmatc13/chainapi/internal/signer"
)

var (
	apiURL          = pflag.String("url", "http://localhost:8080", "Base URL of the chainapi HTTP API")
	duration        = pflag.Duration("duration", 1*time.Minute, "Test duration")
	concurrency     = pflag.Int("concurrency", 20, "Number of concurrent clients")
	transactionRate = pflag.Float64("rate", 50, "Target submissions per second")
	signerNames     = pflag.StringSlice("signers", []string{"alice"}, "Configured signer names to submit with")
	waitFor         = pflag.Duration("wait", 0, "Wait this long for each extrinsic to finalize (0 disables)")
	token           = pflag.String("token", "", "Bearer token for the extrinsic routes")
)

// Stats holds counters updated atomically by the workers
type Stats struct {
	submitted    uint64
	rejected     uint64
	finalized    uint64
	failed       uint64
	latencySum   uint64
	latencyCount uint64
}

// remarkCall encodes system.remark(payload): pallet 0, call 0.
func remarkCall(payload []byte) []byte {
	call := []byte{0x00, 0x00}
	call = append(call, signer.EncodeCompact(uint64(len(payload)))...)
	return append(call, payload...)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *client) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if !env.Success {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func main() {
	pflag.Parse()

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  URL: %s\n", *apiURL)
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target rate: %.0f/s\n", *transactionRate)
	fmt.Printf("  Signers: %s\n", strings.Join(*signerNames, ","))
	fmt.Printf("  Wait: %s\n", *waitFor)

	if len(*signerNames) == 0 || *transactionRate <= 0 {
		log.Fatalf("at least one signer and a positive rate are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	c := &client{
		base:  strings.TrimRight(*apiURL, "/"),
		token: *token,
		http:  &http.Client{Timeout: *waitFor + 30*time.Second},
	}
	stats := &Stats{}

	testCtx, testCancel := context.WithTimeout(ctx, *duration)
	defer testCancel()

	var wg sync.WaitGroup
	rateLimiter := make(chan struct{}, *concurrency*2)

	go func() {
		interval := time.Duration(float64(time.Second) / *transactionRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
				}
			}
		}
	}()

	fmt.Printf("Starting load test for %s...\n", *duration)
	startTime := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, i, c, rateLimiter, stats, &wg)
	}

	go report(testCtx, stats, startTime)

	<-testCtx.Done()
	wg.Wait()

	submitted := atomic.LoadUint64(&stats.submitted)
	rejected := atomic.LoadUint64(&stats.rejected)
	total := submitted + rejected
	elapsed := time.Since(startTime).Seconds()

	var avgLatency uint64
	if n := atomic.LoadUint64(&stats.latencyCount); n > 0 {
		avgLatency = atomic.LoadUint64(&stats.latencySum) / n
	}
	var acceptRate float64
	if total > 0 {
		acceptRate = float64(submitted) / float64(total) * 100
	}

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsed)
	fmt.Printf("  Total Requests: %d\n", total)
	fmt.Printf("  Accepted: %d (%.2f%%)\n", submitted, acceptRate)
	fmt.Printf("  Rejected: %d\n", rejected)
	if *waitFor > 0 {
		fmt.Printf("  Finalized successfully: %d\n", atomic.LoadUint64(&stats.finalized))
		fmt.Printf("  Failed or timed out: %d\n", atomic.LoadUint64(&stats.failed))
	}
	fmt.Printf("  Average rate: %.2f/s\n", float64(total)/elapsed)
	fmt.Printf("  Average Submit Latency: %d ms\n", avgLatency)
}

func report(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submitted := atomic.LoadUint64(&stats.submitted)
			rejected := atomic.LoadUint64(&stats.rejected)
			fmt.Printf("\rRate: %.2f/s, Accepted: %d, Rejected: %d, Finalized: %d",
				float64(submitted)/time.Since(startTime).Seconds(),
				submitted, rejected, atomic.LoadUint64(&stats.finalized))
		}
	}
}

// worker submits one extrinsic per rate limiter token
func worker(ctx context.Context, id int, c *client, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
		}

		name := (*signerNames)[r.Intn(len(*signerNames))]
		call := remarkCall([]byte(uuid.NewString()))

		start := time.Now()
		var submitted struct {
			Hash string `json:"hash"`
		}
		_, err := c.do(ctx, http.MethodPost, "/extrinsics", map[string]string{
			"signer": name,
			"call":   "0x" + hex.EncodeToString(call),
		}, &submitted)
		if err != nil {
			atomic.AddUint64(&stats.rejected, 1)
			continue
		}
		atomic.AddUint64(&stats.submitted, 1)
		atomic.AddUint64(&stats.latencySum, uint64(time.Since(start).Milliseconds()))
		atomic.AddUint64(&stats.latencyCount, 1)

		if *waitFor <= 0 {
			continue
		}
		var status struct {
			Finalized bool `json:"finalized"`
			Success   bool `json:"success"`
		}
		path := fmt.Sprintf("/extrinsics/%s?wait=%s", submitted.Hash, waitFor.String())
		if _, err := c.do(context.Background(), http.MethodGet, path, nil, &status); err != nil || !status.Success {
			atomic.AddUint64(&stats.failed, 1)
			continue
		}
		atomic.AddUint64(&stats.finalized, 1)
	}
}

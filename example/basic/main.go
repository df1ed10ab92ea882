package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	relay "github.com/stratum-labs/relay-go/relay"
)

func main() {
	ctx := context.Background()

	// 1. Start a local demo server so the example is self-contained.
	// The /flaky endpoint fails twice before succeeding to exercise retries.
	var flakyHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":42,"status":"created"}`)
			return
		}
		fmt.Fprint(w, `{"items":["alpha","beta"]}`)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if flakyHits.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	// 2. Build the client: bounded pools, a retry policy with a status
	// forcelist, a per-origin circuit breaker, and debug logging.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()

	retry := relay.NewRetry(3)
	retry.StatusForcelist = relay.StatusList(http.StatusServiceUnavailable)
	retry.BackoffFactor = 100 * time.Millisecond

	client := relay.New(
		relay.WithConfig(relay.DefaultConfig()),
		relay.WithRetry(retry),
		relay.WithBreaker(relay.DefaultBreakerConfig()),
		relay.WithRequestID(),
		relay.WithLogger(logger),
	)
	defer client.Close()

	// 3. Plain GET.
	resp, err := client.Get(ctx, server.URL+"/items")
	if err != nil {
		log.Fatalf("GET failed: %v", err)
	}
	var listing struct {
		Items []string `json:"items"`
	}
	if err := resp.JSON(&listing); err != nil {
		log.Fatalf("decode failed: %v", err)
	}
	fmt.Printf("GET /items -> %d, items=%v\n", resp.StatusCode, listing.Items)

	// 4. POST with a JSON body.
	resp, err = client.PostJSON(ctx, server.URL+"/items", map[string]string{"name": "gamma"})
	if err != nil {
		log.Fatalf("POST failed: %v", err)
	}
	fmt.Printf("POST /items -> %d, body=%s\n", resp.StatusCode, resp.Body)

	// 5. The flaky endpoint returns 503 twice; the retry policy honors
	// its Retry-After header and the third attempt succeeds.
	resp, err = client.Get(ctx, server.URL+"/flaky")
	if err != nil {
		log.Fatalf("GET /flaky failed: %v", err)
	}
	fmt.Printf("GET /flaky -> %d after %d hits\n", resp.StatusCode, flakyHits.Load())

	// 6. Pool statistics.
	stats := client.Stats()
	for _, p := range stats.Pools {
		fmt.Printf("pool %s: capacity=%d idle=%d checked_out=%d\n",
			p.Origin, p.Capacity, p.Idle, p.CheckedOut)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	tokensFile  string
	wallet      string
	attempts    int
)

// Metrics
var (
	totalRequests uint64
	created201    uint64 // Redeemed
	fail409       uint64 // Already redeemed / stale
	fail4xx       uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Concurrent redeemers per token")
	flag.StringVar(&tokensFile, "tokens", "tokens.txt", "File with one redemption token per line")
	flag.StringVar(&wallet, "wallet", "", "Storage provider wallet address")
	flag.IntVar(&attempts, "attempts", 1, "Redeem attempts per worker and token")
}

// Every token is redeemed by many workers at once; the ledger must accept
// exactly one of them.
func main() {
	flag.Parse()
	if wallet == "" {
		log.Fatal("-wallet is required")
	}
	raw, err := os.ReadFile(tokensFile)
	if err != nil {
		log.Fatalf("read tokens: %v", err)
	}
	var tokens []string
	for _, line := range strings.Split(string(raw), "\n") {
		if t := strings.TrimSpace(line); t != "" {
			tokens = append(tokens, t)
		}
	}
	log.Printf("Starting redeem race: %d tokens | Workers: %d | Attempts: %d", len(tokens), concurrency, attempts)

	start := time.Now()
	client := &http.Client{Timeout: 10 * time.Second}
	var wg sync.WaitGroup
	for _, tok := range tokens {
		release := make(chan struct{})
		wg.Add(concurrency)
		for i := 0; i < concurrency; i++ {
			go worker(&wg, client, tok, release)
		}
		close(release)
	}
	wg.Wait()
	printResults(time.Since(start), len(tokens))
}

func worker(wg *sync.WaitGroup, client *http.Client, token string, release <-chan struct{}) {
	defer wg.Done()
	body, _ := json.Marshal(map[string]string{"token": token, "wallet_address": wallet})
	<-release

	for i := 0; i < attempts; i++ {
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/redeem", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == 201:
			atomic.AddUint64(&created201, 1)
		case resp.StatusCode == 409:
			atomic.AddUint64(&fail409, 1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&fail4xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration, tokens int) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	f409 := atomic.LoadUint64(&fail409)
	f4xx := atomic.LoadUint64(&fail4xx)
	fErr := atomic.LoadUint64(&failOther)

	results := map[string]interface{}{
		"duration_sec":      d.Seconds(),
		"tokens":            tokens,
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"redeemed":          c201,
		"conflicts":         f409,
		"client_errors":     f4xx,
		"errors":            fErr,
		"double_redemption": c201 > uint64(tokens),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	if c201 > uint64(tokens) {
		fmt.Fprintf(os.Stderr, "FAIL: %d redemptions for %d tokens\n", c201, tokens)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/parley/chat-app/loadtest/client"
	"github.com/parley/chat-app/loadtest/stats"
)

// runSaturate opens N authenticated connections and holds them idle for the
// test duration, exercising the registry and heartbeat at scale.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	credFile := fs.String("creds", "creds.txt", "credential file (userID token per line)")
	count := fs.Int("n", 1000, "number of connections to open")
	rampRate := fs.Int("rate", 100, "connections per second during ramp-up")
	hold := fs.Duration("hold", 30*time.Second, "how long to hold connections open")
	fs.Parse(args)

	creds, err := loadCredentials(*credFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load credentials: %v\n", err)
		os.Exit(1)
	}
	if *count > len(creds) {
		fmt.Fprintf(os.Stderr, "need %d credentials, have %d\n", *count, len(creds))
		os.Exit(1)
	}

	collector := stats.NewCollector()
	clients := make([]*client.Client, 0, *count)
	var mu sync.Mutex

	fmt.Printf("Opening %d connections at %d/s...\n", *count, *rampRate)
	interval := time.Second / time.Duration(*rampRate)
	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		wg.Add(1)
		go func(cred credential) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c, err := client.New(ctx, *url, cred.Token, cred.UserID)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(creds[i])
		time.Sleep(interval)
	}
	wg.Wait()

	fmt.Printf("Holding %d connections for %s...\n", collector.ConnectionCount(), *hold)
	time.Sleep(*hold)

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report()
}

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

// typingPayload mirrors the server's typing event payload.
type typingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId,omitempty"`
}

// runTyping connects every credential to one chat. The first credential is
// the sender; the rest measure how long a typing frame takes to fan out.
// All users must already be members of the chat.
func runTyping(args []string) {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	credFile := fs.String("creds", "creds.txt", "credential file (userID token per line)")
	chatID := fs.String("chat", "", "chat id all credentials are members of")
	frames := fs.Int("frames", 20, "typing frames to send")
	interval := fs.Duration("interval", 500*time.Millisecond, "delay between frames (mind the server frame limit)")
	fs.Parse(args)

	if *chatID == "" {
		fmt.Fprintln(os.Stderr, "typing: -chat is required")
		os.Exit(1)
	}
	creds, err := loadCredentials(*credFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load credentials: %v\n", err)
		os.Exit(1)
	}
	if len(creds) < 2 {
		fmt.Fprintln(os.Stderr, "typing: need at least 2 credentials (1 sender, 1+ receivers)")
		os.Exit(1)
	}

	collector := stats.NewCollector()

	// sentAt is the wall-clock time of the most recent frame. Receivers in
	// the same process read it to compute fanout latency.
	var mu sync.Mutex
	var sentAt time.Time

	var clients []*client.Client
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for i, cred := range creds {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := client.New(ctx, *url, cred.Token, cred.UserID)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", cred.UserID, err)
			collector.AddError()
			continue
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		clients = append(clients, c)

		if i > 0 {
			c.On(client.TypeTyping, func(client.Event) {
				mu.Lock()
				at := sentAt
				mu.Unlock()
				if !at.IsZero() {
					collector.AddFanoutLatency(time.Since(at))
				}
			})
		}
	}
	if len(clients) < 2 {
		fmt.Fprintln(os.Stderr, "typing: not enough live connections")
		collector.Report()
		os.Exit(1)
	}

	sender := clients[0]
	fmt.Printf("Sending %d typing frames to chat %s (%d receivers)...\n",
		*frames, *chatID, len(clients)-1)

	for i := 0; i < *frames; i++ {
		mu.Lock()
		sentAt = time.Now()
		mu.Unlock()
		if err := sender.Send(client.TypeTyping, typingPayload{ChatID: *chatID}); err != nil {
			collector.AddError()
		}
		time.Sleep(*interval)
	}

	// Let the final fanout drain before reporting.
	time.Sleep(time.Second)
	fmt.Printf("Recorded %d deliveries.\n", collector.FanoutCount())
	collector.Report()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/storebox"
	"github.com/jpalmerr/storebox/internal/hub"
	"github.com/jpalmerr/storebox/internal/poller"
)

func main() {
	// start mock server (see mock_server.go)
	go StartMockStockServer(":9999")
	time.Sleep(100 * time.Millisecond)

	store, err := storebox.New(storebox.State{"items": 0, "theme": "light", "stock": nil},
		storebox.WithName("cart"),
		storebox.WithAction("addItem", storebox.Increment("items", 1)),
		storebox.WithAction("removeItem", storebox.Chain(
			storebox.Increment("items", -1),
			storebox.Clamp("items", 0, 99),
		)),
		storebox.WithAction("toggleTheme", storebox.Toggle("theme", "light", "dark")),
	)
	if err != nil {
		slog.Error("failed to create store", "error", err)
		os.Exit(1)
	}

	// each subscriber only hears about its own field
	storebox.Watch(store, func(s storebox.State) any { return s["items"] }, func(v any) {
		fmt.Printf("  cart badge: %v item(s)\n", v)
	})
	storebox.Watch(store, func(s storebox.State) any { return s["theme"] }, func(v any) {
		fmt.Printf("  page theme: %v\n", v)
	})
	store.Subscribe(storebox.Field("stock"), func(v any) {
		fmt.Printf("  mugs in stock: %v\n", v)
	})

	// the stock source writes data.count into the stock field
	h, err := hub.New(store,
		hub.WithSources(poller.Source{
			Name:     "stock",
			URL:      "http://localhost:9999/stock",
			Field:    "stock",
			Path:     "data.count",
			Interval: 2 * time.Second,
		}),
		hub.WithPollInterval(5*time.Second),
		hub.WithPort(8080),
	)
	if err != nil {
		slog.Error("failed to create hub", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   storebox cart demo                                  ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Inspector: http://localhost:8080                    ║")
	fmt.Println("  ║   Stream:    /api/sse?fields=items                    ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   A simulated shopper dispatches an action every 3s;  ║")
	fmt.Println("  ║   the stock field is polled from a mock endpoint.     ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go shop(ctx, store)

	if err := h.Start(ctx); err != nil {
		slog.Error("storebox error", "error", err)
		os.Exit(1)
	}
}

// shop dispatches a random action every few seconds until ctx is done.
func shop(ctx context.Context, store *storebox.Store) {
	actions := []string{"addItem", "addItem", "removeItem", "toggleTheme"}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name := actions[rand.Intn(len(actions))]
			fmt.Printf("dispatch %s\n", name)
			if err := store.Dispatch(name); err != nil {
				slog.Error("dispatch failed", "action", name, "error", err)
			}
		}
	}
}

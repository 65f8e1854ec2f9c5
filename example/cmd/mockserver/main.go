// Standalone mock stock server for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/storebox serve -c example/store.yaml
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
)

func main() {
	fmt.Println("Mock stock server starting on :9999")
	fmt.Println("GET  /stock           current count")
	fmt.Println("POST /stock?count=N   set the count")
	fmt.Println("GET  /queue           pending orders as plain text")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	var (
		mu    sync.Mutex
		count = 20
	)

	http.HandleFunc("/stock", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Method == http.MethodPost {
			n, err := strconv.Atoi(r.URL.Query().Get("count"))
			if err != nil || n < 0 {
				mu.Unlock()
				http.Error(w, "count must be a non-negative integer", http.StatusBadRequest)
				return
			}
			slog.Info("stock changed", "from", count, "to", n)
			count = n
		}
		current := count
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"sku": "mug", "count": current},
		})
	})

	http.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pending := (20 - count) / 2
		mu.Unlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# TYPE orders_pending gauge\norders_pending %d\n", pending)
	})

	if err := http.ListenAndServe(":9999", nil); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

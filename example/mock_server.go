package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// StartMockStockServer runs a mock inventory endpoint at /stock.
//
// The stock count drops by 0-2 units every few seconds and is restocked to
// 20 once it runs out. Call this in a goroutine before starting the hub.
func StartMockStockServer(addr string) {
	var (
		mu        sync.Mutex
		count     = 20
		nextDrop  = time.Now().Add(3 * time.Second)
		restocked = 0
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/stock", func(w http.ResponseWriter, r *http.Request) {
		// simulate small latency variance
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		mu.Lock()
		if time.Now().After(nextDrop) {
			count -= rand.Intn(3)
			if count <= 0 {
				count = 20
				restocked++
				slog.Info("restocked", "count", count)
			}
			nextDrop = time.Now().Add(time.Duration(2+rand.Intn(4)) * time.Second)
		}
		resp := map[string]any{
			"data": map[string]any{
				"sku":       "mug",
				"count":     count,
				"restocked": restocked,
			},
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}

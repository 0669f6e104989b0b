// Command worker runs a lightweight mock generation worker. It registers
// itself with the gateway via periodic heartbeats and answers POST /generate
// with a deterministic placeholder PNG. Used for E2E/load testing the
// dispatch path without real GPUs.
//
// Environment:
//
//	WORKER_PORT        — listen port (default 5002)
//	WORKER_URL         — advertised base URL (default http://localhost:<port>)
//	WORKER_TYPE        — model type announced in heartbeats (default "flux")
//	GATEWAY_URL        — gateway base URL (default http://localhost:8080)
//	HEARTBEAT_INTERVAL — seconds between heartbeats (default 15)
//	MOCK_LATENCY_MS    — artificial latency added to every generation (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of requests that return HTTP 500 (default 0)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

type config struct {
	Port              int
	URL               string
	Type              string
	GatewayURL        string
	HeartbeatInterval time.Duration
	LatencyMS         int
	ErrorRate         float64
}

func loadConfig() config {
	c := config{
		Port:              5002,
		Type:              "flux",
		GatewayURL:        "http://localhost:8080",
		HeartbeatInterval: 15 * time.Second,
	}
	if v := os.Getenv("WORKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("WORKER_TYPE"); v != "" {
		c.Type = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("WORKER_URL"); v != "" {
		c.URL = v
	} else {
		c.URL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	return c
}

// stats mirror what the gateway's dispatcher reads from heartbeats.
type stats struct {
	inFlight int64
	total    uint64
	errors   uint64
}

// heartbeat matches the gateway's POST /register payload.
type heartbeat struct {
	URL               string  `json:"url"`
	Type              string  `json:"type"`
	QueueSize         int     `json:"queueSize"`
	TotalRequests     uint64  `json:"totalRequests"`
	Errors            uint64  `json:"errors"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
}

// placeholderPNG is a 1×1 transparent PNG.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func main() {
	cfg := loadConfig()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st stats

	mux := http.NewServeMux()
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		atomic.AddInt64(&st.inFlight, 1)
		defer atomic.AddInt64(&st.inFlight, -1)
		atomic.AddUint64(&st.total, 1)

		if cfg.LatencyMS > 0 {
			time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			atomic.AddUint64(&st.errors, 1)
			http.Error(w, "mock generation failure", http.StatusInternalServerError)
			return
		}

		var req struct {
			Prompt string `json:"prompt"`
			Model  string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			atomic.AddUint64(&st.errors, 1)
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		log.Info("generated", slog.String("model", req.Model), slog.String("prompt", req.Prompt))
		w.Header().Set("Content-Type", "image/png")
		w.Write(placeholderPNG)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go heartbeatLoop(ctx, cfg, &st, log)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("mock worker listening",
		slog.String("addr", srv.Addr),
		slog.String("type", cfg.Type),
		slog.String("gateway", cfg.GatewayURL),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// heartbeatLoop announces the worker to the gateway until ctx is cancelled.
// The first heartbeat is sent immediately so the worker is dispatchable as
// soon as it is up.
func heartbeatLoop(ctx context.Context, cfg config, st *stats, log *slog.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	send := func() {
		hb := heartbeat{
			URL:           cfg.URL,
			Type:          cfg.Type,
			QueueSize:     int(atomic.LoadInt64(&st.inFlight)),
			TotalRequests: atomic.LoadUint64(&st.total),
			Errors:        atomic.LoadUint64(&st.errors),
		}
		body, _ := json.Marshal(hb)
		resp, err := client.Post(cfg.GatewayURL+"/register", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Warn("heartbeat failed", slog.String("error", err.Error()))
			return
		}
		resp.Body.Close()
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

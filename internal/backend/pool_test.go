package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pollenlabs/gen-gateway/internal/registry"
)

func newTestPool() (*Pool, *registry.Registry) {
	reg := registry.New(registry.Options{})
	br := registry.NewBreaker(registry.BreakerConfig{})
	return NewPool(reg, br, nil), reg
}

func fakeWorker(t *testing.T, status int, body []byte, contentType string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		hits.Add(1)
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestPoolGenerate(t *testing.T) {
	pool, reg := newTestPool()

	srv, hits := fakeWorker(t, http.StatusOK, []byte("png-bytes"), "image/png")
	reg.Register(registry.Heartbeat{URL: srv.URL, Type: "flux"})

	resp, err := pool.Generate(context.Background(), &Request{
		Model:     "flux",
		Prompt:    "a sunset",
		Width:     512,
		Height:    512,
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(resp.Raw) != "png-bytes" || resp.ContentType != "image/png" {
		t.Fatalf("got (%q, %q)", resp.Raw, resp.ContentType)
	}
	if resp.Worker != srv.URL {
		t.Fatalf("Worker = %q, want %q", resp.Worker, srv.URL)
	}
	if hits.Load() != 1 {
		t.Fatalf("worker hit %d times, want 1", hits.Load())
	}
}

func TestPoolForwardsRequestFields(t *testing.T) {
	pool, reg := newTestPool()

	var got poolRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	reg.Register(registry.Heartbeat{URL: srv.URL, Type: "turbo"})

	_, err := pool.Generate(context.Background(), &Request{
		Model:  "turbo",
		Prompt: "a cat",
		Width:  1024,
		Height: 768,
		Seed:   7,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Prompt != "a cat" || got.Width != 1024 || got.Height != 768 || got.Seed != 7 {
		t.Fatalf("worker received %+v", got)
	}
}

func TestPoolNoWorker(t *testing.T) {
	pool, _ := newTestPool()

	_, err := pool.Generate(context.Background(), &Request{Model: "flux", Prompt: "p"})
	if !errors.Is(err, registry.ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker", err)
	}
}

func TestPoolNoWorkerOfType(t *testing.T) {
	pool, reg := newTestPool()

	srv, _ := fakeWorker(t, http.StatusOK, nil, "")
	reg.Register(registry.Heartbeat{URL: srv.URL, Type: "turbo"})

	_, err := pool.Generate(context.Background(), &Request{Model: "flux", Prompt: "p"})
	if !errors.Is(err, registry.ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker", err)
	}
}

func TestPoolPicksLeastLoaded(t *testing.T) {
	pool, reg := newTestPool()

	busy, busyHits := fakeWorker(t, http.StatusOK, nil, "")
	idle, idleHits := fakeWorker(t, http.StatusOK, nil, "")
	reg.Register(registry.Heartbeat{URL: busy.URL, Type: "flux", QueueSize: 9})
	reg.Register(registry.Heartbeat{URL: idle.URL, Type: "flux", QueueSize: 1})

	if _, err := pool.Generate(context.Background(), &Request{Model: "flux", Prompt: "p"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if idleHits.Load() != 1 || busyHits.Load() != 0 {
		t.Fatalf("hits idle=%d busy=%d, want 1/0", idleHits.Load(), busyHits.Load())
	}
}

func TestPoolWorkerErrorCarriesStatus(t *testing.T) {
	pool, reg := newTestPool()

	srv, _ := fakeWorker(t, http.StatusTooManyRequests, nil, "")
	reg.Register(registry.Heartbeat{URL: srv.URL, Type: "flux"})

	_, err := pool.Generate(context.Background(), &Request{Model: "flux", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error for worker 429")
	}
	var sc StatusCoder
	if !errors.As(err, &sc) {
		t.Fatalf("err %v does not carry a status", err)
	}
	if sc.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", sc.HTTPStatus())
	}
}

func TestPoolBreakerExcludesFailingWorker(t *testing.T) {
	reg := registry.New(registry.Options{})
	br := registry.NewBreaker(registry.BreakerConfig{ErrorThreshold: 2})
	pool := NewPool(reg, br, nil)

	srv, _ := fakeWorker(t, http.StatusInternalServerError, nil, "")
	reg.Register(registry.Heartbeat{URL: srv.URL, Type: "flux"})

	ctx := context.Background()
	req := &Request{Model: "flux", Prompt: "p"}

	// Two failures trip the breaker.
	for i := 0; i < 2; i++ {
		if _, err := pool.Generate(ctx, req); err == nil {
			t.Fatalf("attempt %d should fail", i)
		}
	}

	// The worker is still registered but no longer admissible.
	_, err := pool.Generate(ctx, req)
	if !errors.Is(err, registry.ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker once breaker is open", err)
	}
}

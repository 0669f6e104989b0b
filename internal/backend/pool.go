package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pollenlabs/gen-gateway/internal/registry"
)

// Pool dispatches image generations to self-registered workers. Workers are
// chosen by lowest reported queue size among active workers of the model's
// type; a per-worker circuit breaker takes repeatedly failing workers out
// of rotation before the registry notices missed heartbeats.
type Pool struct {
	reg     *registry.Registry
	breaker *registry.Breaker
	client  *fasthttp.Client
	timeout time.Duration
}

// poolRequest is the JSON payload POSTed to a worker's /generate endpoint.
type poolRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Seed      int    `json:"seed,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewPool wires the pool backend. client may be nil; a default with
// generous timeouts is used.
func NewPool(reg *registry.Registry, breaker *registry.Breaker, client *fasthttp.Client) *Pool {
	if client == nil {
		client = &fasthttp.Client{
			ReadTimeout:         2 * time.Minute,
			WriteTimeout:        30 * time.Second,
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: time.Minute,
		}
	}
	return &Pool{
		reg:     reg,
		breaker: breaker,
		client:  client,
		timeout: 2 * time.Minute,
	}
}

func (p *Pool) Name() string { return "pool" }

// Generate picks the least-loaded admissible worker for the request's model
// and forwards the generation. Workers whose breaker is open are skipped;
// if every candidate is excluded the caller gets ErrNoWorker, which maps to
// a 503.
func (p *Pool) Generate(ctx context.Context, req *Request) (*Response, error) {
	worker, err := p.pick(req.Model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(poolRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Width:     req.Width,
		Height:    req.Height,
		Seed:      req.Seed,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("pool: marshal request: %w", err)
	}

	raw, contentType, err := p.post(ctx, worker.URL, body)
	if err != nil {
		p.breaker.RecordFailure(worker.URL)
		return nil, err
	}
	p.breaker.RecordSuccess(worker.URL)

	return &Response{
		ID:          req.RequestID,
		Model:       req.Model,
		Worker:      worker.URL,
		Raw:         raw,
		ContentType: contentType,
	}, nil
}

// HealthCheck passes when at least one worker of any type is active.
func (p *Pool) HealthCheck(context.Context) error {
	if len(p.reg.ListActive("")) == 0 {
		return registry.ErrNoWorker
	}
	return nil
}

func (p *Pool) pick(workerType string) (registry.WorkerRecord, error) {
	candidates := p.reg.ListActive(workerType)

	admissible := candidates[:0]
	for _, c := range candidates {
		if p.breaker.Allow(c.URL) {
			admissible = append(admissible, c)
		}
	}

	best, ok := registry.PickBest(admissible)
	if !ok {
		return registry.WorkerRecord{}, registry.ErrNoWorker
	}
	return best, nil
}

func (p *Pool) post(ctx context.Context, workerURL string, body []byte) ([]byte, string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(workerURL + "/generate")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, "", context.DeadlineExceeded
	}

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, "", fmt.Errorf("pool: worker %s: %w", workerURL, err)
	}

	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, "", &workerError{url: workerURL, status: code}
	}

	contentType := string(resp.Header.ContentType())
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// The response buffer is recycled with resp; copy it out.
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, contentType, nil
}

// workerError carries a worker's HTTP status through the error chain.
type workerError struct {
	url    string
	status int
}

func (e *workerError) Error() string {
	return fmt.Sprintf("pool: worker %s returned %d", e.url, e.status)
}

func (e *workerError) HTTPStatus() int { return e.status }

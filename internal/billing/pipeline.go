package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const (
	channelBuffer = 10_000
	selectBatch   = 100
)

// Recorder accepts events from the request hot path without blocking it.
// Events go to an internal buffered channel and a background writer persists
// them. If the channel fills up, new events are dropped and counted — losing
// a billing event under overload beats stalling user traffic.
type Recorder struct {
	store *Store
	ch    chan Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewRecorder starts the background writer.
func NewRecorder(ctx context.Context, store *Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:   store,
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an event. Never blocks.
func (r *Recorder) Record(e Event) {
	select {
	case r.ch <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of events lost to a full channel.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the channel and stops the writer.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	// Writes run on a context detached from the lifecycle: on shutdown the
	// signal context is already cancelled while the drain loop below is
	// still flushing accepted events to the journal.
	writeCtx := context.WithoutCancel(r.baseCtx)

	persist := func(e Event) {
		if err := r.store.Insert(writeCtx, e); err != nil {
			r.log.Error("billing event not persisted",
				"event_id", e.ID,
				"user_id", e.UserID,
				"error", err,
			)
		}
	}

	for {
		select {
		case e := <-r.ch:
			persist(e)

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					persist(e)
				default:
					return
				}
			}
		}
	}
}

// DelivererOptions configure delivery behavior.
type DelivererOptions struct {
	// Endpoint receives events as POSTed JSON.
	Endpoint string
	// Token is sent as a bearer credential when non-empty.
	Token string
	// Interval between drain cycles. Defaults to 5s.
	Interval time.Duration
	// MaxAttempts before an event is abandoned. Defaults to 8.
	MaxAttempts int
	// BackoffBase is the first retry delay, doubled per attempt.
	// Defaults to 10s.
	BackoffBase time.Duration
	// DeliveryRPS paces outbound posts so a large backlog cannot hammer
	// the billing endpoint. ≤ 0 means unpaced.
	DeliveryRPS float64
}

func (o *DelivererOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
}

// Deliverer drains persisted events to the billing endpoint. Delivery is
// at-least-once: an event is marked sent only after the endpoint accepts
// it, so a crash between POST and mark re-sends the event and the endpoint
// deduplicates on the event ID.
type Deliverer struct {
	store  *Store
	opts   DelivererOptions
	client *fasthttp.Client
	pacer  *rate.Limiter
	log    *slog.Logger

	now func() time.Time
}

// NewDeliverer builds a deliverer; call Run to start it.
func NewDeliverer(store *Store, opts DelivererOptions, log *slog.Logger) *Deliverer {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	var pacer *rate.Limiter
	if opts.DeliveryRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(opts.DeliveryRPS), 1)
	}
	return &Deliverer{
		store: store,
		opts:  opts,
		client: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		pacer: pacer,
		log:   log,
		now:   time.Now,
	}
}

// Run drains on every interval tick until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DeliverOnce(ctx); err != nil {
				d.log.Warn("billing delivery cycle failed", "error", err)
			}
		}
	}
}

// DeliverOnce runs a single drain cycle: select deliverable events, post
// each, and record the outcome. Per-event failures are recorded in the
// store, not returned.
func (d *Deliverer) DeliverOnce(ctx context.Context) error {
	now := d.now().UTC()

	events, err := d.store.SelectDeliverable(ctx, now, d.opts.MaxAttempts, selectBatch)
	if err != nil {
		return err
	}

	for _, e := range events {
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		now = d.now().UTC()
		if err := d.store.MarkProcessing(ctx, e.ID, now); err != nil {
			d.log.Error("billing claim failed", "event_id", e.ID, "error", err)
			continue
		}

		if err := d.post(e); err != nil {
			next := now.Add(backoff(d.opts.BackoffBase, e.Attempts))
			d.log.Warn("billing delivery failed",
				"event_id", e.ID,
				"attempt", e.Attempts+1,
				"next_attempt_at", next,
				"error", err,
			)
			if serr := d.store.MarkFailed(ctx, e.ID, now, next); serr != nil {
				d.log.Error("billing failure not recorded", "event_id", e.ID, "error", serr)
			}
			continue
		}

		if err := d.store.MarkSent(ctx, e.ID, d.now().UTC()); err != nil {
			// The endpoint accepted the event but the mark failed; the
			// event will be re-sent and deduplicated by ID.
			d.log.Error("billing sent mark failed", "event_id", e.ID, "error", err)
		}
	}
	return nil
}

func (d *Deliverer) post(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.opts.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if d.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.Token)
	}
	req.SetBody(body)

	if err := d.client.DoTimeout(req, resp, 10*time.Second); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("billing endpoint returned %d", code)
	}
	return nil
}

// backoff returns base·2^attempts capped at 10 minutes.
func backoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts && d < 10*time.Minute; i++ {
		d *= 2
	}
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

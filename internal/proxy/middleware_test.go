package proxy

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/pollenlabs/gen-gateway/internal/metrics"
)

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
	if body := string(ctx.Response.Body()); !strings.Contains(body, "internal_error") {
		t.Errorf("body %q missing error code", body)
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusTeapot)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if got := ctx.Response.StatusCode(); got != fasthttp.StatusTeapot {
		t.Errorf("status = %d, want 418", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" {
		t.Fatal("request_id not set in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("request_id %q is not a UUID: %v", seen, err)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-id-1")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-id-1" {
		t.Errorf("header = %q, want client-id-1", got)
	}
}

func TestTimingHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("X-Response-Time")); got == "" {
		t.Error("missing X-Response-Time header")
	}
}

func TestInFlightNilRegistry(t *testing.T) {
	called := false
	handler := inFlight(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	handler(&fasthttp.RequestCtx{})
	if !called {
		t.Error("handler not invoked")
	}
}

func TestInFlightCounts(t *testing.T) {
	m := metrics.New()
	handler := inFlight(m)(func(ctx *fasthttp.RequestCtx) {})
	handler(&fasthttp.RequestCtx{})
	// No panic and the chain completed; the gauge value itself is covered by
	// the registry's own tests.
}

func TestCORSOpenByDefault(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("origin = %q, want *", got)
	}
}

func TestCORSAllowlist(t *testing.T) {
	handler := corsHandler([]string{"https://a.example", "https://b.example"})(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	want := "https://a.example, https://b.example"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Errorf("origin = %q, want %q", got, want)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("preflight reached the handler")
	}
	if got := ctx.Response.StatusCode(); got != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	for _, h := range []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Content-Security-Policy",
	} {
		if got := string(ctx.Response.Header.Peek(h)); got == "" {
			t.Errorf("missing %s header", h)
		}
	}
}

func TestApplyMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	handler(&fasthttp.RequestCtx{})
	want := []string{"outer", "inner", "handler"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

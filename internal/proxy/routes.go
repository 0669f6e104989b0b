package proxy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/pollenlabs/gen-gateway/internal/backend"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.server(mgmt)
	return srv.ListenAndServe(addr)
}

// Handler builds the fully-wrapped request handler. Split out of Start so
// tests can drive the router without binding a port.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/register", g.handleRegister)
	r.GET("/register", g.handleWorkers)

	r.GET("/prompt/{text}", g.handlePrompt)
	r.POST("/v1/chat/completions", g.handleChat)
	r.GET("/models", g.handleModels)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		inFlight(g.metrics),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// modelInfo is the /models listing entry.
type modelInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Free     bool   `json:"free"`
	Fallback string `json:"fallback,omitempty"`
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	out := make([]modelInfo, 0, len(backend.Models))
	for _, spec := range backend.Models {
		out = append(out, modelInfo{
			Name:     spec.Name,
			Kind:     spec.Kind,
			Free:     spec.Free,
			Fallback: spec.Fallback,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":  "ok",
		"version": g.version,
	})
}

// handleReadiness reports ready once at least one worker is registered or a
// hosted backend is configured.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if len(g.backends) > 1 || (g.reg != nil && g.reg.Len() > 0) {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

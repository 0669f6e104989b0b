package proxy

import (
	"encoding/json"
	"net/url"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/pollenlabs/gen-gateway/internal/registry"
	"github.com/pollenlabs/gen-gateway/pkg/apierr"
)

// handleRegister serves POST /register: a worker heartbeat upsert.
func (g *Gateway) handleRegister(ctx *fasthttp.RequestCtx) {
	var hb registry.Heartbeat
	if err := json.Unmarshal(ctx.PostBody(), &hb); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid heartbeat body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := validateHeartbeat(hb); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.reg.Register(hb)

	if g.metrics != nil {
		g.metrics.RecordHeartbeat()
		g.metrics.SetActiveWorkers(hb.Type, len(g.reg.ListActive(hb.Type)))
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "registered"})
}

// handleWorkers serves GET /register: the full registry snapshot, stale
// records included, sorted by URL for stable output.
func (g *Gateway) handleWorkers(ctx *fasthttp.RequestCtx) {
	records := g.reg.Snapshot()
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })
	writeJSON(ctx, fasthttp.StatusOK, records)
}

type heartbeatError string

func (e heartbeatError) Error() string { return string(e) }

func validateHeartbeat(hb registry.Heartbeat) error {
	if hb.URL == "" {
		return heartbeatError("heartbeat url is required")
	}
	u, err := url.Parse(hb.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return heartbeatError("heartbeat url must be an absolute http(s) URL")
	}
	if hb.Type == "" {
		return heartbeatError("heartbeat type is required")
	}
	if hb.QueueSize < 0 {
		return heartbeatError("heartbeat queueSize must not be negative")
	}
	return nil
}

// Package sse projects event bus traffic onto server-sent event streams, one
// subscriber set per connected browser client.
package sse

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// sseEventNames maps bus subjects to the event names browsers subscribe to
// with EventSource.addEventListener.
var sseEventNames = map[string]string{
	events.SessionListChanged:    "sessionListChanged",
	events.SessionChanged:        "sessionChanged",
	events.AgentSessionChanged:   "agentSessionChanged",
	events.SessionProcessChanged: "sessionProcessChanged",
	events.SchedulerJobsChanged:  "schedulerJobsChanged",
	events.PermissionRequested:   "permissionRequested",
}

// Gateway serves GET /api/events. Each request gets its own bus subscriptions
// which are torn down when the client disconnects.
type Gateway struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewGateway creates the SSE gateway.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "sse_gateway")),
	}
}

// ServeHTTP streams bus events to the client until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := newClient(g.logger)
	defer c.close()

	var subs []bus.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for subject, name := range sseEventNames {
		eventName := name
		mustDeliver := subject == events.SessionProcessChanged
		sub, err := g.eventBus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			data, err := json.Marshal(ev.Data)
			if err != nil {
				return err
			}
			c.push(frame{event: eventName, data: data}, mustDeliver)
			return nil
		})
		if err != nil {
			g.logger.Error("failed to subscribe SSE client", zap.String("subject", subject), zap.Error(err))
			return
		}
		subs = append(subs, sub)
	}

	// Heartbeats become SSE comments so proxies keep the connection open.
	hbSub, err := g.eventBus.Subscribe(events.Heartbeat, func(_ context.Context, ev *bus.Event) error {
		c.push(frame{comment: true}, false)
		return nil
	})
	if err != nil {
		g.logger.Error("failed to subscribe SSE client to heartbeat", zap.Error(err))
		return
	}
	subs = append(subs, hbSub)

	g.logger.Debug("SSE client connected", zap.String("remote", r.RemoteAddr))
	c.writePump(r.Context(), w, flusher)
	g.logger.Debug("SSE client disconnected", zap.String("remote", r.RemoteAddr))
}

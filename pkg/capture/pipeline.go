package capture

import (
	"context"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/geo"
)

// Appender persists credential attempts. Implemented by store.Store.
type Appender interface {
	Append(ctx context.Context, attempt *Attempt) error
}

// Broadcaster fans a captured attempt out to live subscribers.
// Implemented by hub.Hub. Broadcast must not block the caller.
type Broadcaster interface {
	Broadcast(attempt *Attempt)
}

// Resolver provides cached geolocation lookups. Implemented by geo.Resolver.
type Resolver interface {
	Lookup(ip string) (geo.Location, bool)
}

// Toucher refreshes connection activity for an IP. Implemented by
// scheduler.Scheduler.
type Toucher interface {
	Touch(clientIP string)
}

// Pipeline joins handler output to geolocation enrichment, persistence,
// and subscriber broadcast.
//
// Persistence and broadcast are independent: a store failure is logged and
// the in-memory attempt is still broadcast (with ID unset), and a broadcast
// problem never affects the persisted row.
type Pipeline struct {
	geo     Resolver
	store   Appender
	hub     Broadcaster
	sched   Toucher
	metrics Metrics
}

// Metrics receives per-capture accounting. May be a no-op.
type Metrics interface {
	RecordCapture(protocol Protocol)
}

type noopMetrics struct{}

func (noopMetrics) RecordCapture(Protocol) {}

// NewPipeline constructs a capture pipeline. Any of hub and metrics may be
// nil; geo, store, and sched are required.
func NewPipeline(geo Resolver, store Appender, hub Broadcaster, sched Toucher, metrics Metrics) *Pipeline {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipeline{
		geo:     geo,
		store:   store,
		hub:     hub,
		sched:   sched,
		metrics: metrics,
	}
}

// Record processes one captured credential pair end to end.
// It never returns an error: every failure mode is local to one stage.
func (p *Pipeline) Record(ctx context.Context, protocol Protocol, username, password, clientIP string) {
	logger.Info("Login attempt captured",
		"protocol", protocol, "client_ip", clientIP, "username", username)

	p.sched.Touch(clientIP)

	attempt := &Attempt{
		Protocol:  protocol,
		Username:  username,
		Password:  password,
		ClientIP:  clientIP,
		Timestamp: time.Now().UTC(),
	}
	attempt.Truncate()

	if loc, ok := p.geo.Lookup(clientIP); ok {
		lat, lon := loc.Latitude, loc.Longitude
		country, city, region := loc.Country, loc.City, loc.Region
		attempt.Latitude = &lat
		attempt.Longitude = &lon
		attempt.Country = &country
		attempt.City = &city
		attempt.Region = &region
	}

	if err := p.store.Append(ctx, attempt); err != nil {
		logger.Error("Failed to persist login attempt",
			"protocol", protocol, "client_ip", clientIP, "error", err)
	}

	// Broadcast from the in-memory attempt regardless of store outcome.
	if p.hub != nil {
		p.hub.Broadcast(attempt)
	}

	p.metrics.RecordCapture(protocol)
}

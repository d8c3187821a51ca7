// Package router picks execution providers for tasks and isolates
// failing ones.
//
// Providers form an ordered table; routing walks it by ascending
// priority and returns the first provider whose circuit breaker admits
// the call, emitting route_skipped, route_failover, and route_exhausted
// events along the way. Outcomes recorded by the scheduler drive each
// breaker through CLOSED, OPEN, and HALF_OPEN. A weighted semaphore per
// provider bounds concurrent executions; slot acquisition failures are
// resource-classified so a saturated provider eventually sheds load to
// the next one.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/droverhq/drover/pkg/backend"
	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/events"
)

var (
	// ErrNoProviderAvailable is returned when every provider's breaker
	// rejects the call.
	ErrNoProviderAvailable = errors.New("no_provider_available")

	// ErrUnknownProvider is returned by Acquire for ids not in the table.
	ErrUnknownProvider = errors.New("unknown provider")
)

// DefaultMaxConcurrent bounds per-provider concurrent executions when a
// provider does not set its own cap.
const DefaultMaxConcurrent = 8

// Provider is one routable execution backend.
type Provider struct {
	ID            string
	Backend       backend.Backend
	Priority      int   // lower is preferred
	MaxConcurrent int64 // concurrent execution cap; DefaultMaxConcurrent when 0
	Breaker       BreakerConfig
}

// Route is a routing decision.
type Route struct {
	ProviderID string
	Backend    backend.Backend
}

type providerEntry struct {
	Provider
	breaker *breaker
	sem     *semaphore.Weighted
}

// Router routes tasks over the provider table. The table is immutable
// after New; per-provider state carries its own synchronization.
type Router struct {
	providers []*providerEntry // ascending priority
	byID      map[string]*providerEntry
	pub       *events.Publisher
}

// New builds a Router over the provider table, sorted by ascending
// priority. Ids must be unique and backends non-nil. pub may be nil
// when routing events are not observed (tests).
func New(providers []Provider, pub *events.Publisher) (*Router, error) {
	if len(providers) == 0 {
		return nil, errors.New("router: at least one provider required")
	}
	r := &Router{
		byID: make(map[string]*providerEntry, len(providers)),
		pub:  pub,
	}
	for _, p := range providers {
		if p.ID == "" {
			return nil, errors.New("router: provider id required")
		}
		if p.Backend == nil {
			return nil, fmt.Errorf("router: provider %s has no backend", p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("router: duplicate provider id %s", p.ID)
		}
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = DefaultMaxConcurrent
		}
		e := &providerEntry{
			Provider: p,
			breaker:  newBreaker(p.Breaker),
			sem:      semaphore.NewWeighted(p.MaxConcurrent),
		}
		r.providers = append(r.providers, e)
		r.byID[p.ID] = e
	}
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority < r.providers[j].Priority
	})
	return r, nil
}

// Route picks the highest-priority provider whose breaker admits the
// call, emitting route_skipped for each rejection. When no provider is
// admissible it emits route_exhausted and fails with
// ErrNoProviderAvailable.
//
// Every successful Route must be followed by exactly one RecordOutcome
// for the chosen provider: in HALF_OPEN, admission occupies a probe
// slot until the outcome arrives.
func (r *Router) Route(task backend.Task) (Route, error) {
	return r.route(task, false)
}

// RouteWithFailover is Route plus a route_failover event when the chosen
// provider is not the top-priority one.
func (r *Router) RouteWithFailover(task backend.Task) (Route, error) {
	return r.route(task, true)
}

func (r *Router) route(task backend.Task, failoverEvents bool) (Route, error) {
	for i, e := range r.providers {
		if !e.breaker.admit() {
			slog.Debug("Provider skipped: circuit open",
				"provider_id", e.ID, "job_id", task.JobID)
			r.publishRoute(events.EventTypeRouteSkipped, events.RoutePayload{
				AgentID:    task.AgentID,
				JobID:      task.JobID,
				ProviderID: e.ID,
				Reason:     "circuit_open",
			})
			continue
		}
		if failoverEvents && i > 0 {
			r.publishRoute(events.EventTypeRouteFailover, events.RoutePayload{
				AgentID:    task.AgentID,
				JobID:      task.JobID,
				ProviderID: r.providers[0].ID,
				NextID:     e.ID,
				Reason:     "circuit_open",
			})
		}
		return Route{ProviderID: e.ID, Backend: e.Backend}, nil
	}

	slog.Warn("Routing exhausted: all circuits open", "job_id", task.JobID)
	r.publishRoute(events.EventTypeRouteExhausted, events.RoutePayload{
		AgentID: task.AgentID,
		JobID:   task.JobID,
		Reason:  "all_circuits_open",
	})
	return Route{}, ErrNoProviderAvailable
}

// RecordOutcome folds one execution outcome into the provider's breaker.
// Unknown providers are ignored. An empty class on failure counts as
// errclass.Unknown.
func (r *Router) RecordOutcome(providerID string, success bool, class errclass.Class) {
	e, ok := r.byID[providerID]
	if !ok {
		return
	}
	if !success && class == "" {
		class = errclass.Unknown
	}
	prev := e.breaker.currentState()
	e.breaker.recordOutcome(success, class)
	if next := e.breaker.currentState(); next != prev {
		slog.Info("Provider breaker transition",
			"provider_id", providerID, "from", prev.String(), "to", next.String())
	}
}

// Acquire reserves one concurrency slot on a provider, waiting up to
// ctx's deadline (callers pass the task timeout). Failure is wrapped as
// a RESOURCE-classed error: a provider with no free slots is saturated.
func (r *Router) Acquire(ctx context.Context, providerID string) error {
	e, ok := r.byID[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return errclass.New(errclass.Resource, fmt.Errorf("acquire slot on provider %s: %w", providerID, err))
	}
	return nil
}

// Release returns a slot taken by Acquire. Unknown providers are
// ignored.
func (r *Router) Release(providerID string) {
	if e, ok := r.byID[providerID]; ok {
		e.sem.Release(1)
	}
}

// ProviderStatus is one provider's routing snapshot.
type ProviderStatus struct {
	ID            string `json:"providerId"`
	Priority      int    `json:"priority"`
	State         string `json:"state"`
	MaxConcurrent int64  `json:"maxConcurrent"`
}

// Snapshot reports every provider's breaker state in priority order.
func (r *Router) Snapshot() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, ProviderStatus{
			ID:            e.ID,
			Priority:      e.Priority,
			State:         e.breaker.currentState().String(),
			MaxConcurrent: e.MaxConcurrent,
		})
	}
	return out
}

func (r *Router) publishRoute(eventType string, payload events.RoutePayload) {
	if r.pub != nil {
		r.pub.PublishRoute(eventType, payload)
	}
}

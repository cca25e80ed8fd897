package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/views"
)

// ErrUnknownView is reported to observers requesting a view that does not exist.
var ErrUnknownView = errors.New("unknown view type")

// ViewComputer computes live views. *views.Service satisfies it.
type ViewComputer interface {
	Resolve(p views.Params) (views.Params, time.Time, time.Time, error)
	Compute(ctx context.Context, kind views.Kind, p views.Params) (any, error)
	Today() string
}

// Broker answers view requests and refreshes today's subscriptions after
// every committed transition.
type Broker struct {
	registry    *Registry
	views       ViewComputer
	parallelism int
	pushTimeout time.Duration
	refresh     chan struct{}
}

// NewBroker creates a broker. parallelism bounds concurrent view
// computations and pushes during a refresh.
func NewBroker(reg *Registry, v ViewComputer, parallelism int, pushTimeout time.Duration) *Broker {
	if parallelism <= 0 {
		parallelism = 1
	}
	if pushTimeout <= 0 {
		pushTimeout = 10 * time.Second
	}
	return &Broker{
		registry:    reg,
		views:       v,
		parallelism: parallelism,
		pushTimeout: pushTimeout,
		refresh:     make(chan struct{}, 1),
	}
}

// Registry returns the broker's subscription registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Answer handles one request from connection connID: the subscription is
// stored and the view computed once with the requested parameters.
func (b *Broker) Answer(ctx context.Context, connID string, req Request) Envelope {
	kind, ok := views.ParseKind(req.Type)
	if !ok {
		return errorEnvelope(ErrUnknownView)
	}
	params, _, _, err := b.views.Resolve(req.Data)
	if err != nil {
		return errorEnvelope(err)
	}
	if err := b.registry.Subscribe(connID, kind, params); err != nil {
		return errorEnvelope(err)
	}

	data, err := b.views.Compute(ctx, kind, params)
	if err != nil {
		logger.Error("failed to compute view", "conn", connID, "view", kind, "date", params.Date, "error", err)
		return errorEnvelope(err)
	}
	return Envelope{Type: string(kind), Data: data}
}

// TransitionCommitted schedules a refresh. Bursts of transitions collapse
// into a single pending refresh.
func (b *Broker) TransitionCommitted(_ model.Machine, _ model.Transition) {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// Run processes scheduled refreshes until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-b.refresh:
			b.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

type viewKey struct {
	kind   views.Kind
	params views.Params
}

type viewResult struct {
	data any
	err  error
}

// Refresh recomputes and pushes every subscription for today. Each distinct
// view is computed once. Failures are logged per connection and never
// affect other connections.
func (b *Broker) Refresh(ctx context.Context) {
	today := b.views.Today()
	targets := b.registry.Targets(today)
	if len(targets) == 0 {
		return
	}

	results := make(map[viewKey]*viewResult)
	for _, t := range targets {
		results[viewKey{t.Kind, t.Params}] = &viewResult{}
	}

	var g errgroup.Group
	g.SetLimit(b.parallelism)
	for key, res := range results {
		key, res := key, res
		g.Go(func() error {
			res.data, res.err = b.views.Compute(ctx, key.kind, key.params)
			return nil
		})
	}
	_ = g.Wait()

	var mu sync.Mutex
	pushed := 0
	g = errgroup.Group{}
	g.SetLimit(b.parallelism)
	for _, t := range targets {
		t := t
		res := results[viewKey{t.Kind, t.Params}]
		g.Go(func() error {
			if res.err != nil {
				metrics.LivePushes.WithLabelValues(string(t.Kind), "error").Inc()
				logger.Warn("failed to recompute view", "conn", t.ConnID, "view", t.Kind, "error", res.err)
				return nil
			}
			// The observer may have asked for another date or shift while
			// the views were computed; its latest request wins.
			if cur, ok := b.registry.Current(t.ConnID, t.Kind); !ok || cur != t.Params || cur.Date != today {
				metrics.LivePushes.WithLabelValues(string(t.Kind), "stale").Inc()
				logger.Debug("skipping superseded live push", "conn", t.ConnID, "view", t.Kind)
				return nil
			}
			pushCtx, cancel := context.WithTimeout(ctx, b.pushTimeout)
			defer cancel()
			err := t.Sink.Push(pushCtx, Envelope{Type: string(t.Kind), Data: res.data})
			metrics.LivePushes.WithLabelValues(string(t.Kind), metrics.Result(err)).Inc()
			if err != nil {
				logger.Warn("live push failed", "conn", t.ConnID, "view", t.Kind, "error", err)
				return nil
			}
			mu.Lock()
			pushed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	logger.Debug("live views refreshed", "targets", len(targets), "views", len(results), "pushed", pushed)
}

func errorEnvelope(err error) Envelope {
	return Envelope{Type: "error", Message: err.Error()}
}

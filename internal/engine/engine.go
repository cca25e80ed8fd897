// Package engine turns telemetry reports into persisted status transitions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
)

// DefaultManualWindow is the recency window of the noise-suppression heuristic.
const DefaultManualWindow = 6 * time.Minute

// Report is one decoded telemetry message.
type Report struct {
	Machine         string
	Status          model.Status
	JobAssignmentID *int64
	IPAddress       string
}

// Outcome describes what Handle did with a report.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeSuppressed
	OutcomeCommitted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeCommitted:
		return "committed"
	default:
		return "failed"
	}
}

// Listener is told about every committed transition. Implementations must
// not block and must not fail the caller.
type Listener interface {
	TransitionCommitted(machine model.Machine, rec model.Transition)
}

// Engine is safe for concurrent use. Reports for the same machine are
// serialized through the cache's per-machine lock.
type Engine struct {
	store     store.Store
	cache     *statecache.Cache
	window    time.Duration
	now       func() time.Time
	listeners []Listener

	machinesMu sync.RWMutex
	machines   map[string]model.Machine
}

// Option configures an Engine.
type Option func(*Engine)

// WithManualWindow overrides DefaultManualWindow.
func WithManualWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithListener registers a listener for committed transitions.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// New creates an engine. The cache is empty until Warm is called.
func New(st store.Store, cache *statecache.Cache, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		cache:    cache,
		window:   DefaultManualWindow,
		now:      time.Now,
		machines: make(map[string]model.Machine),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener registers l after construction.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Cache returns the engine's state cache.
func (e *Engine) Cache() *statecache.Cache {
	return e.cache
}

// Window returns the heuristic recency window.
func (e *Engine) Window() time.Duration {
	return e.window
}

// Warm rebuilds the cache and machine directory from the durable store.
// It must complete before the first report is handled.
func (e *Engine) Warm(ctx context.Context) error {
	machines, err := e.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("failed to load machines: %w", err)
	}
	latest, err := e.store.LatestTransitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest transitions: %w", err)
	}

	entries := make(map[string]statecache.Entry, len(machines))
	dir := make(map[string]model.Machine, len(machines))
	for _, m := range machines {
		dir[m.Name] = m
		t, ok := latest[m.ID]
		if !ok {
			entries[m.Name] = statecache.Entry{Status: model.StatusUnknown}
			continue
		}
		at := t.CreatedAt
		entries[m.Name] = statecache.Entry{
			Status:           t.CurrentStatus,
			JobAssignmentID:  t.JobAssignmentID,
			LastTransitionAt: &at,
		}
	}

	e.cache.Load(entries)
	e.machinesMu.Lock()
	e.machines = dir
	e.machinesMu.Unlock()

	logger.Info("state cache warmed", "machines", len(entries), "with_history", len(latest))
	return nil
}

// Handle applies one report. Persistence failures leave the cache untouched
// so the next report for the machine retries the decision.
func (e *Engine) Handle(ctx context.Context, r Report) (Outcome, error) {
	outcome, err := e.handle(ctx, r)
	metrics.TelemetryMessages.WithLabelValues(outcome.String()).Inc()
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, r Report) (Outcome, error) {
	log := logger.With("machine", r.Machine, "status", r.Status, "job", jobLabel(r.JobAssignmentID))

	unlock := e.cache.Lock(r.Machine)
	defer unlock()

	if !e.cache.HasChanged(r.Machine, r.Status, r.JobAssignmentID) {
		log.Debug("duplicate telemetry discarded")
		return OutcomeDuplicate, nil
	}

	cached, ok := e.cache.Get(r.Machine)
	if !ok {
		cached = statecache.Entry{Status: model.StatusUnknown}
	}
	now := e.now().UTC()

	effective := e.effectiveStatus(cached, r.Status, now)
	if effective == cached.Status {
		log.Debug("telemetry absorbed", "cached", cached.Status, "effective", effective)
		return OutcomeSuppressed, nil
	}

	machine, err := e.machine(ctx, r.Machine, r.IPAddress)
	if err != nil {
		log.Error("failed to resolve machine", "error", err)
		return OutcomeFailed, err
	}

	rec := model.Transition{
		MachineID:      machine.ID,
		PreviousStatus: cached.Status,
		CurrentStatus:  effective,
		CreatedAt:      now,
		JobMeta:        e.store.JobMeta(ctx, r.JobAssignmentID),
	}
	// Keep the reported id even when the assignment row is gone, so the
	// cache rebuilt from this record matches what the controller reports.
	rec.JobAssignmentID = r.JobAssignmentID
	if err := e.store.CommitTransition(ctx, &rec, e.window); err != nil {
		log.Error("failed to persist transition", "previous", cached.Status, "current", effective, "error", err)
		return OutcomeFailed, err
	}

	e.cache.Upsert(r.Machine, statecache.Patch{
		Status:           &effective,
		JobAssignmentID:  r.JobAssignmentID,
		ClearJob:         r.JobAssignmentID == nil,
		LastTransitionAt: &now,
	})
	metrics.Transitions.WithLabelValues(string(effective)).Inc()
	log.Info("transition recorded", "id", rec.ID, "previous", cached.Status, "current", effective)

	for _, l := range e.listeners {
		l.TransitionCommitted(machine, rec)
	}
	return OutcomeCommitted, nil
}

// effectiveStatus applies the noise-suppression heuristic: a stop reported
// shortly after the machine started running is treated as a sensor pulse.
func (e *Engine) effectiveStatus(cached statecache.Entry, reported model.Status, now time.Time) model.Status {
	if reported != model.StatusStopped || cached.Status != model.StatusRunning || cached.Unset() {
		return reported
	}
	if now.Sub(*cached.LastTransitionAt) < e.window {
		return model.StatusRunning
	}
	return reported
}

// machine resolves the directory entry, creating the machine on its first
// sighting and refreshing it when the reported IP changed.
func (e *Engine) machine(ctx context.Context, name, ip string) (model.Machine, error) {
	e.machinesMu.RLock()
	m, ok := e.machines[name]
	e.machinesMu.RUnlock()
	if ok && (ip == "" || ip == m.IPAddress) {
		return m, nil
	}

	fresh, err := e.store.EnsureMachine(ctx, name, ip)
	if err != nil {
		return model.Machine{}, err
	}
	e.machinesMu.Lock()
	e.machines[name] = *fresh
	e.machinesMu.Unlock()
	return *fresh, nil
}

func jobLabel(id *int64) any {
	if id == nil {
		return "none"
	}
	return *id
}

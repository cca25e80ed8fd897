package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/views"
)

const (
	today     = "2026-03-02"
	yesterday = "2026-03-01"
)

type stubViews struct {
	mu       sync.Mutex
	computed map[views.Kind]int
	failKind views.Kind

	// When set, computations for today signal started and wait for release.
	started chan struct{}
	release chan struct{}
}

func newStubViews() *stubViews {
	return &stubViews{computed: make(map[views.Kind]int)}
}

func (v *stubViews) Today() string { return today }

func (v *stubViews) Resolve(p views.Params) (views.Params, time.Time, time.Time, error) {
	if p.Date == "" {
		p.Date = today
	}
	if _, err := time.Parse(views.DateLayout, p.Date); err != nil {
		return p, time.Time{}, time.Time{}, views.ErrInvalidDate
	}
	return p, time.Time{}, time.Time{}, nil
}

func (v *stubViews) Compute(_ context.Context, kind views.Kind, p views.Params) (any, error) {
	if v.release != nil && p.Date == today {
		v.started <- struct{}{}
		<-v.release
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.computed[kind]++
	if kind == v.failKind {
		return nil, errors.New("database is locked")
	}
	return map[string]string{"date": p.Date, "shift": p.Shift}, nil
}

func (v *stubViews) count(kind views.Kind) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.computed[kind]
}

func TestBroker_Answer(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	b := NewBroker(reg, newStubViews(), 4, time.Second)
	reg.Register("c1", &fakeSink{})

	env := b.Answer(ctx, "c1", Request{Type: "timeline"})
	assert.Equal(t, "timeline", env.Type)
	assert.Equal(t, map[string]string{"date": today, "shift": ""}, env.Data)
	assert.Equal(t, views.Params{Date: today}, reg.Subscriptions("c1")[views.KindTimeline], "empty date is stored as today")

	env = b.Answer(ctx, "c1", Request{Type: "gantt"})
	assert.Equal(t, "error", env.Type)
	assert.Equal(t, ErrUnknownView.Error(), env.Message)

	env = b.Answer(ctx, "c1", Request{Type: "percentage", Data: views.Params{Date: "yesterday"}})
	assert.Equal(t, "error", env.Type)
	assert.NotContains(t, reg.Subscriptions("c1"), views.KindPercentage, "invalid params are not stored")
}

func TestBroker_SelectiveFanOut(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	stub := newStubViews()
	b := NewBroker(reg, stub, 4, time.Second)

	historical := &fakeSink{}
	live := &fakeSink{}
	reg.Register("historical", historical)
	reg.Register("live", live)

	require.Equal(t, "timeline", b.Answer(ctx, "historical", Request{Type: "timeline", Data: views.Params{Date: yesterday}}).Type)
	require.Equal(t, "timeline", b.Answer(ctx, "live", Request{Type: "timeline", Data: views.Params{Date: today, Shift: "day"}}).Type)

	b.Refresh(ctx)

	assert.Empty(t, historical.envelopes(), "yesterday's timeline is frozen")
	pushed := live.envelopes()
	require.Len(t, pushed, 1)
	assert.Equal(t, "timeline", pushed[0].Type)
	assert.Equal(t, map[string]string{"date": today, "shift": "day"}, pushed[0].Data, "stored shift is reused")
}

func TestBroker_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	stub := newStubViews()
	stub.failKind = views.KindRemaining
	b := NewBroker(reg, stub, 2, time.Second)

	broken := &fakeSink{fail: true}
	closed := &fakeSink{}
	healthy := &fakeSink{}
	for id, s := range map[string]*fakeSink{"broken": broken, "closed": closed, "healthy": healthy} {
		reg.Register(id, s)
		require.NoError(t, reg.Subscribe(id, views.KindTimeline, views.Params{Date: today}))
	}
	require.NoError(t, reg.Subscribe("healthy", views.KindRemaining, views.Params{Date: today}))
	closed.closed = true

	b.Refresh(ctx)

	assert.Len(t, healthy.envelopes(), 1, "remaining failed to compute, timeline still pushed")
	assert.Empty(t, closed.envelopes())
	assert.Equal(t, 1, stub.count(views.KindTimeline), "identical views are computed once")
}

func TestBroker_CoalescesRefreshes(t *testing.T) {
	reg := NewRegistry()
	stub := newStubViews()
	b := NewBroker(reg, stub, 1, time.Second)
	live := &fakeSink{}
	reg.Register("live", live)
	require.NoError(t, reg.Subscribe("live", views.KindTimeline, views.Params{Date: today}))

	for i := 0; i < 10; i++ {
		b.TransitionCommitted(model.Machine{Name: "MC-7"}, model.Transition{CurrentStatus: model.StatusRunning})
	}
	assert.Len(t, b.refresh, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(live.envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Len(t, live.envelopes(), 1)
}

func TestBroker_SkipsSupersededSubscriptions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	stub := newStubViews()
	b := NewBroker(reg, stub, 1, time.Second)

	observer := &fakeSink{}
	reg.Register("observer", observer)
	require.NoError(t, reg.Subscribe("observer", views.KindTimeline, views.Params{Date: today}))

	stub.started = make(chan struct{}, 1)
	stub.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.Refresh(ctx)
		close(done)
	}()

	<-stub.started
	env := b.Answer(ctx, "observer", Request{Type: "timeline", Data: views.Params{Date: yesterday}})
	require.Equal(t, "timeline", env.Type)
	close(stub.release)
	<-done

	assert.Equal(t, views.Params{Date: yesterday}, reg.Subscriptions("observer")[views.KindTimeline])
	assert.Empty(t, observer.envelopes(), "today's refresh must not overwrite the historical view")
}

func TestRegistry_Current(t *testing.T) {
	reg := NewRegistry()
	sink := &fakeSink{}
	reg.Register("c1", sink)
	require.NoError(t, reg.Subscribe("c1", views.KindRemaining, views.Params{Date: today}))

	p, ok := reg.Current("c1", views.KindRemaining)
	require.True(t, ok)
	assert.Equal(t, views.Params{Date: today}, p)

	_, ok = reg.Current("c1", views.KindTimeline)
	assert.False(t, ok)

	sink.closed = true
	_, ok = reg.Current("c1", views.KindRemaining)
	assert.False(t, ok, "closed connections have no current subscription")
}

package views

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
	"cnc-monitor-backend/internal/testutil"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	svc   *Service
	store store.Store
	mc7   *model.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewGormStore(testutil.NewSQLiteDB(t))
	shifts, err := NewShifts([]config.ShiftConfig{
		{Name: "day", Start: "06:00", End: "14:00"},
		{Name: "night", Start: "22:00", End: "06:00"},
	})
	require.NoError(t, err)

	mc7, err := st.EnsureMachine(ctx, "MC-7", "")
	require.NoError(t, err)
	_, err = st.EnsureMachine(ctx, "MC-8", "")
	require.NoError(t, err)

	commit := func(from, to model.Status, when time.Time, meta model.JobMeta) {
		rec := &model.Transition{MachineID: mc7.ID, PreviousStatus: from, CurrentStatus: to, CreatedAt: when, JobMeta: meta}
		require.NoError(t, st.CommitTransition(ctx, rec, 6*time.Minute))
	}
	commit(model.StatusUnknown, model.StatusRunning, at(1, 8, 0), model.JobMeta{JobName: "O1000"})
	commit(model.StatusRunning, model.StatusStopped, at(2, 9, 0), model.JobMeta{})
	commit(model.StatusStopped, model.StatusRunning, at(2, 10, 0), model.JobMeta{
		JobName:          "O2000",
		WorkOrder:        "WO-9",
		EstimatedSeconds: 4 * 3600,
		NextJobs:         []model.NextJob{{Name: "O2001", EstimatedSeconds: 600}, {Name: "O2002", EstimatedSeconds: 900}},
	})

	svc := NewService(st, statecache.New(), time.UTC, shifts, WithClock(func() time.Time { return now }))
	return &fixture{svc: svc, store: st, mc7: mc7}
}

func TestShift_Window(t *testing.T) {
	shifts, err := NewShifts([]config.ShiftConfig{
		{Name: "day", Start: "06:00", End: "14:00"},
		{Name: "night", Start: "22:00", End: "06:00"},
	})
	require.NoError(t, err)

	from, to := shifts[0].Window(at(2, 15, 0), time.UTC)
	assert.Equal(t, at(2, 6, 0), from)
	assert.Equal(t, at(2, 14, 0), to)

	from, to = shifts[1].Window(at(2, 0, 0), time.UTC)
	assert.Equal(t, at(2, 22, 0), from)
	assert.Equal(t, at(3, 6, 0), to, "overnight shift ends the next day")

	_, err = NewShifts([]config.ShiftConfig{{Name: "a", Start: "06:00", End: "07:00"}, {Name: "a", Start: "08:00", End: "09:00"}})
	assert.Error(t, err)
}

func TestService_Resolve(t *testing.T) {
	f := newFixture(t)

	p, from, to, err := f.svc.Resolve(Params{})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", p.Date)
	assert.Equal(t, at(2, 0, 0), from)
	assert.Equal(t, at(3, 0, 0), to)

	_, _, _, err = f.svc.Resolve(Params{Date: "02/03/2026"})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, _, _, err = f.svc.Resolve(Params{Shift: "swing"})
	assert.ErrorIs(t, err, ErrUnknownShift)

	_, err = f.svc.Compute(context.Background(), Kind("gantt"), Params{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestService_Timeline(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Compute(context.Background(), KindTimeline, Params{})
	require.NoError(t, err)
	tl := v.(*Timeline)
	require.Len(t, tl.Machines, 2)

	mc7 := tl.Machines[0]
	assert.Equal(t, "MC-7", mc7.Machine)
	require.Len(t, mc7.Segments, 3)
	assert.Equal(t, model.StatusRunning, mc7.Segments[0].Status)
	assert.Equal(t, "O1000", mc7.Segments[0].JobName)
	assert.WithinDuration(t, at(2, 0, 0), mc7.Segments[0].From, 0)
	assert.WithinDuration(t, at(2, 9, 0), mc7.Segments[0].To, 0)
	assert.Equal(t, model.StatusStopped, mc7.Segments[1].Status)
	assert.WithinDuration(t, at(2, 10, 0), mc7.Segments[1].To, 0)
	assert.WithinDuration(t, now, mc7.Segments[2].To, 0, "open segment ends now")

	mc8 := tl.Machines[1]
	require.Len(t, mc8.Segments, 1)
	assert.Equal(t, model.StatusUnknown, mc8.Segments[0].Status)
}

func TestService_TimelineForShift(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Compute(context.Background(), KindTimeline, Params{Date: "2026-03-02", Shift: "day"})
	require.NoError(t, err)
	segs := v.(*Timeline).Machines[0].Segments
	require.Len(t, segs, 3)
	assert.WithinDuration(t, at(2, 6, 0), segs[0].From, 0)

	v, err = f.svc.Compute(context.Background(), KindTimeline, Params{Date: "2026-03-02", Shift: "night"})
	require.NoError(t, err)
	assert.Empty(t, v.(*Timeline).Machines[0].Segments, "a window that has not started is empty")
}

func TestService_Percentage(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Compute(context.Background(), KindPercentage, Params{})
	require.NoError(t, err)
	p := v.(*Percentage)
	require.Len(t, p.Machines, 2)
	assert.Equal(t, int64(12*3600), p.Machines[0].ElapsedSeconds)
	assert.Equal(t, int64(11*3600), p.Machines[0].RunningSeconds)
	assert.Equal(t, 91.7, p.Machines[0].Percentage)
	assert.Zero(t, p.Machines[1].Percentage)

	v, err = f.svc.Compute(context.Background(), KindPercentage, Params{Date: "2026-03-01"})
	require.NoError(t, err)
	p = v.(*Percentage)
	assert.Equal(t, int64(16*3600), p.Machines[0].RunningSeconds)
	assert.Equal(t, int64(24*3600), p.Machines[0].ElapsedSeconds)
}

func TestService_Remaining(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Compute(context.Background(), KindRemaining, Params{})
	require.NoError(t, err)
	r := v.(*Remaining)
	require.Len(t, r.Machines, 2)

	mc7 := r.Machines[0]
	assert.Equal(t, model.StatusRunning, mc7.Status)
	assert.Equal(t, "O2000", mc7.JobName)
	assert.Equal(t, 2*3600, mc7.CurrentRemainingSeconds)
	assert.Equal(t, 1500, mc7.QueueSeconds)
	assert.Equal(t, 2*3600+1500, mc7.TotalRemainingSeconds)
	assert.Len(t, mc7.NextJobs, 2)

	assert.Equal(t, model.StatusUnknown, r.Machines[1].Status)
	assert.Zero(t, r.Machines[1].TotalRemainingSeconds)
}

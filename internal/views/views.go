// Package views computes the dashboard's live views from the transition
// history and the state cache.
package views

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
)

// DateLayout is the wire format of view dates.
const DateLayout = "2006-01-02"

// Kind names a live view.
type Kind string

const (
	KindTimeline   Kind = "timeline"
	KindPercentage Kind = "percentage"
	KindRemaining  Kind = "remaining"
)

// Kinds lists every view kind.
var Kinds = []Kind{KindTimeline, KindPercentage, KindRemaining}

// ParseKind reports whether s names a known view.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

var (
	ErrUnknownKind  = errors.New("unknown view")
	ErrInvalidDate  = errors.New("invalid date")
	ErrUnknownShift = errors.New("unknown shift")
)

// Params selects the date and shift of a view. An empty date means today;
// an empty shift means the whole day.
type Params struct {
	Date  string `json:"date,omitempty"`
	Shift string `json:"shift,omitempty"`
}

// Service computes views. It only reads from the store and the cache.
type Service struct {
	store  store.Store
	cache  *statecache.Cache
	loc    *time.Location
	shifts map[string]Shift
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a view service for the plant time zone loc.
func NewService(st store.Store, cache *statecache.Cache, loc *time.Location, shifts []Shift, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		store:  st,
		cache:  cache,
		loc:    loc,
		shifts: make(map[string]Shift, len(shifts)),
		now:    time.Now,
	}
	for _, sh := range shifts {
		s.shifts[sh.Name] = sh
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current plant date.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

// Resolve fills in defaults and returns the time window the params select.
func (s *Service) Resolve(p Params) (Params, time.Time, time.Time, error) {
	if p.Date == "" {
		p.Date = s.Today()
	}
	day, err := time.ParseInLocation(DateLayout, p.Date, s.loc)
	if err != nil {
		return p, time.Time{}, time.Time{}, fmt.Errorf("%w %q", ErrInvalidDate, p.Date)
	}
	if p.Shift == "" {
		from, to := dayWindow(day, s.loc)
		return p, from, to, nil
	}
	sh, ok := s.shifts[p.Shift]
	if !ok {
		return p, time.Time{}, time.Time{}, fmt.Errorf("%w %q", ErrUnknownShift, p.Shift)
	}
	from, to := sh.Window(day, s.loc)
	return p, from, to, nil
}

// Compute builds one view.
func (s *Service) Compute(ctx context.Context, kind Kind, p Params) (any, error) {
	p, from, to, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindTimeline:
		return s.timeline(ctx, p, from, to)
	case KindPercentage:
		tl, err := s.timeline(ctx, p, from, to)
		if err != nil {
			return nil, err
		}
		return percentage(tl), nil
	case KindRemaining:
		return s.remaining(ctx, p)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// Segment is a stretch of time a machine spent in one status.
type Segment struct {
	Status          model.Status `json:"status"`
	From            time.Time    `json:"from"`
	To              time.Time    `json:"to"`
	ManualOperation bool         `json:"manualOperation,omitempty"`
	JobName         string       `json:"jobName,omitempty"`
}

type MachineTimeline struct {
	Machine  string    `json:"machine"`
	Segments []Segment `json:"segments"`
}

type Timeline struct {
	Date     string            `json:"date"`
	Shift    string            `json:"shift,omitempty"`
	From     time.Time         `json:"from"`
	To       time.Time         `json:"to"`
	Machines []MachineTimeline `json:"machines"`
}

// timeline clips every machine's history to [from, min(to, now)). The
// status at the window start comes from the last transition before it.
func (s *Service) timeline(ctx context.Context, p Params, from, to time.Time) (*Timeline, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	end := to
	if now := s.now(); now.Before(end) {
		end = now
	}

	tl := &Timeline{Date: p.Date, Shift: p.Shift, From: from, To: to, Machines: make([]MachineTimeline, 0, len(machines))}
	if !end.After(from) {
		for _, m := range machines {
			tl.Machines = append(tl.Machines, MachineTimeline{Machine: m.Name, Segments: []Segment{}})
		}
		return tl, nil
	}

	initial, err := s.store.StatusesAt(ctx, from)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListTransitions(ctx, store.TransitionFilter{From: from, To: end})
	if err != nil {
		return nil, err
	}
	byMachine := make(map[int64][]model.Transition)
	for _, r := range rows {
		byMachine[r.MachineID] = append(byMachine[r.MachineID], r)
	}

	for _, m := range machines {
		cur := Segment{Status: model.StatusUnknown, From: from}
		if t, ok := initial[m.ID]; ok {
			cur.Status = t.CurrentStatus
			cur.ManualOperation = t.ManualOperation
			cur.JobName = t.JobName
		}
		segments := []Segment{}
		for _, r := range byMachine[m.ID] {
			if r.CreatedAt.After(cur.From) {
				cur.To = r.CreatedAt
				segments = append(segments, cur)
			}
			cur = Segment{Status: r.CurrentStatus, From: r.CreatedAt, ManualOperation: r.ManualOperation, JobName: r.JobName}
		}
		cur.To = end
		if cur.To.After(cur.From) {
			segments = append(segments, cur)
		}
		tl.Machines = append(tl.Machines, MachineTimeline{Machine: m.Name, Segments: segments})
	}
	return tl, nil
}

type MachinePercentage struct {
	Machine        string  `json:"machine"`
	RunningSeconds int64   `json:"runningSeconds"`
	ElapsedSeconds int64   `json:"elapsedSeconds"`
	Percentage     float64 `json:"percentage"`
}

type Percentage struct {
	Date     string              `json:"date"`
	Shift    string              `json:"shift,omitempty"`
	Machines []MachinePercentage `json:"machines"`
}

func percentage(tl *Timeline) *Percentage {
	out := &Percentage{Date: tl.Date, Shift: tl.Shift, Machines: make([]MachinePercentage, 0, len(tl.Machines))}
	for _, mt := range tl.Machines {
		mp := MachinePercentage{Machine: mt.Machine}
		for _, seg := range mt.Segments {
			d := int64(seg.To.Sub(seg.From) / time.Second)
			mp.ElapsedSeconds += d
			if seg.Status == model.StatusRunning {
				mp.RunningSeconds += d
			}
		}
		if mp.ElapsedSeconds > 0 {
			mp.Percentage = math.Round(float64(mp.RunningSeconds)/float64(mp.ElapsedSeconds)*1000) / 10
		}
		out.Machines = append(out.Machines, mp)
	}
	return out
}

type MachineRemaining struct {
	Machine                 string          `json:"machine"`
	Status                  model.Status    `json:"status"`
	JobName                 string          `json:"jobName,omitempty"`
	WorkOrder               string          `json:"workOrder,omitempty"`
	CurrentRemainingSeconds int             `json:"currentRemainingSeconds"`
	QueueSeconds            int             `json:"queueSeconds"`
	TotalRemainingSeconds   int             `json:"totalRemainingSeconds"`
	NextJobs                []model.NextJob `json:"nextJobs"`
}

type Remaining struct {
	Date     string             `json:"date"`
	Shift    string             `json:"shift,omitempty"`
	Machines []MachineRemaining `json:"machines"`
}

// remaining reports the work left on every machine right now: what is
// left of the running job plus the queued chain.
func (s *Service) remaining(ctx context.Context, p Params) (*Remaining, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestTransitions(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := s.cache.Snapshot()
	now := s.now()

	out := &Remaining{Date: p.Date, Shift: p.Shift, Machines: make([]MachineRemaining, 0, len(machines))}
	for _, m := range machines {
		mr := MachineRemaining{Machine: m.Name, Status: model.StatusUnknown, NextJobs: []model.NextJob{}}
		if e, ok := snapshot[m.Name]; ok {
			mr.Status = e.Status
		}
		if t, ok := latest[m.ID]; ok {
			if mr.Status == model.StatusUnknown {
				mr.Status = t.CurrentStatus
			}
			mr.JobName = t.JobName
			mr.WorkOrder = t.WorkOrder
			mr.QueueSeconds = t.QueueSeconds()
			if t.NextJobs != nil {
				mr.NextJobs = t.NextJobs
			}
			mr.CurrentRemainingSeconds = t.EstimatedSeconds
			if t.CurrentStatus == model.StatusRunning {
				left := t.EstimatedSeconds - int(now.Sub(t.CreatedAt)/time.Second)
				mr.CurrentRemainingSeconds = max(left, 0)
			}
		}
		mr.TotalRemainingSeconds = mr.CurrentRemainingSeconds + mr.QueueSeconds
		out.Machines = append(out.Machines, mr)
	}
	return out, nil
}

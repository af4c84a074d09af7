// Package watch runs change-detection cycles for configured calendar
// endpoints: fetch, load the previous snapshot, diff, notify, then save.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calwatch/internal/diff"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/notify"
	"calwatch/internal/store"
	"calwatch/internal/summary"
	"calwatch/internal/temporal"
)

var (
	// ErrCycleInProgress is returned when an endpoint is already being
	// processed.
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrUnknownEndpoint is returned for keys that are not configured.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Fetcher downloads and parses the current snapshot of an endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ep model.Endpoint) (*model.Snapshot, error)
}

// Options controls cycle behavior.
type Options struct {
	// Observer is the zone used to read floating times and to format output.
	Observer *time.Location
	// KeepElapsed reports events that already ended.
	KeepElapsed bool
	// BaselineOnFirstRun stores the first snapshot without notifying.
	BaselineOnFirstRun bool
	// Ignored lists properties left out of change detection.
	Ignored []string
	// TitlePrefix starts every notification title.
	TitlePrefix string
	// MaxLines caps each notification block.
	MaxLines int
	// MaxChars caps the characters of each notification block.
	MaxChars int
	// MaxParallel bounds RunAll. Zero means one endpoint at a time.
	MaxParallel int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is the outcome of the most recent cycle of an endpoint.
type Status struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	CycleID     string    `json:"cycle_id,omitempty"`
	Running     bool      `json:"running"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess time.Time `json:"last_success"`
	DurationMS  int64     `json:"duration_ms"`
	Events      int       `json:"events"`
	Created     int       `json:"created"`
	Changed     int       `json:"changed"`
	Removed     int       `json:"removed"`
	Warnings    int       `json:"warnings"`
	Notified    bool      `json:"notified"`
	Baseline    bool      `json:"baseline,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Runner executes cycles. Cycles of different endpoints may run
// concurrently; a single endpoint never runs two cycles at once.
type Runner struct {
	fetcher  Fetcher
	store    store.Store
	notifier notify.Notifier
	opts     Options

	endpoints []model.Endpoint
	byKey     map[string]int
	locks     map[string]*sync.Mutex

	mu     sync.RWMutex
	status map[string]*Status
}

// NewRunner creates a Runner for the given endpoints.
func NewRunner(endpoints []model.Endpoint, f Fetcher, st store.Store, n notify.Notifier, opts Options) *Runner {
	if opts.Observer == nil {
		opts.Observer = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}

	r := &Runner{
		fetcher:   f,
		store:     st,
		notifier:  n,
		opts:      opts,
		endpoints: append([]model.Endpoint(nil), endpoints...),
		byKey:     make(map[string]int, len(endpoints)),
		locks:     make(map[string]*sync.Mutex, len(endpoints)),
		status:    make(map[string]*Status, len(endpoints)),
	}
	for i, ep := range r.endpoints {
		r.byKey[ep.Key] = i
		r.locks[ep.Key] = &sync.Mutex{}
		r.status[ep.Key] = &Status{Key: ep.Key, Name: ep.Name}
	}
	return r
}

// Endpoints returns the configured endpoints in configuration order.
func (r *Runner) Endpoints() []model.Endpoint {
	return append([]model.Endpoint(nil), r.endpoints...)
}

// RunEndpoint runs one cycle for the endpoint with the given key. It
// returns ErrCycleInProgress without waiting if a cycle is already running.
func (r *Runner) RunEndpoint(ctx context.Context, key string) (Status, error) {
	i, ok := r.byKey[key]
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, key)
	}
	lock := r.locks[key]
	if !lock.TryLock() {
		return r.statusOf(key), ErrCycleInProgress
	}
	defer lock.Unlock()

	return r.cycle(ctx, r.endpoints[i])
}

// RunAll runs one cycle for every endpoint, at most MaxParallel at a time.
// A failing endpoint does not stop the others; all failures are joined.
func (r *Runner) RunAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.opts.MaxParallel)

	for _, ep := range r.endpoints {
		key := ep.Key
		g.Go(func() error {
			if _, err := r.RunEndpoint(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Statuses returns a copy of every endpoint's status in configuration order.
func (r *Runner) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *r.status[ep.Key])
	}
	return out
}

func (r *Runner) statusOf(key string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.status[key]; ok {
		return *s
	}
	return Status{Key: key}
}

func (r *Runner) setStatus(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.status[st.Key]; ok && st.LastSuccess.IsZero() {
		st.LastSuccess = prev.LastSuccess
	}
	r.status[st.Key] = &st
}

// Title is the notification title for an endpoint at the given time.
func (r *Runner) Title(ep model.Endpoint, at time.Time) string {
	return fmt.Sprintf("%s %s %s", r.opts.TitlePrefix, ep.Name, at.In(r.opts.Observer).Format(temporal.DisplayLayout))
}

func (r *Runner) cycle(ctx context.Context, ep model.Endpoint) (Status, error) {
	started := r.opts.Now()
	t0 := time.Now()
	st := Status{
		Key:     ep.Key,
		Name:    ep.Name,
		CycleID: uuid.NewString(),
		Running: true,
		LastRun: started,
	}
	r.setStatus(st)

	err := r.process(ctx, ep, &st, started)

	st.Running = false
	st.DurationMS = time.Since(t0).Milliseconds()
	if err != nil {
		st.Error = err.Error()
		appLog.Error("cycle failed", err, "endpoint", ep.Key, "cycle", st.CycleID)
	} else {
		st.LastSuccess = started
		appLog.Info("cycle finished",
			"endpoint", ep.Key,
			"cycle", st.CycleID,
			"events", st.Events,
			"created", st.Created,
			"changed", st.Changed,
			"removed", st.Removed,
			"notified", st.Notified,
		)
	}
	r.setStatus(st)
	return st, err
}

// process is a single cycle. The new snapshot replaces the stored one only
// after the diff was delivered, so a failed delivery is retried next time.
func (r *Runner) process(ctx context.Context, ep model.Endpoint, st *Status, now time.Time) error {
	next, err := r.fetcher.Fetch(ctx, ep)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	st.Events = next.Len()

	prev, err := r.store.Load(ctx, ep.Key)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if prev == nil && r.opts.BaselineOnFirstRun {
		st.Baseline = true
		appLog.Info("no previous snapshot; storing baseline", "endpoint", ep.Key, "cycle", st.CycleID, "events", next.Len())
		if err := r.store.Save(ctx, ep.Key, next); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	}

	res := diff.Compare(next, prev, diff.Options{
		Now:         now,
		Observer:    r.opts.Observer,
		KeepElapsed: r.opts.KeepElapsed,
		Ignored:     r.opts.Ignored,
	})
	st.Created = res.Count(model.Created)
	st.Changed = res.Count(model.Changed)
	st.Removed = res.Count(model.Removed)
	st.Warnings = len(res.Warnings)

	for _, w := range res.Warnings {
		appLog.Warn("feed data problem",
			"endpoint", ep.Key,
			"cycle", st.CycleID,
			"kind", string(w.Kind),
			"uid", w.UID,
			"summary", w.Summary,
		)
	}

	if !res.Empty() {
		blocks := summary.Render(res.Changes, r.Title(ep, now), summary.Options{
			Observer: r.opts.Observer,
			MaxLines: r.opts.MaxLines,
			MaxChars: r.opts.MaxChars,
		})
		if err := r.notifier.Deliver(ctx, ep.Destination, blocks); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		st.Notified = true
	}

	if err := r.store.Save(ctx, ep.Key, next); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

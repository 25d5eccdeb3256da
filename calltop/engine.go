package calltop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MinInterval is the floor for the refresh interval. Requests below
	// it are clamped, not rejected.
	MinInterval = 100 * time.Millisecond

	// DefaultInterval is used when no interval is configured.
	DefaultInterval = time.Second

	maxNotices = 3
)

// EngineConfig carries the initial engine state. Zero values get sane
// defaults.
type EngineConfig struct {
	Interval time.Duration
	Filter   FilterSpec
	ProcSort SortSpec
	CallSort SortSpec

	// Now overrides the clock; tests inject a fake one.
	Now func() time.Time
}

// keyStat is the per-key result of one polling phase, cached so that
// filter and sort changes can rebuild the view without re-reading the
// table.
type keyStat struct {
	key    CallKey
	count  uint64
	cumLat uint64
	rate   float64
}

// Engine turns the aggregation table into rendered views: it polls on a
// timer, computes per-key rates from the two most recent snapshots,
// applies the active filter and sorts, and hands the result to the
// Renderer. One cycle runs at a time; commands may arrive from any
// goroutine.
type Engine struct {
	logger *zap.SugaredLogger
	table  *Table
	render Renderer
	now    func() time.Time

	mu           sync.Mutex
	interval     time.Duration
	filter       FilterSpec
	procSort     SortSpec
	callSort     SortSpec
	pendingReset bool
	notices      []string

	prev  *Snapshot
	curr  *Snapshot
	cache []keyStat

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine wires an engine to its table and renderer. The renderer may
// be nil, in which case cycles still compute frames but render nowhere.
func NewEngine(logger *zap.SugaredLogger, table *Table, render Renderer, cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.ProcSort == (SortSpec{}) {
		cfg.ProcSort = SortSpec{Criterion: ByCount, Direction: Descending}
	}
	if cfg.CallSort == (SortSpec{}) {
		cfg.CallSort = SortSpec{Criterion: ByCount, Direction: Descending}
	}

	return &Engine{
		logger:   logger,
		table:    table,
		render:   render,
		now:      cfg.Now,
		interval: cfg.Interval,
		filter:   cfg.Filter,
		procSort: cfg.ProcSort,
		callSort: cfg.CallSort,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Run drives the poll/render loop until ctx is done or Stop is called.
// An in-flight cycle always completes before the loop exits; the table is
// never mutated afterwards.
func (e *Engine) Run(ctx context.Context) error {
	// First cycle establishes the snapshot baseline right away instead
	// of showing nothing for a full interval.
	if _, err := e.Cycle(); err != nil {
		e.logger.Errorw("render failed", "err", err)
	}

	ticker := time.NewTicker(e.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("context cancelled: engine exiting...")

			return nil
		case <-e.stop:
			e.logger.Infow("stop requested: engine exiting...")

			return nil
		case <-ticker.C:
			if _, err := e.Cycle(); err != nil {
				e.logger.Errorw("render failed", "err", err)
			}
		case <-e.wake:
			ticker.Reset(e.Interval())

			e.mu.Lock()
			reset := e.pendingReset
			e.mu.Unlock()

			if reset {
				// A latched reset is applied at the start of the next
				// poll, so run a full cycle now.
				if _, err := e.Cycle(); err != nil {
					e.logger.Errorw("render failed", "err", err)
				}

				continue
			}

			// Filter/sort/interval changes rebuild the view from the
			// cached stats without touching the table.
			if err := e.Refresh(); err != nil {
				e.logger.Errorw("render failed", "err", err)
			}
		}
	}
}

// Stop terminates Run after any in-flight phase completes.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Cycle runs one full poll/filter/sort/render pass and returns the frame
// it produced. Batch mode and tests call it directly.
func (e *Engine) Cycle() (*Frame, error) {
	e.mu.Lock()
	if e.pendingReset {
		e.pendingReset = false
		e.prev, e.curr = nil, nil
		e.cache = nil
		e.mu.Unlock()

		// The reset lands before the poll: racing writes either made it
		// into the cleared table or show up as first sightings next
		// cycle.
		e.table.Reset()
	} else {
		e.mu.Unlock()
	}

	records := e.table.ReadAll()
	snap := newSnapshot(records, e.now())

	e.mu.Lock()
	e.prev, e.curr = e.curr, snap
	e.cache = computeStats(e.prev, e.curr)
	e.mu.Unlock()

	return e.renderFrame()
}

// Refresh rebuilds the view from the cached stats of the last poll and
// renders it. It never re-reads the table.
func (e *Engine) Refresh() error {
	_, err := e.renderFrame()

	return err
}

func (e *Engine) renderFrame() (*Frame, error) {
	frame := e.buildFrame()

	if e.render == nil {
		return frame, nil
	}

	if err := e.render.Render(frame); err != nil {
		return frame, fmt.Errorf("failed to render frame: %w", err)
	}

	return frame, nil
}

// computeStats derives per-key counts, rates and latencies from the two
// most recent snapshots. Keys present only in curr are first sightings
// with no baseline and report rate 0 for the cycle; a count that appears
// to decrease (reset racing a poll) floors the delta at zero rather than
// reporting a negative rate.
func computeStats(prev, curr *Snapshot) []keyStat {
	if curr == nil {
		return nil
	}

	var dt float64
	if prev != nil {
		dt = curr.TakenAt.Sub(prev.TakenAt).Seconds()
	}

	stats := make([]keyStat, 0, len(curr.entries))

	for key, entry := range curr.entries {
		st := keyStat{key: key, count: entry.count, cumLat: entry.cumLat}

		if prev != nil && dt > 0 {
			if prevEntry, ok := prev.entries[key]; ok && entry.count >= prevEntry.count {
				st.rate = float64(entry.count-prevEntry.count) / dt
			}
		}

		stats = append(stats, st)
	}

	return stats
}

// buildFrame applies the active filter to the cached stats, rolls them up
// per process, sorts both levels, and packages the result.
func (e *Engine) buildFrame() *Frame {
	e.mu.Lock()
	stats := e.cache
	filter := e.filter
	procSort := e.procSort
	callSort := e.callSort
	interval := e.interval
	notices := append([]string(nil), e.notices...)

	var takenAt time.Time
	if e.curr != nil {
		takenAt = e.curr.TakenAt
	}
	e.mu.Unlock()

	type procKey struct {
		pid  int32
		comm string
	}

	type procAgg struct {
		rollup ProcessRollup
		cumLat uint64
	}

	byProc := make(map[procKey]*procAgg)

	for _, st := range stats {
		if !filter.MatchProcess(st.key.Pid, st.key.Comm) || !filter.MatchCall(st.key.Call) {
			continue
		}

		pk := procKey{pid: st.key.Pid, comm: st.key.Comm}

		agg, ok := byProc[pk]
		if !ok {
			agg = &procAgg{rollup: ProcessRollup{Pid: pk.pid, Comm: pk.comm}}
			byProc[pk] = agg
		}

		var avg time.Duration
		if st.count > 0 {
			avg = time.Duration(st.cumLat / st.count)
		}

		agg.rollup.Calls = append(agg.rollup.Calls, CallStat{
			Call:   st.key.Call,
			Count:  st.count,
			Rate:   st.rate,
			AvgLat: avg,
		})
		agg.rollup.Count += st.count
		agg.rollup.Rate += st.rate
		agg.cumLat += st.cumLat
	}

	rollups := make([]ProcessRollup, 0, len(byProc))
	for _, agg := range byProc {
		if agg.rollup.Count > 0 {
			agg.rollup.AvgLat = time.Duration(agg.cumLat / agg.rollup.Count)
		}

		SortCalls(agg.rollup.Calls, callSort)
		rollups = append(rollups, agg.rollup)
	}

	SortRollups(rollups, procSort)

	return &Frame{
		TakenAt:  takenAt,
		Interval: interval,
		Rollups:  rollups,
		Filter:   filter,
		ProcSort: procSort,
		CallSort: callSort,
		Dropped:  e.table.Dropped(),
		Notices:  notices,
	}
}

// SetFilter replaces the active filter. The new view takes effect on the
// next filter/sort phase without re-polling the table.
func (e *Engine) SetFilter(f FilterSpec) {
	e.mu.Lock()
	e.filter = f
	e.mu.Unlock()

	e.signal()
}

// Filter returns the active filter.
func (e *Engine) Filter() FilterSpec {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.filter
}

// SetSort replaces the criterion/direction pair of one view level.
func (e *Engine) SetSort(level SortLevel, criterion SortCriterion, direction SortDirection) {
	e.mu.Lock()
	spec := SortSpec{Criterion: criterion, Direction: direction}
	if level == CallLevel {
		e.callSort = spec
	} else {
		e.procSort = spec
	}
	e.mu.Unlock()

	e.signal()
}

// SetInterval adjusts the refresh timer, clamping to MinInterval. It
// returns the interval actually applied. Counters, filters and sort
// order are unaffected.
func (e *Engine) SetInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		d = MinInterval
	}

	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()

	e.signal()

	return d
}

// Interval returns the active refresh interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.interval
}

// Reset latches a reset-all: the table is cleared and the snapshot
// history discarded atomically at the start of the next polling phase,
// so the first post-reset cycle reports rate 0 for everything.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.pendingReset = true
	e.mu.Unlock()

	e.signal()
}

// Notice surfaces a non-fatal message (a probe attach failure, say) on
// subsequent frames. Only the most recent few are kept.
func (e *Engine) Notice(msg string) {
	e.mu.Lock()
	e.notices = append(e.notices, msg)
	if len(e.notices) > maxNotices {
		e.notices = e.notices[len(e.notices)-maxNotices:]
	}
	e.mu.Unlock()

	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

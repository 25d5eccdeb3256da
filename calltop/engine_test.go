package calltop_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calltrace/calltop/calltop"
)

// fakeClock steps a fixed amount per Advance call.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// captureRenderer records every frame the engine renders.
type captureRenderer struct {
	frames []*calltop.Frame
}

func (r *captureRenderer) Render(f *calltop.Frame) error {
	r.frames = append(r.frames, f)

	return nil
}

func newTestEngine(t *testing.T, table *calltop.Table, clock *fakeClock) (*calltop.Engine, *captureRenderer) {
	t.Helper()

	capture := &captureRenderer{}
	engine := calltop.NewEngine(zap.NewNop().Sugar(), table, capture, calltop.EngineConfig{
		Interval: time.Second,
		Now:      clock.Now,
	})

	return engine, capture
}

func findCall(t *testing.T, frame *calltop.Frame, pid int32, call string) calltop.CallStat {
	t.Helper()

	for _, rollup := range frame.Rollups {
		if rollup.Pid != pid {
			continue
		}

		for _, cs := range rollup.Calls {
			if cs.Call == call {
				return cs
			}
		}
	}

	t.Fatalf("call %q for pid %d not in frame", call, pid)

	return calltop.CallStat{}
}

func TestFirstSightingRateIsZero(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	// No baseline snapshot at all.
	key := calltop.NewCallKey(10, "nginx", "read")
	table.OnEnter(key, 1)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	stat := findCall(t, frame, 10, "read")
	require.Equal(t, uint64(1), stat.Count)
	require.Zero(t, stat.Rate)

	// A key absent from the previous snapshot is likewise a first
	// sighting, even though a baseline exists for other keys.
	other := calltop.NewCallKey(20, "redis", "write")
	table.OnEnter(other, 1)
	clock.Advance(time.Second)

	frame, err = engine.Cycle()
	require.NoError(t, err)

	stat = findCall(t, frame, 20, "write")
	require.Equal(t, uint64(1), stat.Count)
	require.Zero(t, stat.Rate)
}

func TestRateFromSnapshotDelta(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	key := calltop.NewCallKey(10, "nginx", "read")

	for i := 0; i < 5; i++ {
		table.OnEnter(key, 1)
	}

	_, err := engine.Cycle()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		table.OnEnter(key, 1)
	}

	clock.Advance(2 * time.Second)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	stat := findCall(t, frame, 10, "read")
	require.Equal(t, uint64(15), stat.Count)
	require.InDelta(t, 5.0, stat.Rate, 1e-9) // (15-5)/2s
}

func TestCountDecreaseFloorsRateAtZero(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	key := calltop.NewCallKey(10, "nginx", "read")

	for i := 0; i < 5; i++ {
		table.OnEnter(key, 1)
	}

	_, err := engine.Cycle()
	require.NoError(t, err)

	// A table reset racing the poll makes the count appear to decrease.
	table.Reset()
	table.OnEnter(key, 1)

	clock.Advance(time.Second)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	stat := findCall(t, frame, 10, "read")
	require.Equal(t, uint64(1), stat.Count)
	require.Zero(t, stat.Rate)
}

func TestResetStartsFreshBaseline(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	key := calltop.NewCallKey(10, "nginx", "read")
	for i := 0; i < 5; i++ {
		table.OnEnter(key, 1)
	}

	_, err := engine.Cycle()
	require.NoError(t, err)

	engine.Reset()

	clock.Advance(time.Second)

	frame, err := engine.Cycle()
	require.NoError(t, err)
	require.Empty(t, frame.Rollups)
	require.Equal(t, 0, table.Len())

	// The key reappears as a first sighting: count 1, rate 0.
	table.OnEnter(key, 1)
	clock.Advance(time.Second)

	frame, err = engine.Cycle()
	require.NoError(t, err)

	stat := findCall(t, frame, 10, "read")
	require.Equal(t, uint64(1), stat.Count)
	require.Zero(t, stat.Rate)
}

func TestFiveCallsOneMillisecondEach(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	key := calltop.NewCallKey(10, "nginx", "read")
	ms := uint64(time.Millisecond)

	pairs := func(n, offset uint64) {
		for i := uint64(0); i < n; i++ {
			start := (offset + i) * 10 * ms
			table.OnEnter(key, start)
			table.OnExit(key, start+ms)
		}
	}

	// Baseline cycle sees the key so the next delta has a footing.
	pairs(5, 0)
	_, err := engine.Cycle()
	require.NoError(t, err)

	// Five 1ms calls during one 1s interval.
	pairs(5, 5)
	clock.Advance(time.Second)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	stat := findCall(t, frame, 10, "read")
	require.Equal(t, uint64(10), stat.Count)
	require.Equal(t, time.Millisecond, stat.AvgLat)
	require.InDelta(t, 5.0, stat.Rate, 1e-9)
}

func TestFilterByPid(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	table.OnEnter(calltop.NewCallKey(1234, "nginx", "read"), 1)
	table.OnEnter(calltop.NewCallKey(5678, "redis", "write"), 1)

	spec, err := calltop.ParseFilter("pid:1234")
	require.NoError(t, err)

	engine.SetFilter(spec)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	require.Len(t, frame.Rollups, 1)
	require.Equal(t, int32(1234), frame.Rollups[0].Pid)
	require.Equal(t, "nginx", frame.Rollups[0].Comm)
	require.Len(t, frame.Rollups[0].Calls, 1)
	require.Equal(t, "read", frame.Rollups[0].Calls[0].Call)
}

func TestRefreshRebuildsWithoutPolling(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, capture := newTestEngine(t, table, clock)

	table.OnEnter(calltop.NewCallKey(1234, "nginx", "read"), 1)
	table.OnEnter(calltop.NewCallKey(5678, "redis", "write"), 1)

	_, err := engine.Cycle()
	require.NoError(t, err)

	// New activity lands in the table after the poll...
	table.OnEnter(calltop.NewCallKey(1234, "nginx", "read"), 1)

	spec, err := calltop.ParseFilter("comm:redis")
	require.NoError(t, err)
	engine.SetFilter(spec)

	require.NoError(t, engine.Refresh())

	frame := capture.frames[len(capture.frames)-1]

	// ...but the refreshed view still reflects the cached snapshot:
	// the filter changed, the counts did not.
	require.Len(t, frame.Rollups, 1)
	require.Equal(t, "redis", frame.Rollups[0].Comm)
	require.Equal(t, uint64(1), frame.Rollups[0].Count)
}

func TestSetIntervalClamps(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	applied := engine.SetInterval(10 * time.Millisecond)
	require.Equal(t, calltop.MinInterval, applied)
	require.Equal(t, calltop.MinInterval, engine.Interval())

	applied = engine.SetInterval(3 * time.Second)
	require.Equal(t, 3*time.Second, applied)
}

func TestSetSortPerLevel(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	ms := uint64(time.Millisecond)

	read := calltop.NewCallKey(10, "nginx", "read")
	write := calltop.NewCallKey(10, "nginx", "write")

	table.OnEnter(read, 0)
	table.OnExit(read, 5*ms)
	table.OnEnter(write, 10*ms)
	table.OnExit(write, 11*ms)
	table.OnEnter(calltop.NewCallKey(99, "redis", "futex"), 0)

	engine.SetSort(calltop.CallLevel, calltop.ByAvgLat, calltop.Descending)
	engine.SetSort(calltop.ProcessLevel, calltop.ByPid, calltop.Ascending)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	require.Len(t, frame.Rollups, 2)
	require.Equal(t, int32(10), frame.Rollups[0].Pid)
	require.Equal(t, int32(99), frame.Rollups[1].Pid)

	calls := frame.Rollups[0].Calls
	require.Equal(t, "read", calls[0].Call) // 5ms avg sorts before 1ms
	require.Equal(t, "write", calls[1].Call)
}

func TestRollupAggregatesProcess(t *testing.T) {
	table := calltop.NewTable(0, true)
	clock := newFakeClock()
	engine, _ := newTestEngine(t, table, clock)

	read := calltop.NewCallKey(10, "nginx", "read")
	write := calltop.NewCallKey(10, "nginx", "write")

	ms := uint64(time.Millisecond)

	table.OnEnter(read, 0)
	table.OnExit(read, 2*ms)
	table.OnEnter(write, 10*ms)
	table.OnExit(write, 14*ms)

	frame, err := engine.Cycle()
	require.NoError(t, err)

	require.Len(t, frame.Rollups, 1)

	rollup := frame.Rollups[0]
	require.Equal(t, uint64(2), rollup.Count)
	require.Equal(t, 3*time.Millisecond, rollup.AvgLat) // (2ms+4ms)/2
	require.Len(t, rollup.Calls, 2)
}

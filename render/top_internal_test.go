package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calltrace/calltop/calltop"
)

type sortCmd struct {
	level     calltop.SortLevel
	criterion calltop.SortCriterion
	direction calltop.SortDirection
}

type fakeCommander struct {
	sorts    []sortCmd
	interval time.Duration
	resets   int
}

func (f *fakeCommander) SetFilter(calltop.FilterSpec) {}

func (f *fakeCommander) SetSort(level calltop.SortLevel, criterion calltop.SortCriterion, direction calltop.SortDirection) {
	f.sorts = append(f.sorts, sortCmd{level: level, criterion: criterion, direction: direction})
}

func (f *fakeCommander) SetInterval(d time.Duration) time.Duration {
	f.interval = d

	return d
}

func (f *fakeCommander) Interval() time.Duration { return f.interval }

func (f *fakeCommander) Reset() { f.resets++ }

func (f *fakeCommander) Stop() {}

// Every column left of the default TOTAL sort is reachable with <, and
// the call-name and latency columns issue call-level sorts.
func TestMoveSortWalksAllColumns(t *testing.T) {
	cmd := &fakeCommander{}

	top := NewTop(zap.NewNop().Sugar())
	top.Bind(cmd)

	want := []sortCmd{
		{calltop.ProcessLevel, calltop.ByRate, calltop.Descending}, // CALL/s
		{calltop.CallLevel, calltop.ByAvgLat, calltop.Descending},  // LATENCY(us)
		{calltop.CallLevel, calltop.ByCall, calltop.Ascending},     // FUNC NAME
		{calltop.ProcessLevel, calltop.ByComm, calltop.Ascending},  // PROCESS NAME
		{calltop.ProcessLevel, calltop.ByPid, calltop.Ascending},   // PID
	}

	for range want {
		top.moveSort(-1)
	}

	require.Equal(t, want, cmd.sorts)
	require.Equal(t, 0, top.sortIdx)

	// Leftmost column: another step is a no-op.
	top.moveSort(-1)
	require.Len(t, cmd.sorts, len(want))
}

func TestApplySortUsesColumnLevel(t *testing.T) {
	cmd := &fakeCommander{}

	top := NewTop(zap.NewNop().Sugar())
	top.Bind(cmd)

	top.sortIdx = 3 // LATENCY(us)
	top.applySort()

	require.Equal(t, []sortCmd{{calltop.CallLevel, calltop.ByAvgLat, calltop.Descending}}, cmd.sorts)
}

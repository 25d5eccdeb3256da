package render_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calltrace/calltop/calltop"
	"github.com/calltrace/calltop/render"
)

func sampleFrame(t *testing.T) *calltop.Frame {
	t.Helper()

	filter, err := calltop.ParseFilter("comm:nginx")
	require.NoError(t, err)

	return &calltop.Frame{
		TakenAt:  time.Unix(1000, 0),
		Interval: time.Second,
		Filter:   filter,
		Dropped:  3,
		Notices:  []string{"probe unavailable: permission denied"},
		Rollups: []calltop.ProcessRollup{
			{
				Pid:   1234,
				Comm:  "nginx",
				Count: 60,
				Rate:  12,
				Calls: []calltop.CallStat{
					{Call: "epoll_wait", Count: 40, Rate: 8, AvgLat: 1500 * time.Microsecond},
					{Call: "read", Count: 20, Rate: 4, AvgLat: 2 * time.Microsecond},
				},
			},
		},
	}
}

func TestBatchRender(t *testing.T) {
	var buf bytes.Buffer

	b := render.NewBatch(zap.NewNop().Sugar(), &buf)
	require.NoError(t, b.Render(sampleFrame(t)))

	out := buf.String()
	lines := strings.Split(out, "\n")

	require.Contains(t, lines[1], "pid")
	require.Contains(t, lines[1], "process name")
	require.Contains(t, lines[1], "function")
	require.Contains(t, lines[1], "latency(us)")
	require.Contains(t, lines[1], "call/s")
	require.Contains(t, lines[1], "total")

	// First call row carries pid and comm, the second does not.
	require.Contains(t, lines[3], "1234")
	require.Contains(t, lines[3], "nginx")
	require.Contains(t, lines[3], "epoll_wait")
	require.Contains(t, lines[3], "1500.00")
	require.NotContains(t, lines[4], "nginx")
	require.Contains(t, lines[4], "read")

	require.Contains(t, out, "interval=1s processes=1 dropped=3")
	require.Contains(t, out, `filter="comm:nginx"`)
	require.Contains(t, out, "notice: probe unavailable: permission denied")
}

func TestBatchRenderEmptyFrame(t *testing.T) {
	var buf bytes.Buffer

	b := render.NewBatch(zap.NewNop().Sugar(), &buf)
	require.NoError(t, b.Render(&calltop.Frame{Interval: time.Second}))

	out := buf.String()
	require.Contains(t, out, "interval=1s processes=0 dropped=0")
	require.NotContains(t, out, "filter=")
}

func TestBatchRenderAppendsFrames(t *testing.T) {
	var buf bytes.Buffer

	b := render.NewBatch(zap.NewNop().Sugar(), &buf)
	require.NoError(t, b.Render(&calltop.Frame{Interval: time.Second}))
	require.NoError(t, b.Render(&calltop.Frame{Interval: time.Second}))

	require.Equal(t, 2, strings.Count(buf.String(), "interval=1s"))
}

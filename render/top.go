package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"go.uber.org/zap"

	"github.com/calltrace/calltop/calltop"
)

// Commander is the slice of the engine the top view drives. Key presses
// only ever translate into these commands; the view never touches the
// aggregation table.
type Commander interface {
	SetFilter(f calltop.FilterSpec)
	SetSort(level calltop.SortLevel, criterion calltop.SortCriterion, direction calltop.SortDirection)
	SetInterval(d time.Duration) time.Duration
	Interval() time.Duration
	Reset()
	Stop()
}

// column models one header cell of the top view. Only sortable columns
// participate in the </>/r key handling; level says which of the two
// views the column orders.
type column struct {
	title     string
	sortable  bool
	level     calltop.SortLevel
	criterion calltop.SortCriterion
	direction calltop.SortDirection
}

// Top is the interactive presentation adapter: a termui table refreshed
// once per engine cycle, plus a keyboard loop issuing engine commands.
//
// Key map: q quit, z reset, r reverse sort, </> move sort column,
// +/- slower/faster refresh, f filter entry, arrows/page keys scroll.
type Top struct {
	logger *zap.SugaredLogger
	cmd    Commander

	mu         sync.Mutex
	ready      bool
	frame      *calltop.Frame
	table      *widgets.Table
	footer     *widgets.Paragraph
	grid       *ui.Grid
	scroll     int
	rows       int
	columns    []column
	sortIdx    int
	filterMode bool
	filterText string
	errMsg     string
}

// NewTop creates the view. Bind must be called before Run.
func NewTop(logger *zap.SugaredLogger) *Top {
	return &Top{
		logger: logger,
		columns: []column{
			{title: "PID", sortable: true, level: calltop.ProcessLevel, criterion: calltop.ByPid, direction: calltop.Ascending},
			{title: "PROCESS NAME", sortable: true, level: calltop.ProcessLevel, criterion: calltop.ByComm, direction: calltop.Ascending},
			{title: "FUNC NAME", sortable: true, level: calltop.CallLevel, criterion: calltop.ByCall, direction: calltop.Ascending},
			{title: "LATENCY(us)", sortable: true, level: calltop.CallLevel, criterion: calltop.ByAvgLat, direction: calltop.Descending},
			{title: "CALL/s", sortable: true, level: calltop.ProcessLevel, criterion: calltop.ByRate, direction: calltop.Descending},
			{title: "TOTAL", sortable: true, level: calltop.ProcessLevel, criterion: calltop.ByCount, direction: calltop.Descending},
		},
		sortIdx: 5, // TOTAL, descending, like the original default
	}
}

// Bind attaches the command target.
func (t *Top) Bind(cmd Commander) {
	t.cmd = cmd
}

// Render implements calltop.Renderer. Called by the engine once per
// cycle.
func (t *Top) Render(f *calltop.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frame = f

	if t.ready {
		t.draw()
	}

	return nil
}

// Run initialises the terminal and handles keyboard input until ctx is
// done or the user quits. It must run on its own goroutine alongside the
// engine.
func (t *Top) Run(ctx context.Context) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("failed to init terminal ui: %w", err)
	}
	defer ui.Close()

	t.mu.Lock()
	t.table = widgets.NewTable()
	t.table.RowSeparator = false
	t.table.TextStyle = ui.NewStyle(ui.ColorWhite)
	t.table.FillRow = true

	t.footer = widgets.NewParagraph()
	t.footer.Border = false

	t.grid = ui.NewGrid()
	width, height := ui.TerminalDimensions()
	t.grid.SetRect(0, 0, width, height)
	t.grid.Set(
		ui.NewRow(0.94, t.table),
		ui.NewRow(0.06, t.footer),
	)

	t.rows = height
	t.ready = true
	t.draw()
	t.mu.Unlock()

	events := ui.PollEvents()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if quit := t.handle(e); quit {
				t.cmd.Stop()

				return nil
			}
		}
	}
}

func (t *Top) handle(e ui.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Type == ui.ResizeEvent {
		payload := e.Payload.(ui.Resize)
		t.grid.SetRect(0, 0, payload.Width, payload.Height)
		t.rows = payload.Height
		ui.Clear()
		t.draw()

		return false
	}

	if e.Type != ui.KeyboardEvent {
		return false
	}

	if t.filterMode {
		t.handleFilterKey(e.ID)
		t.draw()

		return false
	}

	switch e.ID {
	case "q", "<C-c>":
		return true
	case "z":
		t.scroll = 0
		t.cmd.Reset()
	case "r":
		col := &t.columns[t.sortIdx]
		if col.direction == calltop.Ascending {
			col.direction = calltop.Descending
		} else {
			col.direction = calltop.Ascending
		}
		t.applySort()
	case "<":
		t.moveSort(-1)
	case ">":
		t.moveSort(1)
	case "+":
		t.stepInterval(1)
	case "-":
		t.stepInterval(-1)
	case "f":
		t.filterMode = true
		t.filterText = ""
		t.errMsg = ""
		t.draw()
	case "<Up>":
		t.moveScroll(-1)
	case "<Down>":
		t.moveScroll(1)
	case "<PageUp>":
		t.moveScroll(1 - t.rows)
	case "<PageDown>":
		t.moveScroll(t.rows - 1)
	}

	return false
}

func (t *Top) handleFilterKey(id string) {
	switch id {
	case "<Escape>":
		// ESC drops the filter entirely, like the original.
		t.filterMode = false
		t.filterText = ""
		t.cmd.SetFilter(calltop.FilterSpec{})
	case "<Enter>":
		t.filterMode = false

		spec, err := calltop.ParseFilter(t.filterText)
		if err != nil {
			// Keep the current filter; surface the error.
			t.errMsg = err.Error()

			return
		}

		t.cmd.SetFilter(spec)
	case "<Backspace>", "<C-8>":
		if len(t.filterText) > 0 {
			t.filterText = t.filterText[:len(t.filterText)-1]
		}
	case "<Space>":
		t.filterText += " "
	default:
		if len(id) == 1 {
			t.filterText += id
		}
	}
}

// moveSort shifts the sort column left or right to the next sortable
// column, keeping each column's remembered direction.
func (t *Top) moveSort(shift int) {
	idx := t.sortIdx

	for {
		idx += shift
		if idx < 0 || idx >= len(t.columns) {
			return
		}

		if t.columns[idx].sortable {
			t.sortIdx = idx
			t.applySort()

			return
		}
	}
}

func (t *Top) applySort() {
	col := t.columns[t.sortIdx]
	t.cmd.SetSort(col.level, col.criterion, col.direction)
}

// stepInterval nudges the refresh interval: whole seconds above one
// second, tenths below.
func (t *Top) stepInterval(direction int) {
	cur := t.cmd.Interval()

	var next time.Duration
	if cur >= time.Second {
		next = cur + time.Duration(direction)*time.Second
		if next < time.Second {
			next = 900 * time.Millisecond
		}
	} else {
		next = cur + time.Duration(direction)*100*time.Millisecond
	}

	t.cmd.SetInterval(next)
}

func (t *Top) moveScroll(delta int) {
	t.scroll += delta
	if t.scroll < 0 {
		t.scroll = 0
	}

	max := t.dataRows() - 1
	if max < 0 {
		max = 0
	}
	if t.scroll > max {
		t.scroll = max
	}

	t.draw()
}

func (t *Top) dataRows() int {
	if t.frame == nil {
		return 0
	}

	n := 0
	for _, rollup := range t.frame.Rollups {
		n += len(rollup.Calls)
	}

	return n
}

// draw rebuilds the widgets from the stored frame. Caller holds t.mu.
func (t *Top) draw() {
	if !t.ready || t.table == nil {
		return
	}

	header := make([]string, len(t.columns))
	for i, col := range t.columns {
		title := col.title
		if i == t.sortIdx {
			marker := "v"
			if col.direction == calltop.Ascending {
				marker = "^"
			}
			title = title + " " + marker
		}
		header[i] = title
	}

	rows := [][]string{header}

	visible := t.rows - 4 // header + footer + borders
	if visible < 1 {
		visible = 1
	}

	idx := 0

	if t.frame != nil {
		for _, rollup := range t.frame.Rollups {
			first := true

			for _, call := range rollup.Calls {
				idx++
				if idx-1 < t.scroll || len(rows)-1 >= visible {
					first = false

					continue
				}

				pid, comm := "", ""
				if first {
					pid = fmt.Sprintf("%d", rollup.Pid)
					comm = rollup.Comm
					first = false
				}

				rows = append(rows, []string{
					pid,
					comm,
					call.Call,
					fmt.Sprintf("%.2f", float64(call.AvgLat.Microseconds())),
					fmt.Sprintf("%.0f", call.Rate),
					fmt.Sprintf("%d", call.Count),
				})
			}
		}
	}

	t.table.Rows = rows
	t.footer.Text = t.footerText()

	ui.Render(t.grid)
}

func (t *Top) footerText() string {
	if t.filterMode {
		return "filter: " + t.filterText + "_   (Enter apply, ESC clear)"
	}

	var sb strings.Builder

	sb.WriteString("q:quit  z:reset  </>:sort  r:reverse  +/-:interval  f:filter")

	if t.frame != nil {
		fmt.Fprintf(&sb, "  [refresh=%s]", t.frame.Interval)

		if t.frame.Dropped > 0 {
			fmt.Fprintf(&sb, "  dropped=%d", t.frame.Dropped)
		}

		if !t.frame.Filter.Empty() {
			fmt.Fprintf(&sb, "  filter=%q", t.frame.Filter.String())
		}

		for _, notice := range t.frame.Notices {
			fmt.Fprintf(&sb, "  !%s", notice)
		}
	}

	if t.errMsg != "" {
		fmt.Fprintf(&sb, "  ERR: %s", t.errMsg)
	}

	return sb.String()
}

package calltop

import "sort"

// SortLevel selects which of the two views a sort command targets.
type SortLevel int

const (
	ProcessLevel SortLevel = iota
	CallLevel
)

// SortCriterion names a sortable column. Process-level sorts accept
// ByPid, ByComm, ByCount and ByRate; call-level sorts accept ByCall,
// ByAvgLat, ByRate and ByCount.
type SortCriterion int

const (
	ByPid SortCriterion = iota
	ByComm
	ByCount
	ByRate
	ByCall
	ByAvgLat
)

func (c SortCriterion) String() string {
	switch c {
	case ByPid:
		return "pid"
	case ByComm:
		return "comm"
	case ByCount:
		return "total"
	case ByRate:
		return "rate"
	case ByCall:
		return "call"
	case ByAvgLat:
		return "latency"
	default:
		return "unknown"
	}
}

// SortDirection orders ascending or descending.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

func (d SortDirection) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// SortSpec is one criterion/direction pair.
type SortSpec struct {
	Criterion SortCriterion
	Direction SortDirection
}

// SortRollups orders the process-level view in place. Ties break by key
// lexical order (pid, then comm), so descending is the exact reverse of
// ascending on the same data.
func SortRollups(rollups []ProcessRollup, spec SortSpec) {
	sort.SliceStable(rollups, func(i, j int) bool {
		a, b := &rollups[i], &rollups[j]

		cmp := 0
		switch spec.Criterion {
		case ByComm:
			cmp = compareStrings(a.Comm, b.Comm)
		case ByCount:
			cmp = compareUint64(a.Count, b.Count)
		case ByRate:
			cmp = compareFloat64(a.Rate, b.Rate)
		default: // ByPid
			cmp = compareInt32(a.Pid, b.Pid)
		}

		if cmp == 0 {
			cmp = NewCallKey(a.Pid, a.Comm, "").compare(NewCallKey(b.Pid, b.Comm, ""))
		}

		if spec.Direction == Descending {
			cmp = -cmp
		}

		return cmp < 0
	})
}

// SortCalls orders the per-process call view in place. Ties break by
// call name.
func SortCalls(calls []CallStat, spec SortSpec) {
	sort.SliceStable(calls, func(i, j int) bool {
		a, b := &calls[i], &calls[j]

		cmp := 0
		switch spec.Criterion {
		case ByAvgLat:
			cmp = compareUint64(uint64(a.AvgLat), uint64(b.AvgLat))
		case ByRate:
			cmp = compareFloat64(a.Rate, b.Rate)
		case ByCount:
			cmp = compareUint64(a.Count, b.Count)
		default: // ByCall
			cmp = compareStrings(a.Call, b.Call)
		}

		if cmp == 0 {
			cmp = compareStrings(a.Call, b.Call)
		}

		if spec.Direction == Descending {
			cmp = -cmp
		}

		return cmp < 0
	})
}

func compareInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

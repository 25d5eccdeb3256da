package calltop

import (
	"time"
)

// MaxCommLen bounds the process name stored in a CallKey. It matches the
// kernel's TASK_COMM_LEN so keys built from probe events and keys built
// from /proc lookups compare equal.
const MaxCommLen = 16

// CallKey identifies one traced call within one process. Two keys are
// equal iff all three fields match exactly.
type CallKey struct {
	Pid  int32
	Comm string
	Call string
}

// NewCallKey builds a key, truncating comm to MaxCommLen.
func NewCallKey(pid int32, comm, call string) CallKey {
	if len(comm) > MaxCommLen {
		comm = comm[:MaxCommLen]
	}

	return CallKey{Pid: pid, Comm: comm, Call: call}
}

// compare orders keys lexically by (pid, comm, call). Used as the
// deterministic tie-break for every sort.
func (k CallKey) compare(o CallKey) int {
	if k.Pid != o.Pid {
		if k.Pid < o.Pid {
			return -1
		}
		return 1
	}

	if k.Comm != o.Comm {
		if k.Comm < o.Comm {
			return -1
		}
		return 1
	}

	if k.Call != o.Call {
		if k.Call < o.Call {
			return -1
		}
		return 1
	}

	return 0
}

// CallRecord holds the live counters for one CallKey. Records are owned
// by the Table and only ever mutated under its shard lock.
type CallRecord struct {
	// Count is the number of observed enters (or orphan exits).
	Count uint64
	// CumLat is the cumulated time (ns) spent in the call. Only grows
	// when an exit matches a prior enter.
	CumLat uint64
	// LastEnter is the monotonic timestamp (ns) of the most recent
	// enter. Zero means no enter has been seen yet.
	LastEnter uint64
}

// CallStat is one row of the per-call view for a single process.
type CallStat struct {
	Call   string        `json:"call"`
	Count  uint64        `json:"count"`
	Rate   float64       `json:"rate"`
	AvgLat time.Duration `json:"avg_lat_ns"`
}

// ProcessRollup aggregates every visible CallStat of one process. It is
// recomputed from the current record set on every cycle and never stored.
type ProcessRollup struct {
	Pid    int32         `json:"pid"`
	Comm   string        `json:"comm"`
	Count  uint64        `json:"count"`
	Rate   float64       `json:"rate"`
	AvgLat time.Duration `json:"avg_lat_ns"`
	Calls  []CallStat    `json:"calls"`
}

type snapEntry struct {
	count  uint64
	cumLat uint64
}

// Snapshot is an immutable copy of (count, cumLat) for every live key,
// tagged with the time it was taken. The engine retains the two most
// recent snapshots to compute deltas.
type Snapshot struct {
	TakenAt time.Time

	entries map[CallKey]snapEntry
}

func newSnapshot(records map[CallKey]CallRecord, takenAt time.Time) *Snapshot {
	entries := make(map[CallKey]snapEntry, len(records))
	for k, r := range records {
		entries[k] = snapEntry{count: r.Count, cumLat: r.CumLat}
	}

	return &Snapshot{TakenAt: takenAt, entries: entries}
}

// Len reports the number of keys captured by the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Frame is what the engine hands to a Renderer once per cycle: the two
// ordered views plus the state needed to label them.
type Frame struct {
	TakenAt  time.Time
	Interval time.Duration
	Rollups  []ProcessRollup
	Filter   FilterSpec
	ProcSort SortSpec
	CallSort SortSpec
	Dropped  uint64
	Notices  []string
}

// Renderer consumes one Frame per render cycle.
type Renderer interface {
	Render(f *Frame) error
}

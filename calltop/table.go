package calltop

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultCapacity matches the fixed size of the probe-side map the
	// tool originally relied on.
	DefaultCapacity = 32768

	numShards = 64 // power of two
)

// Table is the aggregation table: a sharded, fixed-capacity map from
// CallKey to CallRecord. The write path (OnEnter/OnExit) is called
// concurrently from event dispatch workers and must never block for more
// than one short shard-mutex section; the read path (ReadAll) copies one
// shard at a time, so a snapshot is consistent per shard but deliberately
// not atomic across the whole table.
//
// When the table is full, inserts of brand-new keys are dropped silently
// and counted; updates of existing keys always succeed.
type Table struct {
	shards   [numShards]shard
	capacity int64
	size     atomic.Int64
	dropped  atomic.Uint64
	trackLat bool
}

type shard struct {
	mu      sync.Mutex
	records map[CallKey]*CallRecord
}

// NewTable creates a table bounded to capacity keys. When trackLatency is
// false the write path skips all latency bookkeeping; counts behave the
// same either way.
func NewTable(capacity int, trackLatency bool) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	t := &Table{capacity: int64(capacity), trackLat: trackLatency}
	for i := range t.shards {
		t.shards[i].records = make(map[CallKey]*CallRecord)
	}

	return t
}

// fnv1a over the key fields picks the shard.
func (t *Table) shardFor(key CallKey) *shard {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)
	h = (h ^ uint64(uint32(key.Pid))) * prime64
	for i := 0; i < len(key.Comm); i++ {
		h = (h ^ uint64(key.Comm[i])) * prime64
	}
	for i := 0; i < len(key.Call); i++ {
		h = (h ^ uint64(key.Call[i])) * prime64
	}

	return &t.shards[h&(numShards-1)]
}

// OnEnter records one enter event for key at monotonic timestamp ts (ns).
func (t *Table) OnEnter(key CallKey, ts uint64) {
	s := t.shardFor(key)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		if t.size.Load() >= t.capacity {
			s.mu.Unlock()
			t.dropped.Add(1)

			return
		}

		rec = &CallRecord{}
		s.records[key] = rec
		t.size.Add(1)
	}

	rec.Count++
	if t.trackLat {
		rec.LastEnter = ts
	}
	s.mu.Unlock()
}

// OnExit records one exit event for key. An exit with no prior enter
// (process attached mid-call, or the enter was dropped) seeds a fresh
// record whose first latency delta is zero; it never produces a negative
// latency contribution.
func (t *Table) OnExit(key CallKey, ts uint64) {
	s := t.shardFor(key)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		if t.size.Load() >= t.capacity {
			s.mu.Unlock()
			t.dropped.Add(1)

			return
		}

		rec = &CallRecord{Count: 1}
		if t.trackLat {
			rec.LastEnter = ts
		}
		s.records[key] = rec
		t.size.Add(1)
		s.mu.Unlock()

		return
	}

	// Clamp absorbs clock or cross-context ordering anomalies.
	if t.trackLat && rec.LastEnter != 0 && ts > rec.LastEnter {
		rec.CumLat += ts - rec.LastEnter
	}
	s.mu.Unlock()
}

// ReadAll returns a copy of every (key, record) pair. Shards are copied
// one at a time; bounded staleness across shards is acceptable to keep
// the write path from ever waiting on a full-table lock.
func (t *Table) ReadAll() map[CallKey]CallRecord {
	out := make(map[CallKey]CallRecord, t.size.Load())

	for i := range t.shards {
		s := &t.shards[i]

		s.mu.Lock()
		for k, rec := range s.records {
			out[k] = *rec
		}
		s.mu.Unlock()
	}

	return out
}

// Reset atomically clears every entry. Writes racing with a reset land
// either on the old map or the new one, never torn.
func (t *Table) Reset() {
	for i := range t.shards {
		s := &t.shards[i]

		s.mu.Lock()
		removed := int64(len(s.records))
		s.records = make(map[CallKey]*CallRecord)
		s.mu.Unlock()

		t.size.Add(-removed)
	}
}

// Len reports the number of live keys.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// Dropped reports how many inserts were refused at capacity.
func (t *Table) Dropped() uint64 {
	return t.dropped.Load()
}

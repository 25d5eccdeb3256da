package calltop

// Sink receives discrete enter/exit events from an event source. Both
// methods are invoked concurrently from contexts the engine does not
// control, with no ordering guarantee between the enter and exit of the
// same logical call; implementations must absorb that.
//
// Table is the canonical Sink. Timestamps are monotonic nanoseconds in
// the same clock domain as the engine's clock.
type Sink interface {
	OnEnter(key CallKey, ts uint64)
	OnExit(key CallKey, ts uint64)
}

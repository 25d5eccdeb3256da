// Package probe is the eBPF-backed event source: it attaches to the raw
// syscall tracepoints (or to per-syscall kprobes), reads enter/exit
// events from a ring buffer, and feeds them into a calltop.Sink. The
// core engine never depends on this package; any Sink feeder will do.
package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calltrace/calltop/calltop"
	"github.com/calltrace/calltop/internal/procname"
)

// DefaultObjectPath is where the compiled probe program is installed.
// See probe/bpf/calltop.bpf.c for its source.
const DefaultObjectPath = "/usr/share/calltop/calltop.bpf.o"

const commLen = 16

var (
	// ErrAttach wraps failures to attach a program to its hook. Callers
	// treat it as a non-fatal notice: the source keeps running on
	// whatever did attach.
	ErrAttach = errors.New("failed to attach probe")

	// ErrNotAttached is returned when detaching a call that was never
	// attached.
	ErrNotAttached = errors.New("call is not attached")
)

// Config selects what the probe traces.
type Config struct {
	// ObjectPath locates the compiled BPF object.
	ObjectPath string

	// Calls is the syscall list to trace with kprobe pairs. Empty, or
	// the single element "all", selects the raw tracepoint mode that
	// sees every syscall.
	Calls []string

	// Pids restricts tracing to these pids. Empty means every process.
	Pids []int32

	// Latency attaches exit hooks so time spent per call is measured.
	// Off, only enters are counted, matching the cheaper mode of the
	// probe program.
	Latency bool

	// Workers is the number of dispatch goroutines decoding events into
	// the sink. Defaults to 4.
	Workers int

	// EventBuffer is the channel depth between the ring buffer reader
	// and the dispatch workers. Defaults to 1024.
	EventBuffer int
}

// rawEvent mirrors struct event in calltop.bpf.c.
type rawEvent struct {
	Ts   uint64
	ID   uint64 // syscall nr (tracepoint mode) or attach cookie (kprobe mode)
	Pid  int32
	Kind uint32 // 0 = enter, 1 = exit
	Comm [commLen]byte
}

const (
	kindEnter uint32 = 0
	kindExit  uint32 = 1
)

// Source is the concrete eBPF event source.
type Source struct {
	logger *zap.SugaredLogger
	cfg    Config
	coll   *ebpf.Collection
	names  *procname.Resolver

	mu       sync.Mutex
	links    []link.Link
	byCall   map[string][]link.Link
	byCookie map[uint64]string
	cookie   uint64
	rd       *ringbuf.Reader
}

// NewSource loads the BPF object and prepares the pid filter. It does
// not attach anything yet; Run does.
func NewSource(logger *zap.SugaredLogger, cfg Config) (*Source, error) {
	if cfg.ObjectPath == "" {
		cfg.ObjectPath = DefaultObjectPath
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("are you root? failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load bpf object %q: %w", cfg.ObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load bpf collection: %w", err)
	}

	s := &Source{
		logger:   logger,
		cfg:      cfg,
		coll:     coll,
		names:    procname.New(),
		byCall:   make(map[string][]link.Link),
		byCookie: make(map[uint64]string),
	}

	for _, pid := range cfg.Pids {
		if err := s.FollowPid(pid); err != nil {
			coll.Close()

			return nil, err
		}
	}

	return s, nil
}

// Run attaches the configured hooks and pumps events into sink until ctx
// is done. Individual attach failures in kprobe mode are reported and
// skipped; tracing continues on whatever attached.
func (s *Source) Run(ctx context.Context, sink calltop.Sink) error {
	if err := s.attach(); err != nil {
		return err
	}
	defer s.detachAll()

	events, ok := s.coll.Maps["events"]
	if !ok {
		return fmt.Errorf("bpf object has no events map")
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("failed to get reader to events map: %w", err)
	}

	s.mu.Lock()
	s.rd = rd
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	var group errgroup.Group

	// Closing eventChan is left to listen as the only writer. Workers
	// drain it to the close, so listen can never stay blocked on a full
	// channel after the reader shuts down.
	eventChan := make(chan *rawEvent, s.cfg.EventBuffer)

	group.Go(func() error {
		if err := s.listen(eventChan); err != nil {
			return fmt.Errorf("failed to listen to ring buffer: %w", err)
		}

		return nil
	})

	for i := 0; i < s.cfg.Workers; i++ {
		group.Go(func() error {
			s.dispatch(eventChan, sink)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed while processing probe events: %w", err)
	}

	return nil
}

func (s *Source) listen(eventChan chan<- *rawEvent) error {
	defer close(eventChan)

	for {
		record, err := s.rd.Read()
		if errors.Is(err, ringbuf.ErrClosed) {
			s.logger.Info("ringbuffer closed, exiting...")

			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read from ringbuffer: %w", err)
		}

		var event rawEvent

		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &event); err != nil {
			return fmt.Errorf("failed to parse binary from bpf map: %w", err)
		}

		eventChan <- &event
	}
}

func (s *Source) dispatch(eventChan <-chan *rawEvent, sink calltop.Sink) {
	for event := range eventChan {
		key := calltop.NewCallKey(event.Pid, s.commOf(event), s.callName(event.ID))

		if event.Kind == kindExit {
			sink.OnExit(key, event.Ts)
		} else {
			sink.OnEnter(key, event.Ts)
		}
	}
}

func (s *Source) commOf(event *rawEvent) string {
	comm := parseComm(event.Comm)
	if comm != "" {
		return comm
	}

	return s.names.Lookup(event.Pid)
}

// callName maps the event id to a display name: a syscall nr in
// tracepoint mode, an attach cookie in kprobe mode.
func (s *Source) callName(id uint64) string {
	if s.tracepointMode() {
		return SyscallName(int64(id))
	}

	s.mu.Lock()
	name := s.byCookie[id]
	s.mu.Unlock()

	if name == "" {
		return fmt.Sprintf("cookie_%d", id)
	}

	return name
}

func (s *Source) tracepointMode() bool {
	return len(s.cfg.Calls) == 0 || (len(s.cfg.Calls) == 1 && s.cfg.Calls[0] == "all")
}

func (s *Source) attach() error {
	if s.tracepointMode() {
		return s.attachTracepoints()
	}

	attached := 0

	for _, call := range s.cfg.Calls {
		if err := s.TraceCall(call); err != nil {
			// Non-fatal: keep running on what attached.
			s.logger.Warnw("failed to attach syscall probes", "call", call, "err", err)

			continue
		}

		attached++
	}

	if attached == 0 {
		return fmt.Errorf("%w: no syscall probe attached", ErrAttach)
	}

	return nil
}

func (s *Source) attachTracepoints() error {
	enter, ok := s.coll.Programs["handle_sys_enter"]
	if !ok {
		return fmt.Errorf("%w: bpf object has no handle_sys_enter", ErrAttach)
	}

	tp, err := link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    "sys_enter",
		Program: enter,
	})
	if err != nil {
		return fmt.Errorf("%w: sys_enter: %w", ErrAttach, err)
	}

	s.mu.Lock()
	s.links = append(s.links, tp)
	s.mu.Unlock()

	if !s.cfg.Latency {
		return nil
	}

	// Exit events are only worth their overhead when latency tracking
	// is on.
	exit, ok := s.coll.Programs["handle_sys_exit"]
	if !ok {
		return fmt.Errorf("%w: bpf object has no handle_sys_exit", ErrAttach)
	}

	tpExit, err := link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    "sys_exit",
		Program: exit,
	})
	if err != nil {
		return fmt.Errorf("%w: sys_exit: %w", ErrAttach, err)
	}

	s.mu.Lock()
	s.links = append(s.links, tpExit)
	s.mu.Unlock()

	return nil
}

// TraceCall attaches a kprobe (and, with latency on, a kretprobe) pair
// for one named syscall at runtime. The attach cookie routes events back
// to the call name.
func (s *Source) TraceCall(call string) error {
	enter, ok := s.coll.Programs["handle_kprobe_enter"]
	if !ok {
		return fmt.Errorf("%w: bpf object has no handle_kprobe_enter", ErrAttach)
	}

	s.mu.Lock()
	s.cookie++
	cookie := s.cookie
	s.mu.Unlock()

	symbol, kp, err := attachSyscallKprobe(call, enter, &link.KprobeOptions{Cookie: cookie})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAttach, call, err)
	}

	links := []link.Link{kp}

	if s.cfg.Latency {
		exit, ok := s.coll.Programs["handle_kprobe_exit"]
		if !ok {
			kp.Close()

			return fmt.Errorf("%w: bpf object has no handle_kprobe_exit", ErrAttach)
		}

		krp, err := link.Kretprobe(symbol, exit, &link.KprobeOptions{Cookie: cookie})
		if err != nil {
			kp.Close()

			return fmt.Errorf("%w: %s return: %w", ErrAttach, call, err)
		}

		links = append(links, krp)
	}

	s.mu.Lock()
	s.byCall[call] = links
	s.byCookie[cookie] = call
	s.mu.Unlock()

	s.logger.Infow("attached syscall probes", "call", call, "symbol", symbol)

	return nil
}

// UntraceCall detaches the probe pair attached by TraceCall.
func (s *Source) UntraceCall(call string) error {
	s.mu.Lock()
	links, ok := s.byCall[call]
	delete(s.byCall, call)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, call)
	}

	for _, l := range links {
		l.Close()
	}

	return nil
}

// FollowPid adds pid to the probe-side filter map; events from other
// pids are discarded in the probe while the map is non-empty.
func (s *Source) FollowPid(pid int32) error {
	follow, ok := s.coll.Maps["follow_pids"]
	if !ok {
		return fmt.Errorf("bpf object has no follow_pids map")
	}

	if err := follow.Put(pid, true); err != nil {
		return fmt.Errorf("failed to register pid into follow map: %w", err)
	}

	return s.adjustFollowCount(1)
}

// UnfollowPid removes pid from the probe-side filter map.
func (s *Source) UnfollowPid(pid int32) error {
	follow, ok := s.coll.Maps["follow_pids"]
	if !ok {
		return fmt.Errorf("bpf object has no follow_pids map")
	}

	if err := follow.Delete(pid); err != nil {
		return fmt.Errorf("failed to remove pid from follow map: %w", err)
	}

	return s.adjustFollowCount(-1)
}

// adjustFollowCount keeps the probe's notion of "is the pid filter
// active" in sync with the follow map.
func (s *Source) adjustFollowCount(delta int64) error {
	counter, ok := s.coll.Maps["follow_count"]
	if !ok {
		return fmt.Errorf("bpf object has no follow_count map")
	}

	zero := uint32(0)

	var count uint64
	if err := counter.Lookup(&zero, &count); err != nil {
		return fmt.Errorf("failed to read follow count: %w", err)
	}

	count = uint64(int64(count) + delta)

	if err := counter.Put(&zero, &count); err != nil {
		return fmt.Errorf("failed to update follow count: %w", err)
	}

	return nil
}

func (s *Source) detachAll() {
	s.mu.Lock()
	links := s.links
	s.links = nil

	for _, callLinks := range s.byCall {
		links = append(links, callLinks...)
	}
	s.byCall = make(map[string][]link.Link)
	s.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}

// Close releases the loaded collection.
func (s *Source) Close() error {
	s.detachAll()
	s.coll.Close()

	return nil
}

// attachSyscallKprobe tries the arch-prefixed syscall symbol first, then
// the bare one, mirroring how syscall entry points are named across
// kernels.
func attachSyscallKprobe(call string, prog *ebpf.Program, opts *link.KprobeOptions) (string, link.Link, error) {
	symbols := []string{"__x64_sys_" + call, "__arm64_sys_" + call, "sys_" + call}

	var lastErr error

	for _, symbol := range symbols {
		kp, err := link.Kprobe(symbol, prog, opts)
		if err == nil {
			return symbol, kp, nil
		}

		lastErr = err
	}

	return "", nil, lastErr
}

func parseComm(chars [commLen]byte) string {
	for i, b := range chars {
		if b == 0 {
			return string(chars[:i])
		}
	}

	return string(chars[:])
}

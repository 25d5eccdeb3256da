package calltop

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadFilter is returned when a filter expression cannot be parsed.
// The currently active filter stays in place.
var ErrBadFilter = errors.New("bad filter expression")

// FilterSpec is a conjunction of optional predicates over CallKey fields.
// An empty component matches everything. Replacing the spec never touches
// existing records; it only changes which keys the view shows.
type FilterSpec struct {
	// Pids is an exact-match pid set.
	Pids map[int32]struct{}
	// Comms are case-insensitive substrings matched against the process
	// name; any one matching is enough for this component.
	Comms []string
	// Calls is an exact-match call-name set.
	Calls map[string]struct{}
}

// Empty reports whether the spec matches everything.
func (f FilterSpec) Empty() bool {
	return len(f.Pids) == 0 && len(f.Comms) == 0 && len(f.Calls) == 0
}

// MatchProcess reports whether the pid and comm components accept the
// process.
func (f FilterSpec) MatchProcess(pid int32, comm string) bool {
	if len(f.Pids) > 0 {
		if _, ok := f.Pids[pid]; !ok {
			return false
		}
	}

	if len(f.Comms) > 0 {
		lc := strings.ToLower(comm)

		hit := false
		for _, sub := range f.Comms {
			if strings.Contains(lc, sub) {
				hit = true
				break
			}
		}

		if !hit {
			return false
		}
	}

	return true
}

// MatchCall reports whether the call-name component accepts the call.
func (f FilterSpec) MatchCall(call string) bool {
	if len(f.Calls) == 0 {
		return true
	}

	_, ok := f.Calls[call]

	return ok
}

// String renders the spec back in its textual form for display.
func (f FilterSpec) String() string {
	var clauses []string

	for pid := range f.Pids {
		clauses = append(clauses, fmt.Sprintf("pid:%d", pid))
	}
	for _, comm := range f.Comms {
		clauses = append(clauses, "comm:"+comm)
	}
	for call := range f.Calls {
		clauses = append(clauses, "sys:"+call)
	}

	return strings.Join(clauses, ",")
}

// ParseFilter parses a comma-separated list of key:value clauses into a
// FilterSpec. Recognised keys are pid:, comm:, and sys: (fn: is an
// alias). Clauses combine conjunctively. Unknown keys and malformed
// values are an error, never silently ignored.
func ParseFilter(expr string) (FilterSpec, error) {
	spec := FilterSpec{}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return spec, nil
	}

	for _, clause := range strings.Split(expr, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		key, value, found := strings.Cut(clause, ":")
		if !found {
			return FilterSpec{}, fmt.Errorf("%w: missing ':' in %q", ErrBadFilter, clause)
		}

		value = strings.TrimSpace(value)
		if value == "" {
			return FilterSpec{}, fmt.Errorf("%w: empty value in %q", ErrBadFilter, clause)
		}

		switch strings.TrimSpace(key) {
		case "pid":
			pid, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return FilterSpec{}, fmt.Errorf("%w: pid %q is not a number", ErrBadFilter, value)
			}

			if spec.Pids == nil {
				spec.Pids = make(map[int32]struct{})
			}
			spec.Pids[int32(pid)] = struct{}{}
		case "comm":
			spec.Comms = append(spec.Comms, strings.ToLower(value))
		case "sys", "fn":
			if spec.Calls == nil {
				spec.Calls = make(map[string]struct{})
			}
			spec.Calls[value] = struct{}{}
		default:
			return FilterSpec{}, fmt.Errorf("%w: unknown key %q", ErrBadFilter, key)
		}
	}

	return spec, nil
}

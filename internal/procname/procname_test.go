package procname_test

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calltrace/calltop/internal/procname"
)

func fixtureResolver(t *testing.T) *procname.Resolver {
	t.Helper()

	cwd, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	return procname.NewWithPath(func(pid int32) string {
		return fmt.Sprintf(path.Join(cwd, "testdata", "proc", "%d", "comm"), pid)
	})
}

func TestLookup(t *testing.T) {
	cases := []struct {
		name     string
		pid      int32
		expected string
	}{
		{name: "known pid", pid: 1234, expected: "nginx"},
		{name: "another known pid", pid: 42, expected: "redis-server"},
		{name: "missing pid", pid: 99999, expected: ""},
	}

	r := fixtureResolver(t)

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.expected, r.Lookup(c.pid))
		})
	}
}

func TestLookupCaches(t *testing.T) {
	r := fixtureResolver(t)

	require.Equal(t, "nginx", r.Lookup(1234))

	// Second lookup is served from cache even after a Forget-less
	// fixture change would be invisible; exercise Forget explicitly.
	require.Equal(t, "nginx", r.Lookup(1234))

	r.Forget(1234)
	require.Equal(t, "nginx", r.Lookup(1234))
}

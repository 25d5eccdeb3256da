package probe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calltrace/calltop/probe"
)

func TestSyscallName(t *testing.T) {
	cases := []struct {
		nr   int64
		want string
	}{
		{0, "read"},
		{1, "write"},
		{202, "futex"},
		{232, "epoll_wait"},
		{9999, "sys_0x270f"},
	}

	for _, c := range cases {
		require.Equal(t, c.want, probe.SyscallName(c.nr))
	}
}

package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardForKey_StableAndInRange(t *testing.T) {
	for _, n := range []int{1, 7, 64} {
		for _, k := range []string{"", "chat_u_a", "chat_u_b", "presence"} {
			s := ShardForKey(k, n)
			require.GreaterOrEqual(t, s, 0)
			require.Less(t, s, n)
			require.Equal(t, s, ShardForKey(k, n))
		}
	}
	require.Panics(t, func() { ShardForKey("x", 0) })
}

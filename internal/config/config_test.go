package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKeyValueWithComments(t *testing.T) {
	src := `
# this is a comment
pmem.poolPath=/mnt/pmem/pool
pmem.totalSize=2147483648
dht.port=7777
runtime.maxReadyKeys=1024
mode=STORAGE
`
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	v, ok := f.String("pmem.poolPath")
	require.True(t, ok)
	require.Equal(t, "/mnt/pmem/pool", v)

	n, ok := f.Int64("pmem.totalSize")
	require.True(t, ok)
	require.Equal(t, int64(2147483648), n)

	port, ok := f.Int("dht.port")
	require.True(t, ok)
	require.Equal(t, 7777, port)

	_, ok = f.String("not.present")
	require.False(t, ok)
}

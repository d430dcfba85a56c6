package cache

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath_ExplicitWins(t *testing.T) {
	assert.Equal(t, "/tmp/custom.json", ResolvePath("/tmp/custom.json", ".ignored"))
}

func TestResolvePath_ScopedToCallingTestFile(t *testing.T) {
	_, self, _, ok := runtime.Caller(0)
	require.True(t, ok)

	got := ResolvePath("", "")
	assert.Equal(t, filepath.Join(filepath.Dir(self), ".stepcache", "path.json"), got)

	got = ResolvePath("", "snapshots")
	assert.Equal(t, filepath.Join(filepath.Dir(self), "snapshots", "path.json"), got)
}

package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpTrigger_Path(t *testing.T) {
	tr := NewDumpTrigger("/tmp/nccl_trace_rank_", 3, func(context.Context) {}, nil)
	assert.Equal(t, "/tmp/nccl_trace_rank_3.pipe", tr.Path())
}

func TestDumpTrigger_FiresOnCreate(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	tr := NewDumpTrigger(filepath.Join(dir, "rank_"), 0, func(context.Context) {
		fired.Add(1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(tr.Path(), []byte("1"), 0o644))

	assert.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestDumpTrigger_StopIsIdempotent(t *testing.T) {
	tr := NewDumpTrigger(filepath.Join(t.TempDir(), "rank_"), 0, func(context.Context) {}, nil)
	require.NoError(t, tr.Start(context.Background()))
	tr.Stop()
	tr.Stop()
}

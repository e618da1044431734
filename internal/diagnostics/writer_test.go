package diagnostics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
)

type memWriter struct {
	mu    sync.Mutex
	dumps [][]byte
}

func (w *memWriter) Write(_ context.Context, dump []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dumps = append(w.dumps, append([]byte(nil), dump...))
	return nil
}

func (w *memWriter) Target() string { return "memory" }

func TestRegistry_RegisterOnce(t *testing.T) {
	r := NewRegistry(t.TempDir()+"/trace_", nil)
	first := &memWriter{}
	require.NoError(t, r.Register(first))
	assert.True(t, r.Registered())

	err := r.Register(&memWriter{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatInvalidUsage))
	var cerr *core.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, core.CodeWriterRegistered, cerr.Code)
	assert.ErrorIs(t, err, core.ErrWriterRegisteredSentinel)

	assert.Same(t, first, r.Get(3))
}

func TestRegistry_GetRegistersDefault(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "trace_")
	r := NewRegistry(prefix, nil)
	assert.False(t, r.Registered())

	w := r.Get(5)
	require.NotNil(t, w)
	assert.Equal(t, prefix+"5", w.Target())
	assert.True(t, r.Registered())

	// Later ranks get the same sink.
	assert.Same(t, w, r.Get(7))

	// Registering after the default was installed fails.
	assert.Error(t, r.Register(&memWriter{}))
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := NewRegistry(t.TempDir()+"/trace_", nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(&memWriter{}) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDumpPrefixFromEnv(t *testing.T) {
	t.Setenv(EnvDumpPrefix, "/var/tmp/custom_")
	assert.Equal(t, "/var/tmp/custom_", DumpPrefixFromEnv())

	t.Setenv(EnvDumpPrefix, "")
	assert.Equal(t, DefaultDumpPrefix, DumpPrefixFromEnv())
}

func TestFileWriter_WriteReplaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	w := NewFileWriter(filepath.Join(dir, "rank_"), 2, nil)
	assert.Equal(t, filepath.Join(dir, "rank_2"), w.Target())

	require.NoError(t, w.Write(context.Background(), []byte(`{"version":"2.4"}`)))
	require.NoError(t, w.Write(context.Background(), []byte(`{"version":"2.4","entries":[]}`)))

	got, err := os.ReadFile(w.Target())
	require.NoError(t, err)
	assert.Equal(t, `{"version":"2.4","entries":[]}`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should be left behind")
}

func TestFileWriter_CanceledContext(t *testing.T) {
	w := NewFileWriter(filepath.Join(t.TempDir(), "rank_"), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(w.Target())
	assert.True(t, os.IsNotExist(statErr))
}

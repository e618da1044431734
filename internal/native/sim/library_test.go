package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/native"
)

var _ native.Library = (*Library)(nil)
var _ native.Event = (*Event)(nil)

func TestGetUniqueID_Random(t *testing.T) {
	lib := New()
	var a, b native.UniqueID
	require.Equal(t, native.Success, lib.GetUniqueID(&a))
	require.Equal(t, native.Success, lib.GetUniqueID(&b))
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 2*native.UniqueIDBytes)
}

func TestCommInitRank_Blocking(t *testing.T) {
	lib := New(WithInitPolls(3))
	var comm native.Comm
	require.Equal(t, native.Success, lib.CommInitRank(&comm, 4, native.UniqueID{}, 1))
	assert.NotZero(t, comm)

	var state native.Result
	require.Equal(t, native.Success, lib.CommGetAsyncError(comm, &state))
	assert.Equal(t, native.Success, state)
}

func TestCommInitRank_InvalidRank(t *testing.T) {
	lib := New()
	var comm native.Comm
	assert.Equal(t, native.InvalidArgument, lib.CommInitRank(&comm, 2, native.UniqueID{}, 2))
	assert.Contains(t, lib.GetLastError(0), "invalid rank 2")
}

func TestCommInitRankConfig_NonBlockingPolls(t *testing.T) {
	lib := New(WithInitPolls(2))
	var comm native.Comm
	require.Equal(t, native.InProgress, lib.CommInitRankConfig(&comm, 2, native.UniqueID{}, 0, &native.Config{}))

	var state native.Result
	lib.CommGetAsyncError(comm, &state)
	assert.Equal(t, native.InProgress, state)
	lib.CommGetAsyncError(comm, &state)
	assert.Equal(t, native.Success, state)
	assert.Equal(t, 2, lib.Calls(OpAsyncError))
}

func TestStall(t *testing.T) {
	lib := New()
	var comm native.Comm
	require.Equal(t, native.Success, lib.CommInitRank(&comm, 2, native.UniqueID{}, 0))
	lib.Stall(comm)

	var state native.Result
	for i := 0; i < 10; i++ {
		lib.CommGetAsyncError(comm, &state)
		assert.Equal(t, native.InProgress, state)
	}
}

func TestFailNext_OneShot(t *testing.T) {
	lib := New()
	lib.FailNext(OpInit, native.SystemError)

	var comm native.Comm
	assert.Equal(t, native.SystemError, lib.CommInitRank(&comm, 2, native.UniqueID{}, 0))
	assert.Equal(t, native.Success, lib.CommInitRank(&comm, 2, native.UniqueID{}, 0))
	assert.Equal(t, 2, lib.Calls(OpInit))
	assert.Contains(t, lib.GetLastError(comm), "simulated init failure")
}

func TestCommSplit(t *testing.T) {
	lib := New()
	var parent, child native.Comm
	require.Equal(t, native.Success, lib.CommInitRank(&parent, 4, native.UniqueID{}, 0))

	require.Equal(t, native.Success, lib.CommSplit(parent, 2, 1, &child, &native.Config{Blocking: true}))
	assert.NotZero(t, child)

	out := map[string]string{}
	require.Equal(t, native.Success, lib.CommDump(child, out))
	assert.Equal(t, "2", out["color"])
	assert.Equal(t, "1", out["rank"])

	var none native.Comm = 0xdead
	require.Equal(t, native.Success, lib.CommSplit(parent, -1, 1, &none, nil))
	assert.Zero(t, none)
}

func TestRegisterRequiresReadiness(t *testing.T) {
	lib := New(WithInitPolls(1))
	var comm native.Comm
	lib.CommInitRankConfig(&comm, 2, native.UniqueID{}, 0, &native.Config{})

	var seg native.SegmentHandle
	assert.Equal(t, native.InvalidUsage, lib.CommRegister(comm, 0x100, 8, &seg))

	var state native.Result
	lib.CommGetAsyncError(comm, &state)
	require.Equal(t, native.Success, lib.CommRegister(comm, 0x100, 8, &seg))
	assert.Equal(t, 1, lib.Segments(comm))

	require.Equal(t, native.Success, lib.CommDeregister(comm, seg))
	assert.Equal(t, native.InvalidArgument, lib.CommDeregister(comm, seg))
}

func TestCommAbort_DropsSegments(t *testing.T) {
	lib := New()
	var comm native.Comm
	require.Equal(t, native.Success, lib.CommInitRank(&comm, 2, native.UniqueID{}, 0))
	var seg native.SegmentHandle
	require.Equal(t, native.Success, lib.CommRegister(comm, 0x100, 8, &seg))

	require.Equal(t, native.Success, lib.CommAbort(comm))
	assert.True(t, lib.Aborted(comm))
	assert.Zero(t, lib.Segments(comm))
	assert.Equal(t, native.InvalidArgument, lib.CommFinalize(comm))
}

func TestCommDump_RequiresSupport(t *testing.T) {
	lib := New(WithVersion(native.Version{Major: 2, Minor: 19}))
	var comm native.Comm
	require.Equal(t, native.Success, lib.CommInitRank(&comm, 2, native.UniqueID{}, 0))
	assert.Equal(t, native.InvalidUsage, lib.CommDump(comm, map[string]string{}))
}

func TestGetErrorString(t *testing.T) {
	lib := New()
	assert.Equal(t, "no error", lib.GetErrorString(native.Success))
	assert.Contains(t, lib.GetErrorString(native.RemoteError), "remote process exited")
	assert.Equal(t, "unknown result code", lib.GetErrorString(native.Result(99)))
}

func TestEvent(t *testing.T) {
	start, end := NewEvent(), NewEvent()
	assert.False(t, start.Query())

	_, err := start.ElapsedTime(end)
	assert.ErrorIs(t, err, ErrEventPending)

	t0 := time.Unix(100, 0)
	start.CompleteAt(t0)
	end.CompleteAt(t0.Add(15 * time.Millisecond))
	end.CompleteAt(t0.Add(time.Hour))

	assert.True(t, start.Query())
	assert.Equal(t, 2, start.Queries())

	d, err := start.ElapsedTime(end)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Millisecond, d)
}

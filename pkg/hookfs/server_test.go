package hookfs

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/iofault/pkg/api"
	"github.com/jingkaihe/iofault/pkg/rules"
)

func newTestState(t *testing.T, ruleList []api.FaultRule) *state {
	t.Helper()
	engine, err := rules.NewEngine(ruleList)
	require.NoError(t, err)
	st := &state{
		backing: t.TempDir(),
		engine:  engine,
		drained: make(chan struct{}),
	}
	st.injecting.Store(true)
	return st
}

func openTestFile(t *testing.T, st *state, rel, content string) *fileHandle {
	t.Helper()
	real := filepath.Join(st.backing, rel)
	require.NoError(t, os.WriteFile(real, []byte(content), 0644))
	f, err := os.OpenFile(real, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return &fileHandle{state: st, file: f, relPath: path.Join("/", rel)}
}

func TestDecideRespectsInjectingGate(t *testing.T) {
	st := newTestState(t, []api.FaultRule{{Fault: "error", Errno: "EIO"}})

	d := st.decide(rules.Op{Kind: rules.OpRead, Path: "/x"})
	assert.Equal(t, rules.DecisionFail, d.Kind)

	st.injecting.Store(false)
	d = st.decide(rules.Op{Kind: rules.OpRead, Path: "/x"})
	assert.Equal(t, rules.DecisionPassthrough, d.Kind)

	stats := st.stats()
	assert.Equal(t, int64(2), stats.Ops)
	assert.Equal(t, int64(1), stats.Fails)
}

func TestGateFailReturnsErrnoImmediately(t *testing.T) {
	st := newTestState(t, nil)
	errno := st.gate(context.Background(), rules.Decision{Kind: rules.DecisionFail, Errno: syscall.ENOSPC}, 0)
	assert.Equal(t, syscall.ENOSPC, errno)
}

func TestGateDelayWaits(t *testing.T) {
	st := newTestState(t, nil)
	start := time.Now()
	errno := st.gate(context.Background(), rules.Decision{Kind: rules.DecisionDelay, Delay: 50 * time.Millisecond}, 0)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDrainReleasesPendingDelays(t *testing.T) {
	st := newTestState(t, nil)
	done := make(chan syscall.Errno, 1)
	go func() {
		done <- st.gate(context.Background(), rules.Decision{Kind: rules.DecisionDelay, Delay: time.Hour}, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	st.injecting.Store(false)
	require.True(t, st.draining.CompareAndSwap(false, true))
	close(st.drained)

	select {
	case errno := <-done:
		assert.Equal(t, syscall.Errno(0), errno)
	case <-time.After(2 * time.Second):
		t.Fatal("delay wait was not released by drain")
	}

	// New delay decisions skip the wait entirely once draining.
	start := time.Now()
	st.gate(context.Background(), rules.Decision{Kind: rules.DecisionDelay, Delay: time.Hour}, 0)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateDelayCanceledByContext(t *testing.T) {
	st := newTestState(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errno := st.gate(ctx, rules.Decision{Kind: rules.DecisionDelay, Delay: time.Hour}, 0)
	assert.Equal(t, syscall.EINTR, errno)
}

func TestReadPassthroughIsByteIdentical(t *testing.T) {
	st := newTestState(t, nil)
	h := openTestFile(t, st, "data.bin", "hello fault injection")

	dest := make([]byte, 64)
	rr, errno := h.Read(context.Background(), dest, 0)
	require.Equal(t, syscall.Errno(0), errno)

	got, status := rr.Bytes(make([]byte, 64))
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, []byte("hello fault injection"), got)
}

func TestReadCorruptionAppliedAfterRealRead(t *testing.T) {
	st := newTestState(t, []api.FaultRule{{
		Ops:     []string{"read"},
		Fault:   "corrupt",
		Corrupt: &api.CorruptSpec{Mode: "zero"},
	}})
	h := openTestFile(t, st, "blob", "abcd")

	dest := make([]byte, 4)
	rr, errno := h.Read(context.Background(), dest, 0)
	require.Equal(t, syscall.Errno(0), errno)
	got, _ := rr.Bytes(make([]byte, 4))
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	// The perceived result changed; the file did not.
	content, err := os.ReadFile(filepath.Join(st.backing, "blob"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))
}

func TestWriteFailDoesNotTouchBackingFile(t *testing.T) {
	st := newTestState(t, []api.FaultRule{{
		Ops:   []string{"write"},
		Fault: "error",
		Errno: "ENOSPC",
	}})
	h := openTestFile(t, st, "out.log", "before")

	_, errno := h.Write(context.Background(), []byte("after!"), 0)
	assert.Equal(t, syscall.ENOSPC, errno)

	content, err := os.ReadFile(filepath.Join(st.backing, "out.log"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(content))
}

func TestWriteDelayPersistsExactBytes(t *testing.T) {
	st := newTestState(t, []api.FaultRule{{
		Ops:   []string{"write"},
		Path:  "/out.log",
		Fault: "delay",
		Delay: "50ms",
	}})
	h := openTestFile(t, st, "out.log", "")

	start := time.Now()
	n, errno := h.Write(context.Background(), []byte("payload"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(7), n)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	content, err := os.ReadFile(filepath.Join(st.backing, "out.log"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestReadShortAtEOF(t *testing.T) {
	st := newTestState(t, nil)
	h := openTestFile(t, st, "tiny", "ab")

	dest := make([]byte, 16)
	rr, errno := h.Read(context.Background(), dest, 0)
	require.Equal(t, syscall.Errno(0), errno)
	got, _ := rr.Bytes(make([]byte, 16))
	assert.Equal(t, []byte("ab"), got)
}

func TestChildRel(t *testing.T) {
	root := &Node{relPath: "/"}
	assert.Equal(t, "/a", root.childRel("a"))
	nested := &Node{relPath: "/a/b"}
	assert.Equal(t, "/a/b/c", nested.childRel("c"))
}

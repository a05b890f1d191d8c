package control

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	injecting bool
	status    Status
}

func (b *fakeBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status
	st.Injecting = b.injecting
	return st
}

func (b *fakeBackend) SetInjecting(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injecting = enabled
}

func startServer(t *testing.T, backend Backend) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Listen(socketPath))
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestStatusRoundTrip(t *testing.T) {
	backend := &fakeBackend{status: Status{
		SessionID: "s1",
		Phase:     "active",
		Path:      "/data/logs",
		Pid:       4242,
		Ops:       17,
		Failed:    3,
	}}
	client, err := Dial(startServer(t, backend))
	require.NoError(t, err)
	defer client.Close()

	st, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "s1", st.SessionID)
	assert.Equal(t, "active", st.Phase)
	assert.Equal(t, 4242, st.Pid)
	assert.Equal(t, uint64(17), st.Ops)
	assert.Equal(t, uint64(3), st.Failed)
}

func TestEnableDisable(t *testing.T) {
	backend := &fakeBackend{injecting: true}
	client, err := Dial(startServer(t, backend))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Disable())
	st, err := client.Status()
	require.NoError(t, err)
	assert.False(t, st.Injecting)

	require.NoError(t, client.Enable())
	st, err = client.Status()
	require.NoError(t, err)
	assert.True(t, st.Injecting)
}

func TestUnknownCommand(t *testing.T) {
	client, err := Dial(startServer(t, &fakeBackend{}))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.roundTrip(Command("explode"))
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "explode")
}

func TestListenRemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")

	// A crashed session leaves its socket file behind.
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	_, statErr := os.Stat(socketPath)
	if statErr != nil {
		// Close removed it on this platform; recreate a stale file.
		require.NoError(t, os.WriteFile(socketPath, nil, 0o600))
	}

	srv := NewServer(&fakeBackend{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Listen(socketPath))
	defer srv.Close()

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Status()
	require.NoError(t, err)
}

func TestCloseRemovesSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(&fakeBackend{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Listen(socketPath))
	require.NoError(t, srv.Close())

	_, err := os.Stat(socketPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCloseConcurrentWithDialers(t *testing.T) {
	// Teardown races against status probes (ps, gc) dialing the socket; the
	// server must shut down cleanly, never crash, however the race lands.
	backend := &fakeBackend{}
	for i := 0; i < 50; i++ {
		socketPath := filepath.Join(t.TempDir(), "ctl.sock")
		srv := NewServer(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
		require.NoError(t, srv.Listen(socketPath))

		var wg sync.WaitGroup
		for d := 0; d < 4; d++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				client, err := Dial(socketPath)
				if err != nil {
					// Lost the race to Close; that is the point.
					return
				}
				defer client.Close()
				_, _ = client.Status()
			}()
		}
		require.NoError(t, srv.Close())
		wg.Wait()
		require.NoError(t, srv.Close(), "second close is a no-op")
	}
}

func TestConcurrentClients(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startServer(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := Dial(socketPath)
			if !assert.NoError(t, err) {
				return
			}
			defer client.Close()
			for j := 0; j < 20; j++ {
				if _, err := client.Status(); !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()
}

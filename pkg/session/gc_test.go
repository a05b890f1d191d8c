package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/iofault/pkg/mountctl"
)

func TestGCDetachesOrphansAndKeepsLiveSessions(t *testing.T) {
	runtimeDir := t.TempDir()
	liveDir := filepath.Join(runtimeDir, "io-live01")
	deadDir := filepath.Join(runtimeDir, "io-dead01")
	require.NoError(t, os.MkdirAll(deadDir, 0o700))

	store, err := OpenStore(runtimeDir)
	require.NoError(t, err)
	require.NoError(t, store.Save(&Record{
		ID: "io-live01", Pid: 1, Path: "/data/a", Phase: PhaseActive,
		SessionDir: liveDir, SocketPath: filepath.Join(liveDir, "control.sock"),
	}))
	require.NoError(t, store.Save(&Record{
		ID: "io-dead01", Pid: 2, Path: "/data/b", Phase: PhaseActive,
		SessionDir: deadDir, SocketPath: filepath.Join(deadDir, "control.sock"),
	}))
	require.NoError(t, store.Close())

	var detached []string
	c := &Collector{
		RuntimeDir: runtimeDir,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		listMounts: func() ([]mountctl.MountInfo, error) {
			return []mountctl.MountInfo{
				{MountPoint: filepath.Join(liveDir, "shadow"), FSType: "fuse.iofault"},
				{MountPoint: filepath.Join(liveDir, "backing"), FSType: "ext4"},
				{MountPoint: filepath.Join(deadDir, "shadow"), FSType: "fuse.iofault"},
				{MountPoint: filepath.Join(deadDir, "backing"), FSType: "ext4"},
				{MountPoint: "/", FSType: "ext4"},
			}, nil
		},
		unmount: func(path string, flags int) error {
			detached = append(detached, path)
			return nil
		},
		probe: func(socketPath string) bool {
			return socketPath == filepath.Join(liveDir, "control.sock")
		},
	}

	report, err := c.Run()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(deadDir, "shadow"),
		filepath.Join(deadDir, "backing"),
	}, detached)
	assert.Equal(t, []string{"io-dead01"}, report.RemovedRecords)
	assert.Empty(t, report.Failed)

	_, err = os.Stat(deadDir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	store, err = OpenStore(runtimeDir)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Get("io-live01")
	assert.NoError(t, err, "live session record must survive gc")
}

func TestGCNothingToDo(t *testing.T) {
	runtimeDir := t.TempDir()
	c := &Collector{
		RuntimeDir: runtimeDir,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		listMounts: func() ([]mountctl.MountInfo, error) { return nil, nil },
		unmount: func(path string, flags int) error {
			t.Fatalf("unexpected unmount of %s", path)
			return nil
		},
		probe: func(string) bool { return false },
	}
	report, err := c.Run()
	require.NoError(t, err)
	assert.Empty(t, report.DetachedMounts)
	assert.Empty(t, report.RemovedRecords)
}

func TestGCReportsUnmountFailures(t *testing.T) {
	runtimeDir := t.TempDir()
	c := &Collector{
		RuntimeDir: runtimeDir,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		listMounts: func() ([]mountctl.MountInfo, error) {
			return []mountctl.MountInfo{
				{MountPoint: filepath.Join(runtimeDir, "io-x", "shadow"), FSType: "fuse.iofault"},
			}, nil
		},
		unmount: func(path string, flags int) error {
			return os.ErrPermission
		},
		probe: func(string) bool { return false },
	}
	report, err := c.Run()
	require.NoError(t, err)
	assert.Empty(t, report.DetachedMounts)
	require.Len(t, report.Failed, 1)
}

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/iofault/pkg/hijack"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := &Record{
		ID:         "io-abc123",
		Pid:        99,
		Path:       "/data/logs",
		Phase:      PhaseActive,
		SessionDir: "/run/iofault/io-abc123",
		ShadowPath: "/run/iofault/io-abc123/shadow",
		SocketPath: "/run/iofault/io-abc123/control.sock",
		Hijacks: []*hijack.Record{
			{Kind: hijack.RecordFd, Pid: 99, Fd: 3, OriginalPath: "/data/logs/a.log", ShadowPath: "/run/iofault/io-abc123/shadow/a.log", Offset: 17},
			{Kind: hijack.RecordMount, Pid: 99, OriginalPath: "/data/logs", ShadowPath: "/run/iofault/io-abc123/shadow"},
		},
	}
	require.NoError(t, store.Save(rec))
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := store.Get("io-abc123")
	require.NoError(t, err)
	assert.Equal(t, rec.Pid, got.Pid)
	assert.Equal(t, PhaseActive, got.Phase)
	require.Len(t, got.Hijacks, 2)
	assert.Equal(t, int64(17), got.Hijacks[0].Offset)
	assert.Equal(t, hijack.RecordMount, got.Hijacks[1].Kind)
}

func TestStoreSaveIsUpsert(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := &Record{ID: "io-1", Pid: 1, Path: "/a", Phase: PhaseInitializing}
	require.NoError(t, store.Save(rec))

	rec.Phase = PhaseActive
	rec.LastError = ""
	require.NoError(t, store.Save(rec))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, PhaseActive, records[0].Phase)
}

func TestStoreDelete(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(&Record{ID: "io-1", Pid: 1, Path: "/a", Phase: PhaseActive}))
	require.NoError(t, store.Delete("io-1"))

	_, err = store.Get("io-1")
	require.Error(t, err)

	// Deleting an absent record is not an error.
	require.NoError(t, store.Delete("io-1"))
}

package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestSnapshotAndRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gogiod.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	reg := registry.New("host", "service")
	host := checkable.NewHost("myhost")
	require.NoError(t, reg.Register(host))
	require.NoError(t, reg.SetState("host", "myhost", registry.Active))

	host.Lock()
	host.CurrentState = checkable.HostDown
	host.StateType = checkable.StateTypeHard
	host.CheckAttempt = 3
	host.LastCheck = time.Unix(1700000000, 0)
	host.LastResult = &checkable.CheckResult{State: checkable.HostDown, Output: "CRITICAL"}
	host.Unlock()

	snap := New(db, reg, time.Minute, clock.New(), zerolog.Nop())
	require.NoError(t, snap.Snapshot())

	// Simulate a process restart: a fresh Checkable for the same name,
	// restored from the persisted snapshot instead of retaining state.
	reg2 := registry.New("host", "service")
	host2 := checkable.NewHost("myhost")
	require.NoError(t, reg2.Register(host2))

	snap2 := New(db, reg2, time.Minute, clock.New(), zerolog.Nop())
	require.NoError(t, snap2.Restore())

	require.Equal(t, checkable.HostDown, host2.CurrentState)
	require.Equal(t, checkable.StateTypeHard, host2.StateType)
	require.Equal(t, 3, host2.CheckAttempt)
	require.NotNil(t, host2.LastResult)
	require.Equal(t, "CRITICAL", host2.LastResult.Output)
}

func TestSnapshotter_StartStopWritesFinalSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gogiod.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	reg := registry.New("host")
	host := checkable.NewHost("h1")
	require.NoError(t, reg.Register(host))
	require.NoError(t, reg.SetState("host", "h1", registry.Active))

	snap := New(db, reg, time.Hour, clock.New(), zerolog.Nop())
	snap.Start()
	snap.Stop()

	var found bool
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		found = b.Get(objectKey("host", "h1")) != nil
		return nil
	}))
	require.True(t, found)
}

func TestJournal_SetClearGet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gogiod.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	j := NewJournal(db)
	require.False(t, j.Has("host", "h1", AttrActiveChecksEnabled))

	require.NoError(t, j.Set("host", "h1", AttrActiveChecksEnabled|AttrCheckInterval))
	require.True(t, j.Has("host", "h1", AttrActiveChecksEnabled))
	require.True(t, j.Has("host", "h1", AttrCheckInterval))

	require.NoError(t, j.Clear("host", "h1", AttrActiveChecksEnabled))
	require.False(t, j.Has("host", "h1", AttrActiveChecksEnabled))
	require.True(t, j.Has("host", "h1", AttrCheckInterval))

	// A journal reopened against the same file recovers its cache from
	// the bucket — overrides must survive a process restart.
	j2 := NewJournal(db)
	require.True(t, j2.Has("host", "h1", AttrCheckInterval))
}

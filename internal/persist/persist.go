// Package persist implements the Persistence Snapshotter: a periodic
// and on-shutdown atomic snapshot of the object registry, plus a
// modified-attributes journal recording which config-level attributes
// an operator has overridden via the External Command Bus. The on-disk
// form is an opaque bbolt database, treating the object store as
// opaque key-value blobs rather than a typed schema, replacing
// gogios's hand-rolled Nagios-format retention.dat writer/reader but
// keeping its "periodic snapshot + final snapshot on shutdown" timing
// and its per-object modified-attributes bitmask idea.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects  = []byte("objects")
	bucketJournal  = []byte("journal")
)

// DefaultInterval is the default periodic snapshot cadence.
const DefaultInterval = 5 * time.Minute

// Snapshotter periodically and on-shutdown writes the checkable
// registry plus the modified-attributes journal to a bbolt database.
type Snapshotter struct {
	db       *bolt.DB
	registry *registry.Registry
	journal  *Journal
	log      zerolog.Logger
	clock    clock.Clock

	interval time.Duration
	timer    *clock.Timer
}

// Open opens (creating if necessary) the bbolt database at path and
// creates its two buckets.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return fmt.Errorf("persist: create objects bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketJournal); err != nil {
			return fmt.Errorf("persist: create journal bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// New builds a Snapshotter over an already-open database. Pass
// clock.New() in production; tests can inject a fake clock to drive the
// periodic snapshot deterministically.
func New(db *bolt.DB, reg *registry.Registry, interval time.Duration, c clock.Clock, log zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Snapshotter{
		db:       db,
		registry: reg,
		journal:  NewJournal(db),
		log:      log,
		clock:    c,
		interval: interval,
	}
}

// Journal returns the modified-attributes journal this Snapshotter
// persists alongside the object snapshot.
func (s *Snapshotter) Journal() *Journal { return s.journal }

// Start arms the periodic snapshot timer. The timer is one-shot; tick
// re-arms it after every snapshot, giving a recurring cadence.
func (s *Snapshotter) Start() {
	s.timer = s.clock.NewTimer(s.interval, s.tick)
}

func (s *Snapshotter) tick() {
	if err := s.Snapshot(); err != nil {
		s.log.Warn().Err(err).Msg("periodic persistence snapshot failed")
	}
	if s.timer != nil {
		s.timer.Reschedule(s.interval)
	}
}

// Stop cancels the periodic timer and writes one final snapshot on
// graceful shutdown.
func (s *Snapshotter) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.Snapshot(); err != nil {
		s.log.Warn().Err(err).Msg("final persistence snapshot failed")
	}
}

// Snapshot writes every registered Checkable into the objects bucket in
// a single bbolt transaction. bbolt's own commit already gives the
// atomic temp-file+rename guarantee gogios's RetentionWriter hand-
// rolled with os.CreateTemp+os.Rename: a transaction either reaches
// the mmap'd file whole or not at all.
func (s *Snapshotter) Snapshot() error {
	hosts := registry.ActiveObjectsByType[*checkable.Checkable](s.registry, "host")
	services := registry.ActiveObjectsByType[*checkable.Checkable](s.registry, "service")

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b == nil {
			return fmt.Errorf("persist: objects bucket missing")
		}
		for _, c := range hosts {
			if err := putSnapshot(b, c); err != nil {
				return err
			}
		}
		for _, c := range services {
			if err := putSnapshot(b, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func putSnapshot(b *bolt.Bucket, c *checkable.Checkable) error {
	snap := BuildSnapshot(c)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persist: marshal %s %q: %w", snap.Kind, snap.Name, err)
	}
	return b.Put(objectKey(snap.Kind, snap.Name), data)
}

func objectKey(kind, name string) []byte {
	return []byte(kind + "\x00" + name)
}

// Restore reads every stored snapshot and applies it to the matching
// registered Checkable (looked up by kind/name), restoring state across
// a process restart. Checkables with no matching snapshot are left at
// their config-loaded defaults; snapshots with no matching Checkable
// (a check definition removed since the last run) are skipped.
func (s *Snapshotter) Restore() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var snap CheckableSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				s.log.Warn().Err(err).Str("key", string(k)).Msg("skipping corrupt persisted object")
				return nil
			}
			obj, ok := s.registry.GetByName(snap.Kind, snap.Name)
			if !ok {
				return nil
			}
			c, ok := obj.(*checkable.Checkable)
			if !ok {
				return nil
			}
			ApplySnapshot(c, snap)
			return nil
		})
	})
}

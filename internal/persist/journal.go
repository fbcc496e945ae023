package persist

import (
	"encoding/binary"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Attribute is one bit of the modified-attributes journal bitmask,
// generalizing gogios's Nagios-style per-object
// ModifiedAttributes/ModifiedHostAttributes/ModifiedServiceAttributes
// fields (internal/status/retention.go) to a single typed bitmask
// shared by hosts and services.
type Attribute uint64

const (
	AttrActiveChecksEnabled Attribute = 1 << iota
	AttrPassiveChecksEnabled
	AttrNotificationsEnabled
	AttrEventHandlerEnabled
	AttrFlapDetectionEnabled
	AttrCheckCommand
	AttrCheckInterval
	AttrRetryInterval
	AttrMaxCheckAttempts
	AttrCheckPeriod
	AttrNotificationPeriod
)

// Journal tracks, per (kind, name) object, which config-level
// attributes are marked as overridden at runtime since the object was
// last loaded from config. It records and persists the bits only: the
// External Command Bus does not write it and no code reads it back, so
// reloading config does not re-apply an override.
type Journal struct {
	db *bolt.DB

	mu    sync.RWMutex
	cache map[string]Attribute
}

// NewJournal wraps an already-open database with the journal bucket.
func NewJournal(db *bolt.DB) *Journal {
	j := &Journal{db: db, cache: make(map[string]Attribute)}
	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			j.cache[string(k)] = Attribute(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	return j
}

// Set ORs attrs into the stored bitmask for (kind, name) and persists
// the result immediately; the journal is small and written rarely (an
// operator action), so there is no batching.
func (j *Journal) Set(kind, name string, attrs Attribute) error {
	key := string(objectKey(kind, name))

	j.mu.Lock()
	j.cache[key] = j.cache[key] | attrs
	cur := j.cache[key]
	j.mu.Unlock()

	return j.persist(key, cur)
}

// Clear removes attrs from the stored bitmask for (kind, name).
func (j *Journal) Clear(kind, name string, attrs Attribute) error {
	key := string(objectKey(kind, name))

	j.mu.Lock()
	j.cache[key] = j.cache[key] &^ attrs
	cur := j.cache[key]
	j.mu.Unlock()

	return j.persist(key, cur)
}

// Get returns the current modified-attributes bitmask for (kind, name).
func (j *Journal) Get(kind, name string) Attribute {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cache[string(objectKey(kind, name))]
}

// Has reports whether every bit in want is set for (kind, name).
func (j *Journal) Has(kind, name string, want Attribute) bool {
	return j.Get(kind, name)&want == want
}

func (j *Journal) persist(key string, value Attribute) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if value == 0 {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), buf)
	})
}

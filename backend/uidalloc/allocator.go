// Package uidalloc issues monotonically increasing per-device UIDs and
// persists a reservation high-water-mark so restarts never reissue one,
// per spec §4.A.
package uidalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/nsdrive/syncagent/backend/node"
)

// ErrExhaustedUIDs is returned only when the 32-bit UID space for a
// device is fully consumed.
var ErrExhaustedUIDs = errors.New("uidalloc: exhausted 32-bit UID space")

var bucketName = []byte("highwater")

// DefaultReservationBlockSize is how many UIDs are reserved on disk per
// persisted block; in-memory allocation never crosses this without
// first persisting a new block (spec §4.A).
const DefaultReservationBlockSize = 100

// Allocator is a single-writer, monotonic UID source for one device.
// Safe for concurrent use.
type Allocator struct {
	mu          sync.Mutex
	db          *bolt.DB
	deviceKey   []byte
	next        uint32 // next UID to hand out
	reservedTo  uint32 // highest UID persisted as reserved
	blockSize   uint32
	exhausted   bool // set once ^uint32(0) has been handed out, so next never wraps to the 0 sentinel
}

// Open opens (creating if absent) the bbolt-backed high-water-mark file
// at path and returns an Allocator for the given device.
func Open(path string, device node.DeviceUID, blockSize uint32) (*Allocator, error) {
	if blockSize == 0 {
		blockSize = DefaultReservationBlockSize
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("uidalloc: open %s: %w", path, err)
	}

	a := &Allocator{
		db:        db,
		deviceKey: deviceKeyFor(device),
		blockSize: blockSize,
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		v := b.Get(a.deviceKey)
		if v != nil {
			a.reservedTo = binary.BigEndian.Uint32(v)
		}
		a.next = a.reservedTo + 1
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("uidalloc: hydrate high-water mark: %w", err)
	}

	return a, nil
}

func deviceKeyFor(d node.DeviceUID) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(d))
	return buf
}

// Close releases the underlying bbolt handle.
func (a *Allocator) Close() error {
	return a.db.Close()
}

// Next returns the next UID for this device, persisting a fresh
// reservation block first whenever in-memory allocation would cross the
// last persisted high-water-mark.
func (a *Allocator) Next() (node.UID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exhausted {
		return 0, ErrExhaustedUIDs
	}

	if a.next > a.reservedTo {
		newHigh := uint64(a.next) + uint64(a.blockSize) - 1
		if newHigh > uint64(^uint32(0)) {
			newHigh = uint64(^uint32(0))
		}
		if newHigh < uint64(a.next) {
			return 0, ErrExhaustedUIDs
		}
		if err := a.persist(uint32(newHigh)); err != nil {
			return 0, err
		}
		a.reservedTo = uint32(newHigh)
	}

	uid := a.next
	if uid == ^uint32(0) {
		a.exhausted = true
	} else {
		a.next++
	}
	return node.UID(uid), nil
}

func (a *Allocator) persist(highWater uint32) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, highWater)
		return b.Put(a.deviceKey, buf)
	})
}

// HighWater returns the last persisted reservation ceiling, for tests and
// diagnostics.
func (a *Allocator) HighWater() node.UID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return node.UID(a.reservedTo)
}

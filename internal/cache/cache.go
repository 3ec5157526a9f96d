// Package cache keeps per-account local state for the bridge: the mapping
// between remote and locally presented IMAP UIDs, and a ledger of completed
// move operations used to make move emulation idempotent.
//
// Each account gets its own bolt database file under the cache directory.
// Removing an account wipes its file entirely.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMailboxes = []byte("mailboxes")
	bucketMoves     = []byte("moves")

	keyNextLocal = []byte("next_local")
)

// Cache manages the per-account databases under a single directory.
type Cache struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*AccountCache
}

// New returns a Cache storing account databases under dir. The directory is
// created if it does not exist.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir, dbs: make(map[string]*AccountCache)}, nil
}

// Account opens (or returns the already open) database for the given
// account address.
func (c *Cache) Account(address string) (*AccountCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ac, ok := c.dbs[address]; ok {
		return ac, nil
	}

	db, err := bolt.Open(c.path(address), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache for %q: %w", address, err)
	}

	ac := &AccountCache{db: db}
	c.dbs[address] = ac
	return ac, nil
}

// Wipe closes and deletes the database for the given account. Wiping an
// account with no cache file is not an error.
func (c *Cache) Wipe(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ac, ok := c.dbs[address]; ok {
		if err := ac.db.Close(); err != nil {
			return fmt.Errorf("closing cache for %q: %w", address, err)
		}
		delete(c.dbs, address)
	}

	err := os.Remove(c.path(address))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing cache for %q: %w", address, err)
	}
	return nil
}

// Close closes all open account databases.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for address, ac := range c.dbs {
		if err := ac.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing cache for %q: %w", address, err)
		}
		delete(c.dbs, address)
	}
	return firstErr
}

func (c *Cache) path(address string) string {
	return filepath.Join(c.dir, hex.EncodeToString([]byte(address))+".db")
}

// AccountCache is the cache database for a single account.
type AccountCache struct {
	db *bolt.DB
}

// LocalUID returns the stable local UID for a remote UID in the given
// mailbox, assigning a new one if the message has not been seen before.
func (a *AccountCache) LocalUID(mailbox string, remoteUID uint32) (uint32, error) {
	var local uint32
	err := a.db.Update(func(tx *bolt.Tx) error {
		mb, err := mailboxBucket(tx, mailbox)
		if err != nil {
			return err
		}

		if v := mb.Get(remoteKey(remoteUID)); v != nil {
			local = binary.BigEndian.Uint32(v)
			return nil
		}

		local, err = nextLocalUID(mb)
		if err != nil {
			return err
		}
		if err := mb.Put(remoteKey(remoteUID), encodeUID(local)); err != nil {
			return err
		}
		return mb.Put(localKey(local), encodeUID(remoteUID))
	})
	if err != nil {
		return 0, fmt.Errorf("mapping remote uid %d in %q: %w", remoteUID, mailbox, err)
	}
	return local, nil
}

// RemoteUID resolves a local UID back to the remote UID it was assigned
// for. The second return value reports whether the mapping exists.
func (a *AccountCache) RemoteUID(mailbox string, localUID uint32) (uint32, bool, error) {
	var (
		remote uint32
		found  bool
	)
	err := a.db.View(func(tx *bolt.Tx) error {
		mb := viewMailboxBucket(tx, mailbox)
		if mb == nil {
			return nil
		}
		if v := mb.Get(localKey(localUID)); v != nil {
			remote = binary.BigEndian.Uint32(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("resolving local uid %d in %q: %w", localUID, mailbox, err)
	}
	return remote, found, nil
}

// LocalUIDs lists all local UIDs currently mapped for a mailbox, in
// ascending order.
func (a *AccountCache) LocalUIDs(mailbox string) ([]uint32, error) {
	var locals []uint32
	err := a.db.View(func(tx *bolt.Tx) error {
		mb := viewMailboxBucket(tx, mailbox)
		if mb == nil {
			return nil
		}
		c := mb.Cursor()
		prefix := []byte("l:")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			locals = append(locals, binary.BigEndian.Uint32(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing local uids in %q: %w", mailbox, err)
	}
	return locals, nil
}

// ForgetUID drops the mapping for a remote UID, e.g. after an expunge.
func (a *AccountCache) ForgetUID(mailbox string, remoteUID uint32) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		mb := viewMailboxBucket(tx, mailbox)
		if mb == nil {
			return nil
		}
		v := mb.Get(remoteKey(remoteUID))
		if v == nil {
			return nil
		}
		if err := mb.Delete(localKey(binary.BigEndian.Uint32(v))); err != nil {
			return err
		}
		return mb.Delete(remoteKey(remoteUID))
	})
	if err != nil {
		return fmt.Errorf("forgetting remote uid %d in %q: %w", remoteUID, mailbox, err)
	}
	return nil
}

// RecordMove notes that the message identified by messageID has been moved
// into the destination mailbox, landing at the given remote UID.
func (a *AccountCache) RecordMove(messageID, dest string, destUID uint32) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMoves)
		if err != nil {
			return err
		}
		return b.Put(moveKey(messageID, dest), encodeUID(destUID))
	})
	if err != nil {
		return fmt.Errorf("recording move of %q to %q: %w", messageID, dest, err)
	}
	return nil
}

// MoveRecorded reports whether a move of the given message into dest has
// already completed, returning the remote UID it landed at.
func (a *AccountCache) MoveRecorded(messageID, dest string) (uint32, bool, error) {
	var (
		uid   uint32
		found bool
	)
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		if b == nil {
			return nil
		}
		if v := b.Get(moveKey(messageID, dest)); v != nil {
			uid = binary.BigEndian.Uint32(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("checking move of %q to %q: %w", messageID, dest, err)
	}
	return uid, found, nil
}

// ClearMove removes a move record once the source copy is gone and the
// dedup entry is no longer needed.
func (a *AccountCache) ClearMove(messageID, dest string) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMoves)
		if b == nil {
			return nil
		}
		return b.Delete(moveKey(messageID, dest))
	})
	if err != nil {
		return fmt.Errorf("clearing move of %q to %q: %w", messageID, dest, err)
	}
	return nil
}

func mailboxBucket(tx *bolt.Tx, mailbox string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(bucketMailboxes)
	if err != nil {
		return nil, err
	}
	return root.CreateBucketIfNotExists([]byte(mailbox))
}

func viewMailboxBucket(tx *bolt.Tx, mailbox string) *bolt.Bucket {
	root := tx.Bucket(bucketMailboxes)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(mailbox))
}

func nextLocalUID(mb *bolt.Bucket) (uint32, error) {
	next := uint32(1)
	if v := mb.Get(keyNextLocal); v != nil {
		next = binary.BigEndian.Uint32(v)
	}
	if err := mb.Put(keyNextLocal, encodeUID(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func remoteKey(uid uint32) []byte {
	return append([]byte("r:"), encodeUID(uid)...)
}

func localKey(uid uint32) []byte {
	return append([]byte("l:"), encodeUID(uid)...)
}

func moveKey(messageID, dest string) []byte {
	key := make([]byte, 0, len(messageID)+1+len(dest))
	key = append(key, messageID...)
	key = append(key, 0)
	return append(key, dest...)
}

func encodeUID(uid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uid)
	return buf
}

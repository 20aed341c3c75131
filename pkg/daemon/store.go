package daemon

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"strata/pkg/protocol"
	"strata/pkg/types"
)

var ErrObjectNotFound = errors.New("object not found")

// Store is the daemon's persistent object store. Objects are keyed by pool,
// placement group and name; the placement group lives in the key so one
// group's objects form a contiguous prefix and can be enumerated or dropped
// as a unit during rebalance.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenStore opens the object store at dir. An empty dir opens an in-memory
// store, used by tests.
func OpenStore(dir string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func objectKey(pool types.PoolName, pg types.PGID, object string) []byte {
	return []byte(fmt.Sprintf("obj/%s/%08x/%s", pool, pg, object))
}

func pgPrefix(pool types.PoolName, pg types.PGID) []byte {
	return []byte(fmt.Sprintf("obj/%s/%08x/", pool, pg))
}

// Checksum is the content fingerprint used in rebalance manifests.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// WriteAt writes data at offset, extending the object with zeros if the
// offset is past the current end. It returns the object's new length.
func (s *Store) WriteAt(pool types.PoolName, pg types.PGID, object string, offset int64, data []byte) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}

	key := objectKey(pool, pg, object)
	var newLen int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var existing []byte
		item, err := txn.Get(key)
		if err == nil {
			existing, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		end := offset + int64(len(data))
		buf := existing
		if end > int64(len(buf)) {
			grown := make([]byte, end)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[offset:], data)
		newLen = int64(len(buf))
		return txn.Set(key, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write object: %w", err)
	}
	return newLen, nil
}

// Put stores a complete object, replacing any existing content. Backfill and
// replication use it to install whole copies.
func (s *Store) Put(pool types.PoolName, pg types.PGID, object string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(pool, pg, object), data)
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Read returns length bytes starting at offset; length 0 reads to the end.
// Reads past the end return the available suffix, which may be empty.
func (s *Store) Read(pool types.PoolName, pg types.PGID, object string, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(pool, pg, object))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrObjectNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if offset >= int64(len(val)) {
				out = []byte{}
				return nil
			}
			end := int64(len(val))
			if length > 0 && offset+length < end {
				end = offset + length
			}
			out = append([]byte(nil), val[offset:end]...)
			return nil
		})
	})
	return out, err
}

// ReadAll returns the whole object.
func (s *Store) ReadAll(pool types.PoolName, pg types.PGID, object string) ([]byte, error) {
	return s.Read(pool, pg, object, 0, 0)
}

func (s *Store) Delete(pool types.PoolName, pg types.PGID, object string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := objectKey(pool, pg, object)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrObjectNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	return err
}

// Manifest lists every object in a placement group with its content
// checksum, sorted by name. Backfilling daemons diff it against their own to
// copy only what differs.
func (s *Store) Manifest(pool types.PoolName, pg types.PGID) ([]protocol.ManifestEntry, error) {
	prefix := pgPrefix(pool, pg)
	var entries []protocol.ManifestEntry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				entries = append(entries, protocol.ManifestEntry{Object: name, Checksum: Checksum(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Object < entries[j].Object })
	return entries, nil
}

// DeletePG drops every object in a placement group and returns how many were
// removed. Called when a group has migrated away and its grace period passed.
func (s *Store) DeletePG(pool types.PoolName, pg types.PGID) (int, error) {
	prefix := pgPrefix(pool, pg)
	removed := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to delete placement group: %w", err)
	}
	return removed, nil
}

// PGs enumerates the placement groups this daemon currently holds data for,
// which drives garbage collection of groups that migrated away.
func (s *Store) PGs() (map[types.PoolName][]types.PGID, error) {
	out := make(map[types.PoolName][]types.PGID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("obj/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := make(map[string]bool)
		for it.Rewind(); it.Valid(); it.Next() {
			parts := strings.SplitN(string(it.Item().Key()), "/", 4)
			if len(parts) != 4 {
				continue
			}
			pool := types.PoolName(parts[1])
			var pg types.PGID
			if _, err := fmt.Sscanf(parts[2], "%08x", &pg); err != nil {
				continue
			}
			mark := parts[1] + "/" + parts[2]
			if !seen[mark] {
				seen[mark] = true
				out[pool] = append(out[pool], pg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

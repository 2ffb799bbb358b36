package mirror

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"lukechampine.com/blake3"
)

// ErrBlockNotFound indicates an unknown content digest.
var ErrBlockNotFound = errors.New("mirror: block not found")

const (
	metaPrefix   = "meta:"
	blockPrefix  = "block:"
	followPrefix = "follow:"

	bytesMetaKey  = "bytes_allocated"
	digestMetaKey = "store_digest"
)

// blockStore is the append-only content-addressed backing store. Blocks are
// keyed by the blake3 digest of their bytes, so replays of the same block
// are free.
type blockStore struct {
	db *leveldb.DB

	bytes    int64
	digest   []byte
	followed int
}

func openBlockStore(path string) (*blockStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: open block store: %w", err)
	}
	s := &blockStore{db: db}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *blockStore) load() error {
	if raw, err := s.Meta(bytesMetaKey); err != nil {
		return err
	} else if len(raw) == 8 {
		s.bytes = int64(binary.BigEndian.Uint64(raw))
	}
	if raw, err := s.Meta(digestMetaKey); err != nil {
		return err
	} else {
		s.digest = raw
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(followPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		s.followed++
	}
	return iter.Error()
}

func (s *blockStore) Close() error {
	return s.db.Close()
}

// Meta reads a metadata value; nil when absent.
func (s *blockStore) Meta(name string) ([]byte, error) {
	val, err := s.db.Get([]byte(metaPrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: read meta %s: %w", name, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *blockStore) PutMeta(name string, value []byte) error {
	if err := s.db.Put([]byte(metaPrefix+name), value, nil); err != nil {
		return fmt.Errorf("mirror: write meta %s: %w", name, err)
	}
	return nil
}

// Append stores a block under its blake3 digest and folds the digest into
// the store's rolling digest. Duplicate blocks change nothing.
func (s *blockStore) Append(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := []byte(blockPrefix + digest)

	exists, err := s.db.Has(key, nil)
	if err != nil {
		return "", fmt.Errorf("mirror: probe block: %w", err)
	}
	if exists {
		return digest, nil
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return "", fmt.Errorf("mirror: write block: %w", err)
	}

	s.bytes += int64(len(data))
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(s.bytes))
	if err := s.PutMeta(bytesMetaKey, counter[:]); err != nil {
		return "", err
	}

	rolled := blake3.Sum256(append(s.digest, sum[:]...))
	s.digest = rolled[:]
	if err := s.PutMeta(digestMetaKey, s.digest); err != nil {
		return "", err
	}
	return digest, nil
}

// Read returns the block bytes for a digest.
func (s *blockStore) Read(digest string) ([]byte, error) {
	val, err := s.db.Get([]byte(blockPrefix+digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: read block: %w", err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// FollowCore records a core subscription. Returns true when the core is new.
func (s *blockStore) FollowCore(key string, opts CoreOptions) (bool, error) {
	dbKey := []byte(followPrefix + key)
	exists, err := s.db.Has(dbKey, nil)
	if err != nil {
		return false, fmt.Errorf("mirror: probe follow: %w", err)
	}
	if exists {
		return false, nil
	}
	blob, err := json.Marshal(opts)
	if err != nil {
		return false, fmt.Errorf("mirror: encode follow: %w", err)
	}
	if err := s.db.Put(dbKey, blob, nil); err != nil {
		return false, fmt.Errorf("mirror: write follow: %w", err)
	}
	s.followed++
	return true, nil
}

func (s *blockStore) FollowedCount() int { return s.followed }

type followRecord struct {
	Key  string
	Opts CoreOptions
}

// Follows lists every followed core with its recorded options.
func (s *blockStore) Follows() ([]followRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(followPrefix)), nil)
	defer iter.Release()
	var out []followRecord
	for iter.Next() {
		var opts CoreOptions
		if err := json.Unmarshal(iter.Value(), &opts); err != nil {
			return nil, fmt.Errorf("mirror: decode follow: %w", err)
		}
		out = append(out, followRecord{
			Key:  strings.TrimPrefix(string(iter.Key()), followPrefix),
			Opts: opts,
		})
	}
	return out, iter.Error()
}

func (s *blockStore) BytesAllocated() int64 { return s.bytes }

// Digest is the rolling digest over everything appended so far.
func (s *blockStore) Digest() string {
	return hex.EncodeToString(s.digest)
}

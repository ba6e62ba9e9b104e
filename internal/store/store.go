// Package store implements the kernel's persistent transactional key-value
// store (spec §4.1): get/set/delete/enumerate, crank lifecycle brackets,
// nestable named savepoints, and quiescence observation.
//
// It is backed by LevelDB (github.com/syndtr/goleveldb), the same engine
// the teacher repository uses under core/rawdb. Writes made during a crank
// are buffered in an in-memory overlay and only flushed to LevelDB on
// EndCrank, so RollbackTo can discard a savepoint's tail without touching
// disk — the same discipline core/state/journal.go uses to revert a
// StateDB snapshot before any trie write is made durable.
package store

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/singleflight"

	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "store")

// compressThreshold is the value size above which Set snappy-compresses
// the payload before it is staged, mirroring core/rawdb's scheme for large
// block bodies.
const compressThreshold = 256

const compressedPrefix = 0x01
const rawPrefix = 0x00

var ErrAlreadyInCrank = errors.New("store: a crank is already open")
var ErrNoCrank = errors.New("store: no crank is open")
var ErrUnknownSavepoint = errors.New("store: unknown savepoint")

// entry is one journalled mutation, replayable backwards to undo it —
// directly modeled on core/state/journal.go's journalEntry/revert pair.
type entry struct {
	key         string
	hadPrev     bool
	prevValue   []byte
	wasDeleted  bool // true if this entry introduced a delete over an existing key
}

// Store is the kernel's transactional KV store.
type Store struct {
	mu sync.Mutex

	db *leveldb.DB

	inCrank  bool
	overlay  map[string][]byte // uncommitted writes staged this crank
	tomb     map[string]bool   // uncommitted deletes staged this crank
	journal  []entry
	markIdx  map[string]int // savepoint name -> journal length at creation
	markOrd  []string       // creation order, for nested rollback cleanup

	cond *sync.Cond
	sf   singleflight.Group
}

// Open opens (creating if absent) a LevelDB store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

func newStore(db *leveldb.DB) *Store {
	s := &Store{
		db:      db,
		overlay: make(map[string][]byte),
		tomb:    make(map[string]bool),
		markIdx: make(map[string]int),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// StartCrank begins a new crank; writes made before EndCrank are buffered
// and only made durable there.
func (s *Store) StartCrank() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inCrank {
		return ErrAlreadyInCrank
	}
	s.inCrank = true
	s.journal = s.journal[:0]
	for k := range s.overlay {
		delete(s.overlay, k)
	}
	for k := range s.tomb {
		delete(s.tomb, k)
	}
	s.markIdx = make(map[string]int)
	s.markOrd = s.markOrd[:0]
	return nil
}

// EndCrank commits every buffered write atomically to LevelDB.
func (s *Store) EndCrank() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inCrank {
		return ErrNoCrank
	}
	batch := new(leveldb.Batch)
	for k, v := range s.overlay {
		batch.Put([]byte(k), v)
	}
	for k := range s.tomb {
		if _, staged := s.overlay[k]; !staged {
			batch.Delete([]byte(k))
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.inCrank = false
	s.journal = s.journal[:0]
	s.overlay = make(map[string][]byte)
	s.tomb = make(map[string]bool)
	s.markIdx = make(map[string]int)
	s.markOrd = nil
	s.cond.Broadcast()
	return nil
}

// IsInCrank reports whether a crank is currently open.
func (s *Store) IsInCrank() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCrank
}

// WaitForCrank blocks until no crank is active. Concurrent callers are
// coalesced through a singleflight group so a burst of terminate/restart
// requests share one wait.
func (s *Store) WaitForCrank() {
	s.sf.Do("wait", func() (interface{}, error) {
		s.mu.Lock()
		for s.inCrank {
			s.cond.Wait()
		}
		s.mu.Unlock()
		return nil, nil
	})
}

// CreateSavepoint records the current journal position under name. Names
// may be reused across cranks but must be unique within one crank.
func (s *Store) CreateSavepoint(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inCrank {
		return ErrNoCrank
	}
	s.markIdx[name] = len(s.journal)
	s.markOrd = append(s.markOrd, name)
	return nil
}

// RollbackTo undoes every write made since the named savepoint, discarding
// writes from the in-memory overlay; nothing durable is touched.
func (s *Store) RollbackTo(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inCrank {
		return ErrNoCrank
	}
	idx, ok := s.markIdx[name]
	if !ok {
		return ErrUnknownSavepoint
	}
	for i := len(s.journal) - 1; i >= idx; i-- {
		e := s.journal[i]
		if e.hadPrev {
			s.overlay[e.key] = e.prevValue
			delete(s.tomb, e.key)
		} else {
			delete(s.overlay, e.key)
			s.tomb[e.key] = true
		}
	}
	s.journal = s.journal[:idx]
	// drop any savepoints created after this one
	for i := len(s.markOrd) - 1; i >= 0; i-- {
		n := s.markOrd[i]
		if s.markIdx[n] >= idx && n != name {
			delete(s.markIdx, n)
			s.markOrd = s.markOrd[:i]
		}
	}
	return nil
}

func (s *Store) rawGet(key string) ([]byte, bool, error) {
	if s.inCrank {
		if s.tomb[key] {
			if _, staged := s.overlay[key]; !staged {
				return nil, false, nil
			}
		}
		if v, ok := s.overlay[key]; ok {
			return v, true, nil
		}
	}
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Get returns the value stored at key, decompressing it if it was
// snappy-compressed on Set.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.rawGet(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return decode(raw)
}

func encode(value []byte) []byte {
	if len(value) < compressThreshold {
		out := make([]byte, 1+len(value))
		out[0] = rawPrefix
		copy(out[1:], value)
		return out
	}
	compressed := snappy.Encode(nil, value)
	out := make([]byte, 1+len(compressed))
	out[0] = compressedPrefix
	copy(out[1:], compressed)
	return out
}

func decode(raw []byte) ([]byte, bool, error) {
	if len(raw) == 0 {
		return nil, true, nil
	}
	tag, body := raw[0], raw[1:]
	switch tag {
	case rawPrefix:
		return body, true, nil
	case compressedPrefix:
		v, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	default:
		return nil, false, errors.New("store: unknown value tag")
	}
}

// Set stores value at key, recording a journal entry if a crank is open so
// the write can be reverted by RollbackTo.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := encode(value)
	if s.inCrank {
		prev, existed, err := s.rawGet(key)
		if err != nil {
			return err
		}
		s.journal = append(s.journal, entry{key: key, hadPrev: existed, prevValue: prev})
		s.overlay[key] = enc
		delete(s.tomb, key)
		return nil
	}
	return s.db.Put([]byte(key), enc, nil)
}

// Delete removes key, recording a journal entry if a crank is open.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inCrank {
		prev, existed, err := s.rawGet(key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}
		s.journal = append(s.journal, entry{key: key, hadPrev: existed, prevValue: prev})
		delete(s.overlay, key)
		s.tomb[key] = true
		return nil
	}
	return s.db.Delete([]byte(key), nil)
}

// Enumerate returns every key with the given prefix, in sorted order,
// reflecting any uncommitted writes of the open crank.
func (s *Store) Enumerate(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var keys []string

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		k := string(bytes.Clone(iter.Key()))
		if s.inCrank && s.tomb[k] {
			if _, staged := s.overlay[k]; !staged {
				continue
			}
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if s.inCrank {
		for k := range s.overlay {
			if strings_hasPrefix(k, prefix) && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func strings_hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

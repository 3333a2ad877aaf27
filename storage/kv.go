package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

var kvPrefix = []byte("kv/")

func kvKey(key []byte) []byte {
	out := make([]byte, 0, len(kvPrefix)+len(key))
	out = append(out, kvPrefix...)
	return append(out, key...)
}

// KVStore stores RLP-encoded values on top of a Database.
type KVStore struct {
	db Database
}

// NewKVStore wraps db with RLP encoding.
func NewKVStore(db Database) *KVStore {
	return &KVStore{db: db}
}

// KVPut encodes value with RLP and stores it under key.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.db.Get(kvKey(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, decodeInto(data, out)
}

func decodeInto(data []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// Journal buffers writes on top of a KVStore and flushes them in one batch.
//
// Scopes nest: Begin increments a depth counter and End decrements it. Writes
// are committed when the outermost scope ends without error; any scope ending
// with an error discards the whole buffer once the outermost scope closes.
// Writes issued outside a scope go straight to the database.
//
// A Journal is not safe for concurrent use.
type Journal struct {
	kv      *KVStore
	pending map[string][]byte
	order   []string
	hooks   []func()
	depth   int
	failed  bool
}

// NewJournal returns a journal over kv.
func NewJournal(kv *KVStore) *Journal {
	return &Journal{kv: kv, pending: make(map[string][]byte)}
}

// Begin opens a scope.
func (j *Journal) Begin() {
	j.depth++
}

// End closes the scope opened by the matching Begin. A non-nil *errp marks
// the journal as failed. When the outermost scope closes the buffer is either
// flushed or discarded; a flush error is reported through errp.
func (j *Journal) End(errp *error) {
	if j.depth == 0 {
		return
	}
	if errp != nil && *errp != nil {
		j.failed = true
	}
	j.depth--
	if j.depth > 0 {
		return
	}
	if j.failed {
		j.reset()
		return
	}
	hooks := j.hooks
	if err := j.flush(); err != nil {
		j.reset()
		if errp != nil && *errp == nil {
			*errp = fmt.Errorf("journal: commit: %w", err)
		}
		return
	}
	for _, fn := range hooks {
		fn()
	}
}

// AfterCommit registers fn to run once the current outermost scope commits.
// Outside a scope fn runs immediately. Callbacks of a discarded scope never
// run.
func (j *Journal) AfterCommit(fn func()) {
	if j.depth == 0 {
		fn()
		return
	}
	j.hooks = append(j.hooks, fn)
}

// Pending reports the number of buffered keys.
func (j *Journal) Pending() int {
	return len(j.order)
}

func (j *Journal) reset() {
	j.pending = make(map[string][]byte)
	j.order = nil
	j.hooks = nil
	j.failed = false
}

func (j *Journal) flush() error {
	if len(j.order) == 0 {
		j.reset()
		return nil
	}
	batch := j.kv.db.NewBatch()
	for _, key := range j.order {
		batch.Put(kvKey([]byte(key)), j.pending[key])
	}
	if err := batch.Write(); err != nil {
		return err
	}
	j.reset()
	return nil
}

// KVPut buffers value under key inside a scope, or writes through without one.
func (j *Journal) KVPut(key []byte, value interface{}) error {
	if j.depth == 0 {
		return j.kv.KVPut(key, value)
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	if _, ok := j.pending[k]; !ok {
		j.order = append(j.order, k)
	}
	j.pending[k] = encoded
	return nil
}

// KVGet reads buffered writes first and falls back to the database.
func (j *Journal) KVGet(key []byte, out interface{}) (bool, error) {
	if data, ok := j.pending[string(key)]; ok {
		return true, decodeInto(data, out)
	}
	return j.kv.KVGet(key, out)
}

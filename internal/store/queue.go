package store

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
)

// PendingOperation is a write that could not reach the origin and waits for replay.
// AttemptCount counts every replay attempt; Rejections only those the origin
// answered with a non-2xx status.
type PendingOperation struct {
	LocalID      string
	Seq          uint64
	Tag          string
	Method       string
	Path         string
	Header       http.Header
	Payload      []byte
	EnqueuedAt   time.Time
	AttemptCount int
	Rejections   int
	LastError    string
	BuriedAt     time.Time
}

// Queue is a FIFO of pending operations persisted in LevelDB. Keys carry a
// big-endian sequence number so iteration order is enqueue order. Operations
// that exhausted their retries are moved to a separate dead-letter list.
type Queue struct {
	db *DB

	mu      sync.Mutex
	seq     uint64
	pending int
	buried  int
}

func NewQueue(db *DB) (*Queue, error) {
	q := &Queue{db: db}
	err := db.scan(prefixPending, func(k, _ []byte) bool {
		q.pending++
		if s := seqFromKey(k, prefixPending); s > q.seq {
			q.seq = s
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	err = db.scan(prefixBuried, func(k, _ []byte) bool {
		q.buried++
		if s := seqFromKey(k, prefixBuried); s > q.seq {
			q.seq = s
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func seqKey(prefix string, seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

func seqFromKey(k []byte, prefix string) uint64 {
	if len(k) != len(prefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(prefix):])
}

// Enqueue appends op. LocalID is generated when empty; AttemptCount is reset.
func (q *Queue) Enqueue(op PendingOperation) (PendingOperation, error) {
	if op.LocalID == "" {
		op.LocalID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	op.AttemptCount = 0
	op.Rejections = 0
	op.LastError = ""

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db.has(prefixIndex + op.LocalID) {
		return PendingOperation{}, fmt.Errorf("%w: %s", ErrDuplicateID, op.LocalID)
	}
	op.Seq = q.seq + 1
	b, err := encodeGob(op)
	if err != nil {
		return PendingOperation{}, err
	}
	key := seqKey(prefixPending, op.Seq)
	batch := new(leveldb.Batch)
	batch.Put(key, b)
	batch.Put([]byte(prefixIndex+op.LocalID), key)
	if err := q.db.ldb.Write(batch, nil); err != nil {
		return PendingOperation{}, err
	}
	q.seq = op.Seq
	q.pending++
	return op, nil
}

// List returns pending operations in enqueue order. An empty tag lists all.
func (q *Queue) List(tag string) ([]PendingOperation, error) {
	return q.list(prefixPending, tag)
}

// Failed returns the dead-letter list in enqueue order.
func (q *Queue) Failed() ([]PendingOperation, error) {
	return q.list(prefixBuried, "")
}

func (q *Queue) list(prefix, tag string) ([]PendingOperation, error) {
	var out []PendingOperation
	var decodeErr error
	err := q.db.scan(prefix, func(_, v []byte) bool {
		var op PendingOperation
		if err := decodeGob(v, &op); err != nil {
			decodeErr = err
			return false
		}
		if tag == "" || op.Tag == tag {
			out = append(out, op)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (q *Queue) lookup(localID string) ([]byte, PendingOperation, error) {
	key, err := q.db.get(prefixIndex + localID)
	if err != nil {
		return nil, PendingOperation{}, err
	}
	b, err := q.db.get(string(key))
	if err != nil {
		return nil, PendingOperation{}, err
	}
	var op PendingOperation
	if err := decodeGob(b, &op); err != nil {
		return nil, PendingOperation{}, err
	}
	return key, op, nil
}

// Get returns a pending or buried operation by LocalID.
func (q *Queue) Get(localID string) (PendingOperation, error) {
	_, op, err := q.lookup(localID)
	return op, err
}

// Update rewrites the attempt bookkeeping of a pending operation.
func (q *Queue) Update(op PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, cur, err := q.lookup(op.LocalID)
	if err != nil {
		return err
	}
	cur.AttemptCount = op.AttemptCount
	cur.Rejections = op.Rejections
	cur.LastError = op.LastError
	b, err := encodeGob(cur)
	if err != nil {
		return err
	}
	return q.db.ldb.Put(key, b, nil)
}

// Delete removes an operation, pending or buried.
func (q *Queue) Delete(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, err := q.db.get(prefixIndex + localID)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete([]byte(prefixIndex + localID))
	if err := q.db.ldb.Write(batch, nil); err != nil {
		return err
	}
	if string(key[:len(prefixBuried)]) == prefixBuried {
		q.buried--
	} else {
		q.pending--
	}
	return nil
}

// Bury moves a pending operation to the dead-letter list, keeping its sequence.
func (q *Queue) Bury(op PendingOperation) error {
	return q.move(op, prefixPending, prefixBuried, func(cur *PendingOperation) {
		cur.AttemptCount = op.AttemptCount
		cur.Rejections = op.Rejections
		cur.LastError = op.LastError
		cur.BuriedAt = time.Now().UTC()
	})
}

// Requeue moves a buried operation back to the pending list with a fresh
// attempt count. It keeps its original position.
func (q *Queue) Requeue(localID string) (PendingOperation, error) {
	var out PendingOperation
	err := q.move(PendingOperation{LocalID: localID}, prefixBuried, prefixPending, func(cur *PendingOperation) {
		cur.AttemptCount = 0
		cur.Rejections = 0
		cur.LastError = ""
		cur.BuriedAt = time.Time{}
		out = *cur
	})
	return out, err
}

func (q *Queue) move(op PendingOperation, from, to string, mutate func(*PendingOperation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, cur, err := q.lookup(op.LocalID)
	if err != nil {
		return err
	}
	if len(key) < len(from) || string(key[:len(from)]) != from {
		return fmt.Errorf("%w: %s is not under %q", ErrNotFound, op.LocalID, from)
	}
	mutate(&cur)
	b, err := encodeGob(cur)
	if err != nil {
		return err
	}
	newKey := seqKey(to, cur.Seq)
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Put(newKey, b)
	batch.Put([]byte(prefixIndex+op.LocalID), newKey)
	if err := q.db.ldb.Write(batch, nil); err != nil {
		return err
	}
	if from == prefixPending {
		q.pending--
		q.buried++
	} else {
		q.buried--
		q.pending++
	}
	return nil
}

// Len is the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// BuriedLen is the number of dead letters.
func (q *Queue) BuriedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buried
}

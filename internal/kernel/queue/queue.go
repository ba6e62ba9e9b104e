// Package queue implements the kernel's persistent FIFO run queue (spec
// §4.4): Send/Notify/GCAction/ReapAction items, durable across restart,
// with enqueue/dequeue participating in the enclosing crank's savepoint
// discipline the way every other kernel table does.
package queue

import (
	"encoding/json"

	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/store"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "queue")

const headKey = "rq.head"
const tailKey = "rq.tail"

func itemKey(seq uint64) string {
	return "rq." + encodeSeq(seq)
}

func encodeSeq(n uint64) string {
	// zero-padded so lexicographic Enumerate order matches sequence order
	const width = 20
	s := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

// Queue is the persisted FIFO run queue.
type Queue struct {
	st   *store.Store
	wake chan struct{}
}

func New(st *store.Store) *Queue {
	return &Queue{st: st, wake: make(chan struct{}, 1)}
}

// Wake fires whenever the queue transitions from empty to non-empty;
// CrankLoop selects on it while idle.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) seq(key string) (uint64, error) {
	raw, ok, err := q.st.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	return decodeSeqValue(raw), nil
}

func decodeSeqValue(raw []byte) uint64 {
	var n uint64
	for _, c := range raw {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}

func (q *Queue) setSeq(key string, n uint64) error {
	return q.st.Set(key, []byte(encodeSeq(n)))
}

// Length returns the number of pending items.
func (q *Queue) Length() (uint64, error) {
	head, err := q.seq(headKey)
	if err != nil {
		return 0, err
	}
	tail, err := q.seq(tailKey)
	if err != nil {
		return 0, err
	}
	return tail - head, nil
}

// Enqueue appends item to the tail. Must be called with a crank already
// open (spec: "enqueue inside a crank is undone by rollback").
func (q *Queue) Enqueue(item msg.Item) error {
	head, err := q.seq(headKey)
	if err != nil {
		return err
	}
	tail, err := q.seq(tailKey)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.st.Set(itemKey(tail), raw); err != nil {
		return err
	}
	if err := q.setSeq(tailKey, tail+1); err != nil {
		return err
	}
	if tail == head {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	log.Trace("enqueued", "kind", item.Kind, "seq", tail)
	return nil
}

// ImmediateEnqueue is Enqueue but safe to call without an ambient crank
// open — used when a vat performs a syscall outside crank scope (an async
// host callback). If no crank is open it brackets one of its own.
func (q *Queue) ImmediateEnqueue(item msg.Item) error {
	if q.st.IsInCrank() {
		return q.Enqueue(item)
	}
	if err := q.st.StartCrank(); err != nil {
		return err
	}
	if err := q.Enqueue(item); err != nil {
		_ = q.st.EndCrank()
		return err
	}
	return q.st.EndCrank()
}

// Dequeue removes and returns the head item, or nil if the queue is empty.
// Must be called with a crank already open.
func (q *Queue) Dequeue() (*msg.Item, error) {
	head, err := q.seq(headKey)
	if err != nil {
		return nil, err
	}
	tail, err := q.seq(tailKey)
	if err != nil {
		return nil, err
	}
	if head == tail {
		return nil, nil
	}
	raw, ok, err := q.st.Get(itemKey(head))
	if err != nil {
		return nil, err
	}
	if !ok {
		// Should be impossible under correct invariants, but treat a hole
		// in the queue as an empty slot rather than panicking the crank.
		if err := q.setSeq(headKey, head+1); err != nil {
			return nil, err
		}
		return q.Dequeue()
	}
	var item msg.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	if err := q.st.Delete(itemKey(head)); err != nil {
		return nil, err
	}
	if err := q.setSeq(headKey, head+1); err != nil {
		return nil, err
	}
	return &item, nil
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (*msg.Item, bool, error) {
	head, err := q.seq(headKey)
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := q.st.Get(itemKey(head))
	if err != nil || !ok {
		return nil, false, err
	}
	var item msg.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

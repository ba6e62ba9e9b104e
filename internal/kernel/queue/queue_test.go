package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestFIFOOrder(t *testing.T) {
	q, st := newTestQueue(t)
	require.NoError(t, st.StartCrank())
	require.NoError(t, q.Enqueue(msg.Notify(refs.VatId(1), refs.Promise(1))))
	require.NoError(t, q.Enqueue(msg.Notify(refs.VatId(2), refs.Promise(2))))
	require.NoError(t, st.EndCrank())

	require.NoError(t, st.StartCrank())
	first, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, refs.VatId(1), first.Endpoint)
	second, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, refs.VatId(2), second.Endpoint)
	require.NoError(t, st.EndCrank())
}

func TestEnqueueRolledBackOnAbort(t *testing.T) {
	q, st := newTestQueue(t)
	require.NoError(t, st.StartCrank())
	require.NoError(t, st.CreateSavepoint("start"))
	require.NoError(t, q.Enqueue(msg.Notify(refs.VatId(1), refs.Promise(1))))
	require.NoError(t, st.RollbackTo("start"))
	require.NoError(t, st.EndCrank())

	n, err := q.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func TestWakeFiresOnEmptyToNonEmpty(t *testing.T) {
	q, st := newTestQueue(t)
	require.NoError(t, st.StartCrank())
	require.NoError(t, q.Enqueue(msg.ReapAction(refs.VatId(1))))
	require.NoError(t, st.EndCrank())

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal")
	}
}

func TestImmediateEnqueueOutsideCrank(t *testing.T) {
	q, st := newTestQueue(t)
	require.False(t, st.IsInCrank())
	require.NoError(t, q.ImmediateEnqueue(msg.ReapAction(refs.VatId(3))))

	n, err := q.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

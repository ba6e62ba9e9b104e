package promise

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/store"
)

func newMachine(t *testing.T) (*Machine, *queue.Queue, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.StartCrank())
	tb := reftables.New(st)
	q := queue.New(st)
	return New(tb, q), q, st
}

func TestResolveNotifiesSubscribers(t *testing.T) {
	m, q, st := newMachine(t)

	kpid, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.SetDecider(kpid, refs.VatId(1)))
	require.NoError(t, m.Subscribe(refs.VatId(2), kpid))

	require.NoError(t, m.Resolve(refs.VatId(1), kpid, false, capdata.CapData{Body: "42"}))

	item, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, msg.KindNotify, item.Kind)
	require.Equal(t, refs.VatId(2), item.Endpoint)
	require.Equal(t, kpid, item.Kpid)
	require.NoError(t, st.EndCrank())
}

func TestResolveByNonDeciderFails(t *testing.T) {
	m, _, _ := newMachine(t)
	kpid, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.SetDecider(kpid, refs.VatId(1)))

	err = m.Resolve(refs.VatId(2), kpid, false, capdata.CapData{})
	require.Error(t, err)
	var ke *kerr.Error
	require.ErrorAs(t, err, &ke)
	require.Equal(t, kerr.NotDecider, ke.Kind)
}

func TestResolveTwiceFails(t *testing.T) {
	m, _, _ := newMachine(t)
	kpid, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.SetDecider(kpid, refs.VatId(1)))
	require.NoError(t, m.Resolve(refs.VatId(1), kpid, false, capdata.CapData{Body: "1"}))

	err = m.Resolve(refs.VatId(1), kpid, false, capdata.CapData{Body: "2"})
	require.Error(t, err)
	var ke *kerr.Error
	require.ErrorAs(t, err, &ke)
	require.Equal(t, kerr.AlreadyResolved, ke.Kind)
}

func TestPipelinedSendForwardsOnResolutionToObject(t *testing.T) {
	m, q, _ := newMachine(t)

	kpid, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.SetDecider(kpid, refs.VatId(2)))

	m2 := msg.Message{Methargs: capdata.CapData{Body: "m2"}}
	require.NoError(t, m.EnqueueToPromise(kpid, refs.VatId(1), kpid, m2.Methargs, "", false))

	ko5 := refs.Object(5)
	require.NoError(t, m.Resolve(refs.VatId(2), kpid, false, capdata.CapData{Slots: []refs.KRef{ko5}}))

	item, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, msg.KindSend, item.Kind)
	require.Equal(t, ko5, item.Target)
}

func TestSubscribeToAlreadyResolvedSynthesizesNotify(t *testing.T) {
	m, q, _ := newMachine(t)
	kpid, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.SetDecider(kpid, refs.VatId(1)))
	require.NoError(t, m.Resolve(refs.VatId(1), kpid, false, capdata.CapData{Body: "ok"}))
	_, err = q.Dequeue() // drain nothing, no subscribers yet
	require.NoError(t, err)

	require.NoError(t, m.Subscribe(refs.VatId(3), kpid))
	item, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, msg.KindNotify, item.Kind)
	require.Equal(t, refs.VatId(3), item.Endpoint)
}

func TestEligibleForDeletion(t *testing.T) {
	m, _, _ := newMachine(t)
	kpid, err := m.Allocate()
	require.NoError(t, err)

	ok, err := m.Eligible(kpid)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Subscribe(refs.VatId(1), kpid))
	ok, err = m.Eligible(kpid)
	require.NoError(t, err)
	require.False(t, ok)
}

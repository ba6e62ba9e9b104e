package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/store"
)

type fakeTransport struct {
	outcome  CrankOutcome
	syscalls []Syscall
	err      error
	gotDelivery Delivery
}

func (f *fakeTransport) Deliver(ctx context.Context, id string, d Delivery) (CrankOutcome, []Syscall, error) {
	f.gotDelivery = d
	return f.outcome, f.syscalls, f.err
}
func (f *fakeTransport) Close() error { return nil }

func newTestEndpoint(t *testing.T, transport Transport) (*Endpoint, *reftables.Tables, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.StartCrank())
	tb := reftables.New(st)
	q := queue.New(st)
	pm := promise.New(tb, q)
	ep := New(refs.VatId(1), transport, tb, q, pm)
	return ep, tb, st
}

func TestDeliverTranslatesSendTargetToVRef(t *testing.T) {
	ft := &fakeTransport{}
	ep, tb, _ := newTestEndpoint(t, ft)

	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)

	item := msg.Send(ko1, msg.Message{Methargs: capdata.CapData{Body: "hi"}})
	_, err = ep.Deliver(context.Background(), "corr-1", item)
	require.NoError(t, err)

	require.Equal(t, DeliverMessage, ft.gotDelivery.Kind)
	require.NotEmpty(t, ft.gotDelivery.Target)
}

func TestDeliverAppliesSubscribeSyscall(t *testing.T) {
	ft := &fakeTransport{}
	ep, tb, _ := newTestEndpoint(t, ft)

	kpid, err := tb.AllocatePromise()
	require.NoError(t, err)
	localRef, err := tb.TranslateKtoE(refs.VatId(1), kpid, true)
	require.NoError(t, err)

	ft.syscalls = []Syscall{{Kind: SyscallSubscribe, Kpid: refs.VRef(localRef)}}

	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)
	_, err = ep.Deliver(context.Background(), "corr-2", msg.Send(ko1, msg.Message{}))
	require.NoError(t, err)

	p, ok, err := tb.GetPromise(kpid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, p.Subscribers, refs.VatId(1))
}

func TestIllegalSyscallUnmappedRefCompromisesEndpoint(t *testing.T) {
	ft := &fakeTransport{}
	ep, tb, _ := newTestEndpoint(t, ft)

	ft.syscalls = []Syscall{{Kind: SyscallSubscribe, Kpid: refs.VRef("p-999")}}

	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)
	outcome, err := ep.Deliver(context.Background(), "corr-3", msg.Send(ko1, msg.Message{}))
	require.NoError(t, err)
	require.True(t, outcome.Compromised)
	require.Error(t, outcome.Cause)
}

func TestRetireStillReachableIsIllegal(t *testing.T) {
	ft := &fakeTransport{}
	ep, tb, _ := newTestEndpoint(t, ft)

	ko1, err := tb.CreateObject(refs.VatId(2))
	require.NoError(t, err)
	localRef, err := tb.TranslateKtoE(refs.VatId(1), ko1, true)
	require.NoError(t, err)

	ft.syscalls = []Syscall{{Kind: SyscallRetireImports, VRefs: []refs.VRef{refs.VRef(localRef)}}}

	outcome, err := ep.Deliver(context.Background(), "corr-4", msg.Send(ko1, msg.Message{}))
	require.NoError(t, err)
	require.True(t, outcome.Compromised)
}

func TestDropThenRetireImportEnqueuesGCActionsToOwner(t *testing.T) {
	ft := &fakeTransport{}
	ep, tb, _ := newTestEndpoint(t, ft)

	ko1, err := tb.CreateObject(refs.VatId(2))
	require.NoError(t, err)
	localRef, err := tb.TranslateKtoE(refs.VatId(1), ko1, true)
	require.NoError(t, err)

	ft.syscalls = []Syscall{{Kind: SyscallDropImports, VRefs: []refs.VRef{refs.VRef(localRef)}}}
	_, err = ep.Deliver(context.Background(), "corr-5", msg.Send(ko1, msg.Message{}))
	require.NoError(t, err)

	item, err := ep.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item, "clearing the last reachable bit enqueues a dropExports GCAction to the owner")
	require.Equal(t, msg.KindGCAction, item.Kind)
	require.Equal(t, msg.GCDrop, item.GCKind)
	require.Equal(t, refs.VatId(2), item.Endpoint)

	ft.syscalls = []Syscall{{Kind: SyscallRetireImports, VRefs: []refs.VRef{refs.VRef(localRef)}}}
	_, err = ep.Deliver(context.Background(), "corr-6", msg.Send(ko1, msg.Message{}))
	require.NoError(t, err)

	o, ok, err := tb.GetObject(ko1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), o.Recognizable)

	item, err = ep.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item, "recognizable hitting zero enqueues a retireExports GCAction to the owner")
	require.Equal(t, msg.GCRetire, item.GCKind)
	require.Equal(t, refs.VatId(2), item.Endpoint)
}

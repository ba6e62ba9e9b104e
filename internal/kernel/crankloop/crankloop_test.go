package crankloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/endpoint"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/store"
)

type fakeTransport struct {
	outcome  endpoint.CrankOutcome
	syscalls []endpoint.Syscall
	err      error
}

func (f *fakeTransport) Deliver(ctx context.Context, id string, d endpoint.Delivery) (endpoint.CrankOutcome, []endpoint.Syscall, error) {
	return f.outcome, f.syscalls, f.err
}
func (f *fakeTransport) Close() error { return nil }

type fakeRegistry struct {
	endpoints   map[refs.EndpointId]*endpoint.Endpoint
	terminated  map[refs.EndpointId]bool
	terminCalls []refs.EndpointId
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		endpoints:  make(map[refs.EndpointId]*endpoint.Endpoint),
		terminated: make(map[refs.EndpointId]bool),
	}
}

func (r *fakeRegistry) Lookup(id refs.EndpointId) (*endpoint.Endpoint, bool) {
	ep, ok := r.endpoints[id]
	return ep, ok
}
func (r *fakeRegistry) IsTerminated(id refs.EndpointId) bool { return r.terminated[id] }
func (r *fakeRegistry) ScheduleTermination(id refs.EndpointId, reject bool, info capdata.CapData) {
	r.terminCalls = append(r.terminCalls, id)
	r.terminated[id] = true
}

func newTestLoop(t *testing.T) (*Loop, *store.Store, *reftables.Tables, *queue.Queue, *fakeRegistry) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	tb := reftables.New(st)
	q := queue.New(st)
	pm := promise.New(tb, q)
	reg := newFakeRegistry()
	return New(st, q, tb, pm, reg), st, tb, q, reg
}

func TestRunOneCrankDeliversSendAndCommits(t *testing.T) {
	loop, st, tb, q, reg := newTestLoop(t)

	require.NoError(t, st.StartCrank())
	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)
	require.NoError(t, st.EndCrank())

	ft := &fakeTransport{outcome: endpoint.CrankOutcome{}}
	reg.endpoints[refs.VatId(1)] = endpoint.New(refs.VatId(1), ft, tb, q, pmOf(loop))

	require.NoError(t, st.StartCrank())
	require.NoError(t, q.Enqueue(msg.Send(ko1, msg.Message{Methargs: capdata.CapData{Body: "hi"}})))
	require.NoError(t, st.EndCrank())

	require.NoError(t, loop.runOneCrank(context.Background()))

	n, err := q.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func pmOf(l *Loop) *promise.Machine { return l.promises }

func TestRunOneCrankAbortRollsBackAndSchedulesTermination(t *testing.T) {
	loop, st, tb, q, reg := newTestLoop(t)

	require.NoError(t, st.StartCrank())
	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)
	require.NoError(t, st.EndCrank())

	ft := &fakeTransport{outcome: endpoint.CrankOutcome{Abort: true}}
	reg.endpoints[refs.VatId(1)] = endpoint.New(refs.VatId(1), ft, tb, q, pmOf(loop))

	require.NoError(t, st.StartCrank())
	require.NoError(t, q.Enqueue(msg.Send(ko1, msg.Message{})))
	require.NoError(t, st.EndCrank())

	require.NoError(t, loop.runOneCrank(context.Background()))

	require.Contains(t, reg.terminCalls, refs.VatId(1))
	// abort without ConsumeMessage rolls back to "start": the dequeue is
	// undone and the message is still pending.
	n, err := q.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestRunOneCrankToTerminatedOwnerRejectsResult(t *testing.T) {
	loop, st, tb, q, reg := newTestLoop(t)

	require.NoError(t, st.StartCrank())
	ko1, err := tb.CreateObject(refs.VatId(1))
	require.NoError(t, err)
	kpid, err := pmOf(loop).Allocate()
	require.NoError(t, err)
	require.NoError(t, st.EndCrank())

	reg.terminated[refs.VatId(1)] = true

	require.NoError(t, st.StartCrank())
	require.NoError(t, q.Enqueue(msg.Send(ko1, msg.Message{Result: kpid, HasResult: true})))
	require.NoError(t, st.EndCrank())

	require.NoError(t, loop.runOneCrank(context.Background()))

	p, ok, err := tb.GetPromise(kpid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reftables.Rejected, p.State)
}

// Package promise implements the kernel promise lifecycle (spec §4.5):
// allocation, decider authority, subscriber fan-out, message parking on an
// unresolved promise, and promise-pipeline forwarding on resolution.
//
// It is policy layered over reftables.Tables (which owns the KernelPromise
// record) and queue.Queue (which receives the Notify/Send items this
// package synthesizes) — the same split the teacher draws between
// StateDB's low-level object storage and the higher-level transaction
// semantics layered on it in core/state/statedb.go's Transfer/Vote/etc.
// methods.
package promise

import (
	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "promise")

// Machine is the promise lifecycle policy.
type Machine struct {
	tables *reftables.Tables
	queue  *queue.Queue
}

func New(tables *reftables.Tables, q *queue.Queue) *Machine {
	return &Machine{tables: tables, queue: q}
}

// Allocate mints a fresh unresolved promise with no decider, no
// subscribers, no queued messages, and refcount 0.
func (m *Machine) Allocate() (refs.KRef, error) {
	return m.tables.AllocatePromise()
}

// SetDecider assigns the decider of kpid, only valid while unresolved.
func (m *Machine) SetDecider(kpid refs.KRef, endpoint refs.EndpointId) error {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "setDecider: no such promise "+string(kpid))
	}
	if p.State != reftables.Unresolved {
		return kerr.New(kerr.AlreadyResolved, "setDecider: "+string(kpid)+" already resolved")
	}
	p.HasDecider = true
	p.Decider = endpoint
	return m.tables.PutPromise(kpid, p)
}

// Subscribe registers endpoint as a subscriber of kpid. Idempotent; if
// kpid is already resolved, a Notify is synthesized immediately instead of
// being recorded as a subscription.
func (m *Machine) Subscribe(endpoint refs.EndpointId, kpid refs.KRef) error {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "subscribe: no such promise "+string(kpid))
	}
	if p.State != reftables.Unresolved {
		return m.queue.Enqueue(msg.Notify(endpoint, kpid))
	}
	for _, s := range p.Subscribers {
		if s == endpoint {
			return nil
		}
	}
	p.Subscribers = append(p.Subscribers, endpoint)
	if _, err := m.tables.IncRefCount(kpid, "notify"); err != nil {
		return err
	}
	return m.tables.PutPromise(kpid, p)
}

// EnqueueToPromise parks msg on kpid's queued-messages list; only valid
// while unresolved. Refcounts are bumped for the promise itself, the
// result promise if any, and every slot embedded in the message body.
func (m *Machine) EnqueueToPromise(kpid refs.KRef, sender refs.EndpointId, target refs.KRef, body capdata.CapData, result refs.KRef, hasResult bool) error {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "enqueueToPromise: no such promise "+string(kpid))
	}
	if p.State != reftables.Unresolved {
		return kerr.New(kerr.AlreadyResolved, "enqueueToPromise: "+string(kpid)+" already resolved")
	}
	qm := reftables.QueuedMessage{Sender: sender, Target: target, Body: body}
	if hasResult {
		qm.Result = result
	}
	p.Queue = append(p.Queue, qm)
	if err := m.bumpParkedRefs(kpid, qm, hasResult, 1); err != nil {
		return err
	}
	return m.tables.PutPromise(kpid, p)
}

func (m *Machine) bumpParkedRefs(kpid refs.KRef, qm reftables.QueuedMessage, hasResult bool, delta int) error {
	adjust := func(kref refs.KRef, tag string) error {
		var err error
		if delta > 0 {
			_, err = m.tables.IncRefCount(kref, tag)
		} else {
			_, err = m.tables.DecRefCount(kref, tag)
		}
		return err
	}
	if err := adjust(kpid, "queue|target"); err != nil {
		return err
	}
	if hasResult {
		if err := adjust(qm.Result, "queue|result"); err != nil {
			return err
		}
	}
	for _, slot := range qm.Body.Slots {
		if err := adjust(slot, "queue|slot"); err != nil {
			return err
		}
	}
	return nil
}

// Resolve moves kpid from unresolved to fulfilled/rejected. Every
// subscriber is notified; every parked message is either re-routed as a
// Send to the resolved object (promise-pipeline forwarding, when data is a
// bare reference to a single KRef) or converted into a Notify to the
// sender's own result promise. An endpoint may resolve only a promise it
// is the recorded decider of; refs.Kernel may settle any unresolved
// promise (vat termination, revoked targets, parked results).
func (m *Machine) Resolve(vatID refs.EndpointId, kpid refs.KRef, isRejection bool, data capdata.CapData) error {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "resolve: no such promise "+string(kpid))
	}
	if p.State != reftables.Unresolved {
		return kerr.New(kerr.AlreadyResolved, "resolve: "+string(kpid)+" already resolved")
	}
	isKernel := vatID == refs.Kernel
	if !isKernel && (!p.HasDecider || p.Decider != vatID) {
		return kerr.New(kerr.NotDecider, "resolve: "+string(vatID)+" is not decider of "+string(kpid))
	}

	if isRejection {
		p.State = reftables.Rejected
	} else {
		p.State = reftables.Fulfilled
	}
	p.IsRejection = isRejection
	p.Data = data
	p.HasDecider = false

	subscribers := p.Subscribers
	p.Subscribers = nil
	queued := p.Queue
	p.Queue = nil

	if err := m.tables.PutPromise(kpid, p); err != nil {
		return err
	}

	for _, sub := range subscribers {
		if _, err := m.tables.DecRefCount(kpid, "notify"); err != nil {
			return err
		}
		if err := m.queue.Enqueue(msg.Notify(sub, kpid)); err != nil {
			return err
		}
	}

	forwardTarget, forwards := data.SingleSlot()
	for _, qm := range queued {
		if err := m.bumpParkedRefs(kpid, qm, qm.Result != "", -1); err != nil {
			return err
		}
		if !isRejection && forwards {
			sendMsg := msg.Message{Methargs: qm.Body}
			if qm.Result != "" {
				sendMsg.Result = qm.Result
				sendMsg.HasResult = true
			}
			if err := m.queue.Enqueue(msg.Send(forwardTarget, sendMsg)); err != nil {
				return err
			}
			continue
		}
		// Not forwardable (rejected, or resolved to something other than a
		// bare single reference): notify the sender's own result promise if
		// it has one, otherwise nothing observes this message further.
		if qm.Result != "" {
			if err := m.Resolve(refs.Kernel, qm.Result, isRejection, data); err != nil {
				log.Warn("failed to settle parked message's result promise", "kpid", qm.Result, "err", err)
			}
		}
	}

	log.Debug("resolved", "kpid", kpid, "rejected", isRejection, "subscribers", len(subscribers), "parked", len(queued))
	return nil
}

// NotifySubscribers fans out a Notify to every current subscriber of kpid
// without changing its state (used to re-synthesize a notification, e.g.
// after a restart replays a pending Notify item).
func (m *Machine) NotifySubscribers(kpid refs.KRef) error {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "notifySubscribers: no such promise "+string(kpid))
	}
	subs := p.Subscribers
	p.Subscribers = nil
	if err := m.tables.PutPromise(kpid, p); err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := m.tables.DecRefCount(kpid, "notify"); err != nil {
			return err
		}
		if err := m.queue.Enqueue(msg.Notify(sub, kpid)); err != nil {
			return err
		}
	}
	return nil
}

// Eligible reports whether kpid is eligible for deletion: unresolved with
// zero subscribers, zero queued messages, and refcount 0 (invariant 5).
func (m *Machine) Eligible(kpid refs.KRef) (bool, error) {
	p, ok, err := m.tables.GetPromise(kpid)
	if err != nil || !ok {
		return false, err
	}
	if p.State != reftables.Unresolved {
		return false, nil
	}
	if len(p.Subscribers) != 0 || len(p.Queue) != 0 {
		return false, nil
	}
	rc, err := m.tables.RefCount(kpid)
	if err != nil {
		return false, err
	}
	return rc == 0, nil
}

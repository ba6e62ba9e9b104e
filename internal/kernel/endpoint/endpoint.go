// Endpoint ties one vat or remote's Transport to RefTables/Queue/
// PromiseMachine: it translates a run-queue item's KRefs into the
// endpoint's VRef space for delivery, then walks the syscalls the
// endpoint issues back, translating VRef to KRef and applying each to the
// kernel's tables (spec §4.6). Any syscall that fails translation, fails
// a decider check, or retires a still-reachable ref marks the endpoint
// compromised per the illegal-syscall rule.
package endpoint

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/gcactions"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

// Endpoint is the live binding between a vat/remote and its kernel-side
// tables.
type Endpoint struct {
	ID        refs.EndpointId
	transport Transport
	tables    *reftables.Tables
	queue     *queue.Queue
	promises  *promise.Machine

	// limiter throttles inbound syscalls per endpoint (spec §5:
	// "real deployments cap per-vat fan-in externally").
	limiter *rate.Limiter

	log vlog.Logger
}

func New(id refs.EndpointId, transport Transport, tables *reftables.Tables, q *queue.Queue, promises *promise.Machine) *Endpoint {
	return &Endpoint{
		ID:        id,
		transport: transport,
		tables:    tables,
		queue:     q,
		promises:  promises,
		limiter:   rate.NewLimiter(rate.Limit(500), 1000),
		log:       vlog.Root().New("component", "endpoint", "endpointID", string(id)),
	}
}

// DeliveryOutcome is what CrankLoop needs after a full delivery round:
// the raw CrankOutcome plus whether the endpoint's own syscalls compromised
// it (in which case CrankLoop must terminate it regardless of the
// transport-reported outcome).
type DeliveryOutcome struct {
	CrankOutcome
	Compromised bool
	Cause       error
}

// Deliver translates item into the endpoint's VRef space, performs the
// wire round-trip, and applies every syscall the endpoint issued in
// response before returning.
func (e *Endpoint) Deliver(ctx context.Context, correlationID string, item msg.Item) (DeliveryOutcome, error) {
	d, err := e.translateDelivery(item)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	outcome, syscalls, err := e.transport.Deliver(ctx, correlationID, d)
	if err != nil {
		return DeliveryOutcome{CrankOutcome: outcome, Compromised: false, Cause: err}, nil
	}
	for _, sc := range syscalls {
		if err := e.applySyscall(sc); err != nil {
			e.log.Warn("illegal syscall, compromising endpoint", "kind", sc.Kind, "err", err)
			return DeliveryOutcome{CrankOutcome: outcome, Compromised: true, Cause: err}, nil
		}
	}
	return DeliveryOutcome{CrankOutcome: outcome}, nil
}

// translateDelivery renders a run-queue Item (KRef space) as a Delivery
// (VRef space), allocating fresh import-direction c-list entries for any
// KRef the endpoint has not seen before.
func (e *Endpoint) translateDelivery(item msg.Item) (Delivery, error) {
	switch item.Kind {
	case msg.KindSend:
		vtarget, err := e.tables.TranslateKtoE(e.ID, item.Target, true)
		if err != nil {
			return Delivery{}, err
		}
		methargs, err := e.translateOutboundCapData(item.Message.Methargs)
		if err != nil {
			return Delivery{}, err
		}
		d := Delivery{Kind: DeliverMessage, Target: refs.VRef(vtarget), Methargs: methargs}
		if item.Message.HasResult {
			vresult, err := e.tables.TranslateKtoE(e.ID, item.Message.Result, true)
			if err != nil {
				return Delivery{}, err
			}
			d.Result = refs.VRef(vresult)
			d.HasResult = true
			// Decider authority transfers to the endpoint actually receiving
			// the delivery, since it is the one that will eventually resolve
			// the result promise; the sender only holds it from allocation
			// up to this handoff.
			if err := e.promises.SetDecider(item.Message.Result, e.ID); err != nil {
				return Delivery{}, err
			}
		}
		return d, nil
	case msg.KindNotify:
		return e.translateNotify(item)
	case msg.KindGCAction:
		vrefs := make([]refs.VRef, 0, len(item.Refs))
		for _, kref := range item.Refs {
			local, err := e.tables.TranslateKtoE(e.ID, kref, item.GCKind != msg.GCAbandon)
			if err != nil {
				return Delivery{}, err
			}
			vrefs = append(vrefs, refs.VRef(local))
		}
		kind := map[msg.GCKind]DeliveryKind{
			msg.GCDrop:         DeliverDropExports,
			msg.GCRetire:       DeliverRetireExports,
			msg.GCRetireImport: DeliverRetireImports,
			msg.GCAbandon:      DeliverDropExports,
		}[item.GCKind]
		return Delivery{Kind: kind, VRefs: vrefs}, nil
	case msg.KindReapAction:
		return Delivery{Kind: DeliverBringOutYourDead}, nil
	default:
		return Delivery{}, kerr.New(kerr.DeliveryError, "unknown item kind for delivery")
	}
}

func (e *Endpoint) translateNotify(item msg.Item) (Delivery, error) {
	p, ok, err := e.tables.GetPromise(item.Kpid)
	if err != nil {
		return Delivery{}, err
	}
	if !ok {
		return Delivery{}, kerr.New(kerr.VatNotFound, "notify: no such promise "+string(item.Kpid))
	}
	local, err := e.tables.TranslateKtoE(e.ID, item.Kpid, true)
	if err != nil {
		return Delivery{}, err
	}
	data, err := e.translateOutboundCapData(p.Data)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		Kind: DeliverNotify,
		Resolutions: []Resolution{{
			Kpid:     refs.VRef(local),
			Rejected: p.IsRejection,
			Data:     data,
		}},
	}, nil
}

func (e *Endpoint) translateOutboundCapData(c capdata.CapData) (capdata.CapData, error) {
	out := capdata.CapData{Body: c.Body}
	if c.Slots == nil {
		return out, nil
	}
	out.Slots = make([]refs.KRef, len(c.Slots))
	for i, slot := range c.Slots {
		local, err := e.tables.TranslateKtoE(e.ID, slot, true)
		if err != nil {
			return capdata.CapData{}, err
		}
		out.Slots[i] = refs.KRef(local) // wire-encoded as the endpoint's local ref string
	}
	return out, nil
}

func (e *Endpoint) translateInboundCapData(c capdata.CapData) (capdata.CapData, error) {
	out := capdata.CapData{Body: c.Body}
	if c.Slots == nil {
		return out, nil
	}
	out.Slots = make([]refs.KRef, len(c.Slots))
	for i, slot := range c.Slots {
		// Inbound slots only ever arrive as part of a send's methargs or a
		// resolve's data (spec §4.2: allocate-on-first-sight applies to
		// send/resolve), so a freshly-exported capability embedded here
		// mints its kernel record rather than failing as UnmappedRef.
		kref, err := e.tables.TranslateEtoK(e.ID, string(slot), true)
		if err != nil {
			return capdata.CapData{}, err
		}
		out.Slots[i] = kref
	}
	return out, nil
}

// applySyscall translates and applies one endpoint-issued syscall. Most
// errors returned here are illegal-syscall kinds (spec §4.6):
// translateEtoK failures are UnmappedRef, decider mismatches are
// NotDecider, and retiring a still-reachable ref is StillReachable. A
// rate-limiter failure or an unknown syscall kind returns DeliveryError,
// and a missing promise returns VatNotFound; Deliver compromises the
// endpoint on any error regardless of kind.
func (e *Endpoint) applySyscall(sc Syscall) error {
	if err := e.limiter.Wait(context.Background()); err != nil {
		return kerr.Wrap(kerr.DeliveryError, err, "syscall rate limiter")
	}
	switch sc.Kind {
	case SyscallSend:
		return e.applySend(sc)
	case SyscallSubscribe:
		// subscribe targets a promise the endpoint must already hold a
		// reference to (received at a prior delivery or mint via its own
		// send/resolve) — a strict lookup, not an allocation site.
		kpid, err := e.tables.TranslateEtoK(e.ID, string(sc.Kpid), false)
		if err != nil {
			return err
		}
		return e.promises.Subscribe(e.ID, kpid)
	case SyscallResolve:
		return e.applyResolve(sc)
	case SyscallExit:
		// exit is surfaced to the caller via CrankOutcome.Terminate, not
		// applied here; CrankLoop reads it straight off the transport
		// reply. Nothing to translate.
		return nil
	case SyscallDropImports:
		return e.forEachVRef(sc.VRefs, e.applyDropImport)
	case SyscallRetireImports, SyscallRetireExports, SyscallAbandonExports:
		return e.applyRetire(sc)
	default:
		return kerr.New(kerr.DeliveryError, "unknown syscall kind")
	}
}

func (e *Endpoint) applySend(sc Syscall) error {
	// spec §4.2: translateSyscallVtoK allocates on first sight for sends,
	// so both the target and the result promise may be a vref the kernel
	// has never bound before (a freshly-minted local promise the vat is
	// immediately sending to, or the result promise it just minted for
	// this very send).
	target, err := e.tables.TranslateEtoK(e.ID, string(sc.Target), true)
	if err != nil {
		return err
	}
	body, err := e.translateInboundCapData(sc.Methargs)
	if err != nil {
		return err
	}
	m := msg.Message{Methargs: body}
	if sc.HasResult {
		result, err := e.tables.TranslateEtoK(e.ID, string(sc.Result), true)
		if err != nil {
			return err
		}
		m.Result = result
		m.HasResult = true
		// The sender is the initial decider (spec §3); authority transfers
		// to the receiving endpoint when the message is actually delivered
		// (translateDelivery's handoff), not at send time.
		if err := e.promises.SetDecider(result, e.ID); err != nil {
			return err
		}
	}

	targetPromise, ok, err := e.tables.GetPromise(target)
	if err != nil {
		return err
	}
	if ok && targetPromise.State == reftables.Unresolved {
		return e.promises.EnqueueToPromise(target, e.ID, target, body, m.Result, m.HasResult)
	}
	return e.queue.Enqueue(msg.Send(target, m))
}

func (e *Endpoint) applyResolve(sc Syscall) error {
	// spec §4.2 groups resolve with send for allocate-on-first-sight: the
	// promise being resolved is ordinarily already bound (the decider got
	// it from a prior delivery), but a fresh export embedded as the kpid
	// itself is treated the same as one embedded in the resolution data.
	for _, r := range sc.Resolutions {
		kpid, err := e.tables.TranslateEtoK(e.ID, string(r.Kpid), true)
		if err != nil {
			return err
		}
		data, err := e.translateInboundCapData(r.Data)
		if err != nil {
			return err
		}
		if err := e.promises.Resolve(e.ID, kpid, r.Rejected, data); err != nil {
			return err
		}
	}
	return nil
}

// applyDropImport implements spec §4.3 rule 1: clearing the last
// reachable bit on an object that is still recognizable tells the
// owner to drop its export.
func (e *Endpoint) applyDropImport(kref refs.KRef) error {
	wasReachable, err := e.tables.GetReachable(e.ID, kref)
	if err != nil || !wasReachable {
		return err
	}
	if err := e.tables.ClearReachable(e.ID, kref); err != nil {
		return err
	}
	if !kref.IsObject() {
		return nil
	}
	o, ok, err := e.tables.GetObject(kref)
	if err != nil || !ok {
		return err
	}
	if o.Reachable == 0 && o.Recognizable > 0 && !o.Pinned {
		return e.queue.ImmediateEnqueue(gcactions.OnReachableZero(o.Owner, kref))
	}
	return nil
}

// applyRetire handles retireImports/retireExports/abandonExports: every
// case removes the endpoint's c-list entry for each vref, but only
// retireImports/retireExports require the ref to already be
// non-reachable — abandonExports (issued only as a consequence of vat
// termination, never directly by a well-behaved vat) skips that check.
// When a forgotten kref's recognizable count hits zero, spec §4.3 rule 2
// fires: the owner is told to retire its export and every other importer
// is told to retire its import.
func (e *Endpoint) applyRetire(sc Syscall) error {
	requireUnreachable := sc.Kind != SyscallAbandonExports
	return e.forEachVRef(sc.VRefs, func(kref refs.KRef) error {
		if requireUnreachable {
			reachable, err := e.tables.GetReachable(e.ID, kref)
			if err != nil {
				return err
			}
			if reachable {
				return kerr.New(kerr.StillReachable, "retire of still-reachable ref "+string(kref))
			}
		}
		owner, hasOwner, err := e.ownerOf(kref)
		if err != nil {
			return err
		}
		recognizableZero, otherImporters, err := e.tables.ForgetKref(e.ID, kref)
		if err != nil {
			return err
		}
		if recognizableZero && hasOwner {
			// If this endpoint is itself the owner retiring its own export,
			// it already knows; only the other importers need telling.
			items := gcactions.OnRecognizableZero(owner, kref, otherImporters)
			for _, item := range items {
				if item.GCKind == msg.GCRetire && owner == e.ID {
					continue
				}
				if err := e.queue.ImmediateEnqueue(item); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Endpoint) ownerOf(kref refs.KRef) (refs.EndpointId, bool, error) {
	if !kref.IsObject() {
		return "", false, nil
	}
	o, ok, err := e.tables.GetObject(kref)
	if err != nil || !ok {
		return "", false, err
	}
	return o.Owner, true, nil
}

// forEachVRef backs dropImports/retireImports/retireExports/
// abandonExports: spec §4.2 refuses allocation for all four, so any
// vref the kernel has not already bound is an illegal syscall.
func (e *Endpoint) forEachVRef(vrefs []refs.VRef, fn func(refs.KRef) error) error {
	for _, v := range vrefs {
		kref, err := e.tables.TranslateEtoK(e.ID, string(v), false)
		if err != nil {
			return err
		}
		if err := fn(kref); err != nil {
			return err
		}
	}
	return nil
}

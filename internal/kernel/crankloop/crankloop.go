// Package crankloop is the kernel scheduler: the single task that
// dequeues one run-queue item at a time, brackets it in a crank
// savepoint, delivers it to its owning endpoint, and commits or rolls
// back before processing any GCActions the crank produced (spec §4.7).
//
// The select-on-wake shape follows the teacher's mining scheduler
// (miner/worker.go's newWorkLoop): one goroutine blocking on a small set
// of channels rather than a busy poll.
package crankloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/endpoint"
	"github.com/ocapkernel/vatkernel/internal/kernel/gcactions"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/metrics"
	"github.com/ocapkernel/vatkernel/internal/store"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "crankloop")

// Registry resolves an EndpointId to its live Endpoint, and reports
// whether an endpoint is terminated/compromised (spec §4.7's "target
// owned by a terminated/compromised endpoint" check). Lifecycle owns the
// concrete implementation; CrankLoop only consumes it.
type Registry interface {
	Lookup(id refs.EndpointId) (*endpoint.Endpoint, bool)
	IsTerminated(id refs.EndpointId) bool
	// ScheduleTermination is called instead of terminating inline, to
	// avoid reentrancy into a crank that hasn't committed yet (spec §4.7:
	// "deferred to after endCrank").
	ScheduleTermination(id refs.EndpointId, reject bool, info capdata.CapData)
}

// terminationReason renders the CapData rejection reason threaded into
// every promise a terminated vat decides (spec §8 scenario 4: "Vat v<A>
// terminated due to prior syscall error"). When cause is one of the
// illegal-syscall kinds (spec §4.6), the message names the trigger kind
// so the reason is reproducible and testable per-trigger (SPEC_FULL.md
// §12's vat compromise taxonomy) rather than a single generic string.
func terminationReason(owner refs.EndpointId, cause error) capdata.CapData {
	var message string
	var kerrErr *kerr.Error
	switch {
	case cause == nil:
		message = fmt.Sprintf("Vat %s terminated", owner)
	case errors.As(cause, &kerrErr) && kerr.IsIllegalSyscall(kerrErr.Kind):
		message = fmt.Sprintf("Vat %s terminated due to prior syscall error: %s", owner, kerrErr.Kind)
	default:
		message = fmt.Sprintf("Vat %s terminated: %s", owner, cause.Error())
	}
	body, _ := json.Marshal(message)
	return capdata.CapData{Body: string(body)}
}

func ownerOf(kref refs.KRef, tables *reftables.Tables) (refs.EndpointId, bool, error) {
	if kref.IsObject() {
		o, ok, err := tables.GetObject(kref)
		if err != nil || !ok {
			return "", false, err
		}
		return o.Owner, true, nil
	}
	p, ok, err := tables.GetPromise(kref)
	if err != nil || !ok {
		return "", false, err
	}
	if !p.HasDecider {
		return refs.Kernel, true, nil
	}
	return p.Decider, true, nil
}

// Drainer is implemented by a Registry that defers terminations raised
// mid-crank (spec §4.7: "deferred to after endCrank to avoid
// reentrancy"). Loop calls it once per crank, outside any savepoint, so
// the termination runs its own crank(s) on a quiesced queue.
type Drainer interface {
	DrainScheduledTerminations(ctx context.Context)
}

// Loop is the scheduler task. One Loop per kernel process.
type Loop struct {
	st       *store.Store
	queue    *queue.Queue
	tables   *reftables.Tables
	promises *promise.Machine
	registry Registry
	counter  *metrics.CrankCounter
}

func New(st *store.Store, q *queue.Queue, tables *reftables.Tables, promises *promise.Machine, registry Registry) *Loop {
	return &Loop{st: st, queue: q, tables: tables, promises: promises, registry: registry}
}

// SetCounter attaches an optional throughput counter, sampled by
// internal/metrics's InfluxDB reporter; nil (the default) disables
// recording entirely.
func (l *Loop) SetCounter(c *metrics.CrankCounter) { l.counter = c }

func (l *Loop) recordCommit() {
	if l.counter != nil {
		l.counter.RecordCommit()
	}
}

func (l *Loop) recordAbort() {
	if l.counter != nil {
		l.counter.RecordAbort()
	}
}

// Run blocks, processing cranks until ctx is cancelled (spec §4.7's
// "forever" loop, plus the wait-until-non-empty suspension point of
// spec §5).
func (l *Loop) Run(ctx context.Context) error {
	for {
		n, err := l.queue.Length()
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.queue.Wake():
			}
			continue
		}
		if err := l.runOneCrank(ctx); err != nil {
			log.Error("crank failed", "err", err)
		}
		if drainer, ok := l.registry.(Drainer); ok {
			drainer.DrainScheduledTerminations(ctx)
		}
	}
}

// Step runs exactly one crank, returning nil if the queue was empty.
// Exported for tests and tools that want to drive the loop deterministically
// one crank at a time rather than via Run's blocking wake/select loop.
func (l *Loop) Step(ctx context.Context) error {
	return l.runOneCrank(ctx)
}

// runOneCrank implements the body of spec §4.7's pseudocode exactly once.
func (l *Loop) runOneCrank(ctx context.Context) error {
	if err := l.st.StartCrank(); err != nil {
		return err
	}
	if err := l.st.CreateSavepoint("start"); err != nil {
		_ = l.st.EndCrank()
		return err
	}
	l.tables.ResetCache()

	item, err := l.queue.Dequeue()
	if err != nil {
		_ = l.st.EndCrank()
		return err
	}
	if item == nil {
		return l.st.EndCrank()
	}

	if item.Kind == msg.KindGCAction || item.Kind == msg.KindReapAction {
		gcOwner, compromised, reason, derr := l.deliverGCOrReap(ctx, *item)
		if derr != nil {
			log.Warn("gc/reap delivery failed", "err", derr)
		}
		if err := l.st.EndCrank(); err != nil {
			return err
		}
		if compromised {
			// Deferred to after EndCrank for the same reentrancy reason as
			// the Send/Notify path below (spec §4.7).
			l.registry.ScheduleTermination(gcOwner, true, reason)
		}
		return nil
	}

	owner, ok, err := l.ownerForItem(*item)
	if err != nil {
		_ = l.st.EndCrank()
		return err
	}
	if ok && l.registry.IsTerminated(owner) {
		if item.Kind == msg.KindSend && item.Message.HasResult {
			reason := capdata.CapData{Body: `"vat terminated"`}
			if rerr := l.promises.Resolve(refs.Kernel, item.Message.Result, true, reason); rerr != nil {
				log.Warn("failed to reject message to terminated endpoint", "err", rerr)
			}
		}
		return l.st.EndCrank()
	}

	if item.Kind == msg.KindSend && item.Target.IsObject() {
		revoked, rerr := l.tables.IsRevoked(item.Target)
		if rerr != nil {
			_ = l.st.EndCrank()
			return rerr
		}
		if revoked {
			if item.Message.HasResult {
				reason := capdata.CapData{Body: `"Revoked"`}
				if err := l.promises.Resolve(refs.Kernel, item.Message.Result, true, reason); err != nil {
					log.Warn("failed to reject message to revoked object", "err", err)
				}
			}
			return l.st.EndCrank()
		}
	}

	if item.Kind == msg.KindSend {
		target := item.Target
		p, ok, err := l.tables.GetPromise(target)
		if err != nil {
			_ = l.st.EndCrank()
			return err
		}
		if ok && p.State == reftables.Unresolved {
			if err := l.promises.EnqueueToPromise(target, refs.Kernel, target, item.Message.Methargs, item.Message.Result, item.Message.HasResult); err != nil {
				log.Warn("failed to park message on unresolved promise", "err", err)
			}
			return l.st.EndCrank()
		}
	}

	if err := l.st.CreateSavepoint("deliver"); err != nil {
		_ = l.st.EndCrank()
		return err
	}

	ep, found := l.registry.Lookup(owner)
	if !found {
		_ = l.st.RollbackTo("start")
		return l.st.EndCrank()
	}

	outcome, derr := ep.Deliver(ctx, uuid.NewString(), *item)

	var scheduleTerm func()
	aborted := derr != nil || outcome.Compromised || outcome.Abort
	switch {
	case aborted:
		rollbackTarget := "start"
		if outcome.ConsumeMessage {
			rollbackTarget = "deliver"
		}
		if err := l.st.RollbackTo(rollbackTarget); err != nil {
			return err
		}
		cause := outcome.Cause
		if cause == nil {
			cause = derr
		}
		reason := terminationReason(owner, cause)
		scheduleTerm = func() { l.registry.ScheduleTermination(owner, true, reason) }
	case outcome.HasTerminate:
		term := outcome.Terminate
		scheduleTerm = func() { l.registry.ScheduleTermination(owner, term.Reject, term.Info) }
	}

	if !aborted {
		for k, v := range outcome.VatstoreSets {
			if err := l.st.Set("vatstore."+string(owner)+"."+k, []byte(v)); err != nil {
				_ = l.st.EndCrank()
				return err
			}
		}
		for _, k := range outcome.VatstoreDeletes {
			if err := l.st.Delete("vatstore." + string(owner) + "." + k); err != nil {
				_ = l.st.EndCrank()
				return err
			}
		}
	}

	if err := l.st.EndCrank(); err != nil {
		return err
	}
	if aborted {
		l.recordAbort()
	} else {
		l.recordCommit()
	}
	if scheduleTerm != nil {
		scheduleTerm()
	}
	return nil
}

func (l *Loop) ownerForItem(item msg.Item) (refs.EndpointId, bool, error) {
	switch item.Kind {
	case msg.KindSend:
		return ownerOf(item.Target, l.tables)
	case msg.KindNotify:
		return item.Endpoint, true, nil
	default:
		return "", false, nil
	}
}

// deliverGCOrReap delivers a GCAction/ReapAction item and reports
// whether the endpoint's own syscalls compromised it in response, along
// with the rejection reason to thread into ScheduleTermination — the
// same illegal-syscall handling the Send/Notify path in runOneCrank
// applies, since bringOutYourDead and drop/retire/abandon deliveries can
// provoke illegal syscalls (e.g. a stray retireImports) just as a
// message delivery can.
func (l *Loop) deliverGCOrReap(ctx context.Context, item msg.Item) (refs.EndpointId, bool, capdata.CapData, error) {
	var owner refs.EndpointId
	switch item.Kind {
	case msg.KindGCAction:
		owner = item.Endpoint
	case msg.KindReapAction:
		owner = item.Vat
	}
	ep, found := l.registry.Lookup(owner)
	if !found {
		return owner, false, capdata.CapData{}, nil
	}
	outcome, err := ep.Deliver(ctx, uuid.NewString(), item)
	if err != nil {
		return owner, false, capdata.CapData{}, err
	}
	if outcome.Compromised {
		return owner, true, terminationReason(owner, outcome.Cause), nil
	}
	return owner, false, capdata.CapData{}, nil
}

// EnqueueGCActions orders a batch of GC actions derived from a crank's
// refcount transitions and enqueues them, each self-bracketing its own
// crank since this runs after the originating crank has already
// committed (spec §4.7: "process GCActions derived from this crank's
// refcount changes").
func EnqueueGCActions(q *queue.Queue, items []msg.Item) error {
	for _, it := range gcactions.Order(items) {
		if err := q.ImmediateEnqueue(it); err != nil {
			return err
		}
	}
	return nil
}

// Package lifecycle implements vat/remote/subcluster birth, termination,
// and restart-time resurrection from persisted state (spec §4.8).
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/endpoint"
	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/store"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "lifecycle")

// VatConfig is a vat's launch configuration, persisted at
// "vat.<vatId>.config" so a restart can relaunch it without operator
// intervention.
type VatConfig struct {
	WorkerCommand []string          `json:"workerCommand"`
	MemoryBudget  uint64            `json:"memoryBudget"`
	InitialKV     map[string]string `json:"initialKV"`
}

// VatRecord is the persisted, restart-surviving record of one vat.
type VatRecord struct {
	ID          refs.EndpointId `json:"id"`
	Config      VatConfig       `json:"config"`
	RootKRef    refs.KRef       `json:"rootKRef"`
	Terminated  bool            `json:"terminated"`
	MarkDeleted bool            `json:"markDeleted"`
}

func vatRecordKey(id refs.EndpointId) string { return "vat." + string(id) + ".config" }

// WorkerFactory starts the OS-level worker process for a vat and returns
// a Transport bound to its stream (spec §1's "platform service": worker
// start/stop/liveness are not core kernel logic). The core consumes the
// Transport this factory produces; it does not call Alive.
type WorkerFactory interface {
	Start(ctx context.Context, id refs.EndpointId, cfg VatConfig) (endpoint.Transport, error)
	Stop(ctx context.Context, id refs.EndpointId) error
	// Alive reports whether the worker process backing id is still
	// running (polled via gopsutil by the concrete implementation).
	Alive(id refs.EndpointId) bool
}

// Lifecycle owns vat/subcluster birth and death and implements
// crankloop.Registry so the scheduler can look up live endpoints without
// depending on this package's concrete types.
type Lifecycle struct {
	mu sync.Mutex

	st       *store.Store
	tables   *reftables.Tables
	queue    *queue.Queue
	promises *promise.Machine
	workers  WorkerFactory

	endpoints    map[refs.EndpointId]*endpoint.Endpoint
	terminated   map[refs.EndpointId]bool
	subclusters  map[string][]refs.EndpointId
	pendingTerms []pendingTermination
}

type pendingTermination struct {
	id     refs.EndpointId
	reject bool
	info   capdata.CapData
}

func New(st *store.Store, tables *reftables.Tables, q *queue.Queue, promises *promise.Machine, workers WorkerFactory) *Lifecycle {
	return &Lifecycle{
		st:          st,
		tables:      tables,
		queue:       q,
		promises:    promises,
		workers:     workers,
		endpoints:   make(map[refs.EndpointId]*endpoint.Endpoint),
		terminated:  make(map[refs.EndpointId]bool),
		subclusters: make(map[string][]refs.EndpointId),
	}
}

// --- crankloop.Registry ---

func (l *Lifecycle) Lookup(id refs.EndpointId) (*endpoint.Endpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.endpoints[id]
	return ep, ok
}

func (l *Lifecycle) IsTerminated(id refs.EndpointId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated[id]
}

// ListVatIDs returns every currently live vat id, for adminapi's
// read-only vat listing.
func (l *Lifecycle) ListVatIDs() []refs.EndpointId {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]refs.EndpointId, 0, len(l.endpoints))
	for id := range l.endpoints {
		out = append(out, id)
	}
	return out
}

// ScheduleTermination queues a termination to run after the calling
// crank has committed, avoiding reentrancy into crank state mid-flight
// (spec §4.7: "deferred to after endCrank to avoid reentrancy").
func (l *Lifecycle) ScheduleTermination(id refs.EndpointId, reject bool, info capdata.CapData) {
	l.mu.Lock()
	l.pendingTerms = append(l.pendingTerms, pendingTermination{id: id, reject: reject, info: info})
	l.mu.Unlock()
}

// DrainScheduledTerminations runs every termination queued via
// ScheduleTermination since the last drain. CrankLoop calls this once
// per crank, after EndCrank.
func (l *Lifecycle) DrainScheduledTerminations(ctx context.Context) {
	l.mu.Lock()
	pending := l.pendingTerms
	l.pendingTerms = nil
	l.mu.Unlock()
	for _, p := range pending {
		if err := l.TerminateVat(ctx, p.id, p.info); err != nil {
			log.Error("deferred vat termination failed", "vat", p.id, "err", err)
		}
	}
}

// --- vat birth/death ---

// LaunchVat mints the root object for the caller-supplied vat id, starts
// its worker, and persists its record. Returns the root object's KRef.
// It does not allocate vat ids and does not check that id is unused.
func (l *Lifecycle) LaunchVat(ctx context.Context, id refs.EndpointId, cfg VatConfig) (refs.KRef, error) {
	root, err := l.tables.CreateObject(id)
	if err != nil {
		return "", err
	}

	transport, err := l.workers.Start(ctx, id, cfg)
	if err != nil {
		return "", kerr.Wrap(kerr.DeliveryError, err, "start vat worker")
	}

	ep := endpoint.New(id, transport, l.tables, l.queue, l.promises)

	rec := VatRecord{ID: id, Config: cfg, RootKRef: root}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := l.st.Set(vatRecordKey(id), raw); err != nil {
		return "", err
	}

	for _, kv := range flattenInitialKV(cfg.InitialKV) {
		if err := l.st.Set("vatstore."+string(id)+"."+kv[0], []byte(kv[1])); err != nil {
			return "", err
		}
	}

	l.mu.Lock()
	l.endpoints[id] = ep
	l.mu.Unlock()

	log.Info("vat launched", "vat", id, "root", root)
	return root, nil
}

func flattenInitialKV(m map[string]string) [][2]string {
	out := make([][2]string, 0, len(m))
	for k, v := range m {
		out = append(out, [2]string{k, v})
	}
	return out
}

// TerminateVat implements spec §4.8's terminateVat: wait for crank
// quiescence, stop the worker, reject every promise the vat decides,
// remove its c-list, fan out retireImports to every endpoint still
// holding its exports, and mark the vat record for deletion.
func (l *Lifecycle) TerminateVat(ctx context.Context, id refs.EndpointId, reason capdata.CapData) error {
	l.st.WaitForCrank()

	if err := l.workers.Stop(ctx, id); err != nil {
		log.Warn("worker stop failed, proceeding with teardown", "vat", id, "err", err)
	}

	if err := l.st.StartCrank(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = l.st.EndCrank()
		}
	}()

	if err := l.rejectDecidedPromises(id, reason); err != nil {
		return err
	}

	exported, err := l.removeCListAndCollectExports(id)
	if err != nil {
		return err
	}

	for _, kref := range exported {
		importers, err := l.tables.Importers(kref)
		if err != nil {
			return err
		}
		for _, imp := range importers {
			if imp == id {
				continue
			}
			if err := l.queue.Enqueue(msg.GCAction(msg.GCRetireImport, imp, []refs.KRef{kref})); err != nil {
				return err
			}
		}
	}

	raw, ok, err := l.st.Get(vatRecordKey(id))
	if err != nil {
		return err
	}
	if ok {
		var rec VatRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Terminated = true
		rec.MarkDeleted = true
		raw2, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := l.st.Set(vatRecordKey(id), raw2); err != nil {
			return err
		}
	}

	if err := l.st.EndCrank(); err != nil {
		return err
	}
	committed = true

	l.mu.Lock()
	l.terminated[id] = true
	delete(l.endpoints, id)
	l.mu.Unlock()

	log.Info("vat terminated", "vat", id)
	return nil
}

func (l *Lifecycle) rejectDecidedPromises(id refs.EndpointId, reason capdata.CapData) error {
	rows, err := l.st.Enumerate("kp.")
	if err != nil {
		return err
	}
	for _, key := range rows {
		kref := refs.KRef(key[len("kp."):])
		p, ok, err := l.tables.GetPromise(kref)
		if err != nil || !ok {
			continue
		}
		if p.State != reftables.Unresolved || !p.HasDecider || p.Decider != id {
			continue
		}
		if err := l.promises.Resolve(refs.Kernel, kref, true, reason); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) removeCListAndCollectExports(id refs.EndpointId) ([]refs.KRef, error) {
	rows, err := l.st.Enumerate("clist." + string(id) + ".k.")
	if err != nil {
		return nil, err
	}
	prefix := "clist." + string(id) + ".k."
	var exported []refs.KRef
	for _, key := range rows {
		kref := refs.KRef(key[len(prefix):])
		o, ok, err := l.tables.GetObject(kref)
		if err == nil && ok && o.Owner == id {
			exported = append(exported, kref)
		}
		if _, _, err := l.tables.ForgetKref(id, kref); err != nil {
			return nil, err
		}
	}
	return exported, nil
}

// --- subclusters ---

// LaunchSubcluster starts every vat in the manifest concurrently, then
// sends the designated bootstrap vat a message carrying a map of the
// other members' root refs plus kernel-service refs.
func (l *Lifecycle) LaunchSubcluster(ctx context.Context, name string, manifest map[refs.EndpointId]VatConfig, bootstrapVat refs.EndpointId, kernelServices map[string]refs.KRef) error {
	roots := make(map[refs.EndpointId]refs.KRef)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, cfg := range manifest {
		id, cfg := id, cfg
		g.Go(func() error {
			root, err := l.LaunchVat(gctx, id, cfg)
			if err != nil {
				return fmt.Errorf("launch vat %s: %w", id, err)
			}
			mu.Lock()
			roots[id] = root
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	l.mu.Lock()
	members := make([]refs.EndpointId, 0, len(manifest))
	for id := range manifest {
		members = append(members, id)
	}
	l.subclusters[name] = members
	l.mu.Unlock()

	others := make(map[refs.EndpointId]refs.KRef, len(roots))
	for id, r := range roots {
		if id != bootstrapVat {
			others[id] = r
		}
	}
	bootstrapBody := map[string]interface{}{"vats": others, "services": kernelServices}
	raw, err := json.Marshal(bootstrapBody)
	if err != nil {
		return err
	}
	slots := make([]refs.KRef, 0, len(others)+len(kernelServices))
	for _, r := range others {
		slots = append(slots, r)
	}
	for _, r := range kernelServices {
		slots = append(slots, r)
	}
	return l.queue.ImmediateEnqueue(msg.Send(roots[bootstrapVat], msg.Message{
		Methargs: capdata.CapData{Body: string(raw), Slots: slots},
	}))
}

// TerminateSubcluster tears down every member vat one at a time, walking
// the recorded member list backwards (spec §4.8). That list is built from
// the manifest map and its members launch concurrently, so the teardown
// order does not follow launch order.
func (l *Lifecycle) TerminateSubcluster(ctx context.Context, name string, reason capdata.CapData) error {
	l.mu.Lock()
	members := append([]refs.EndpointId(nil), l.subclusters[name]...)
	delete(l.subclusters, name)
	l.mu.Unlock()
	if members == nil {
		return kerr.New(kerr.SubclusterNotFound, "no such subcluster "+name)
	}
	for i := len(members) - 1; i >= 0; i-- {
		if err := l.TerminateVat(ctx, members[i], reason); err != nil {
			return err
		}
	}
	return nil
}

// Restart re-opens the store (already done by the caller), enumerates
// vat records, and restarts each worker whose record is not marked
// terminated, rebuilding the in-memory endpoint table. No in-flight
// crank is resumed (spec §4.7): any prior crank either committed
// entirely or left no trace.
func (l *Lifecycle) Restart(ctx context.Context) error {
	keys, err := l.st.Enumerate("vat.")
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, ok, err := l.st.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec VatRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Terminated {
			l.mu.Lock()
			l.terminated[rec.ID] = true
			l.mu.Unlock()
			continue
		}
		transport, err := l.workers.Start(ctx, rec.ID, rec.Config)
		if err != nil {
			log.Error("failed to restart vat worker", "vat", rec.ID, "err", err)
			continue
		}
		ep := endpoint.New(rec.ID, transport, l.tables, l.queue, l.promises)
		l.mu.Lock()
		l.endpoints[rec.ID] = ep
		l.mu.Unlock()
		log.Info("vat resumed", "vat", rec.ID)
	}
	return nil
}

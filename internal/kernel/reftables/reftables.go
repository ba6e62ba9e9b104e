// Package reftables implements the kernel's per-endpoint c-lists and the
// kernel object/promise tables with their refcount maps (spec §4.2),
// grounded on the teacher's core/state package: KernelObject/KernelPromise
// play the role of stateObject (core/state/state_object.go), and table
// mutation is routed through the crank-scoped store the way StateDB routes
// every account mutation through a single trie-backed database handle.
//
// Every record is addressed with the persisted key prefixes of spec §6
// (ko., kp., clist., kv.) but stored as one JSON-encoded blob per record
// rather than one store key per scalar field — an implementation freedom
// spec §6 grants by calling the layout "abstract".
package reftables

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/store"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "reftables")

// PromiseState is the three-state lifecycle of spec §3.
type PromiseState int

const (
	Unresolved PromiseState = iota
	Fulfilled
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// KernelObject is the per-ko<N> record of spec §3.
type KernelObject struct {
	Owner        refs.EndpointId `json:"owner"`
	Reachable    uint64          `json:"reachable"`
	Recognizable uint64          `json:"recognizable"`
	Revoked      bool            `json:"revoked"`
	Pinned       bool            `json:"pinned"`
}

// QueuedMessage is a message parked on an unresolved promise, tagged with
// its original sender so a later non-forwarding resolution can notify them.
type QueuedMessage struct {
	Sender refs.EndpointId `json:"sender"`
	Target refs.KRef       `json:"target"`
	Body   capdata.CapData `json:"body"`
	Result refs.KRef       `json:"result,omitempty"`
}

// KernelPromise is the per-kp<N> record of spec §3.
type KernelPromise struct {
	State       PromiseState      `json:"state"`
	HasDecider  bool              `json:"hasDecider"`
	Decider     refs.EndpointId   `json:"decider,omitempty"`
	Subscribers []refs.EndpointId `json:"subscribers,omitempty"`
	Queue       []QueuedMessage   `json:"queue,omitempty"`
	Data        capdata.CapData   `json:"data,omitempty"`
	IsRejection bool              `json:"isRejection"`
}

// Tables is the persisted c-list / object-table / promise-table / refcount
// layer. All mutation flows through the crank-scoped store, so every write
// here is automatically part of the enclosing crank's atomic commit.
type Tables struct {
	st *store.Store

	// localCache memoizes decoded clist rows within a single crank; it is
	// invalidated wholesale at crank boundaries since the store itself is
	// the source of truth for visibility across savepoints.
	localCache *lru.Cache
}

func New(st *store.Store) *Tables {
	c, _ := lru.New(4096)
	return &Tables{st: st, localCache: c}
}

// ---- id allocation ----

func (t *Tables) nextId(counterKey string) (uint64, error) {
	raw, ok, err := t.st.Get(counterKey)
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		n = decodeUint64(raw)
	}
	if err := t.st.Set(counterKey, encodeUint64(n+1)); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeUint64(n uint64) []byte { return []byte(fmt.Sprintf("%d", n)) }
func decodeUint64(b []byte) uint64 {
	var n uint64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}

// ---- KernelObject ----

func objKey(kref refs.KRef) string { return "ko." + string(kref) }

func (t *Tables) GetObject(kref refs.KRef) (*KernelObject, bool, error) {
	raw, ok, err := t.st.Get(objKey(kref))
	if err != nil || !ok {
		return nil, false, err
	}
	var o KernelObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, false, err
	}
	return &o, true, nil
}

func (t *Tables) putObject(kref refs.KRef, o *KernelObject) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return t.st.Set(objKey(kref), raw)
}

// CreateObject mints a fresh ko<N> owned by owner with zero reachable and
// recognizable counts.
func (t *Tables) CreateObject(owner refs.EndpointId) (refs.KRef, error) {
	n, err := t.nextId("kv.nextObjectId")
	if err != nil {
		return "", err
	}
	kref := refs.Object(n)
	if err := t.putObject(kref, &KernelObject{Owner: owner}); err != nil {
		return "", err
	}
	return kref, nil
}

func (t *Tables) Revoke(kref refs.KRef) error {
	o, ok, err := t.GetObject(kref)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "revoke: no such object "+string(kref))
	}
	o.Revoked = true
	return t.putObject(kref, o)
}

func (t *Tables) IsRevoked(kref refs.KRef) (bool, error) {
	o, ok, err := t.GetObject(kref)
	if err != nil || !ok {
		return false, err
	}
	return o.Revoked, nil
}

func (t *Tables) Pin(kref refs.KRef) error {
	o, ok, err := t.GetObject(kref)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.VatNotFound, "pin: no such object "+string(kref))
	}
	o.Pinned = true
	return t.putObject(kref, o)
}

// ---- KernelPromise ----

func promKey(kref refs.KRef) string { return "kp." + string(kref) }

func (t *Tables) GetPromise(kref refs.KRef) (*KernelPromise, bool, error) {
	raw, ok, err := t.st.Get(promKey(kref))
	if err != nil || !ok {
		return nil, false, err
	}
	var p KernelPromise
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (t *Tables) PutPromise(kref refs.KRef, p *KernelPromise) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.st.Set(promKey(kref), raw)
}

func (t *Tables) DeletePromise(kref refs.KRef) error {
	return t.st.Delete(promKey(kref))
}

// AllocatePromise mints a fresh kp<N>: unresolved, no decider, empty
// subscribers, empty queue, refcount 0 (spec §4.5 allocate()).
func (t *Tables) AllocatePromise() (refs.KRef, error) {
	n, err := t.nextId("kv.nextPromiseId")
	if err != nil {
		return "", err
	}
	kref := refs.Promise(n)
	if err := t.PutPromise(kref, &KernelPromise{State: Unresolved}); err != nil {
		return "", err
	}
	return kref, nil
}

// ---- refcount ----

func rcKey(kref refs.KRef) string { return "kv.rc." + string(kref) }

// IncRefCount bumps the generic refcount of kref. tag is advisory, used
// only for diagnostic logging (spec §4.2).
func (t *Tables) IncRefCount(kref refs.KRef, tag string) (uint64, error) {
	raw, ok, err := t.st.Get(rcKey(kref))
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		n = decodeUint64(raw)
	}
	n++
	if err := t.st.Set(rcKey(kref), encodeUint64(n)); err != nil {
		return 0, err
	}
	log.Trace("refcount++", "kref", kref, "tag", tag, "count", n)
	return n, nil
}

// DecRefCount decrements the generic refcount of kref, floored at 0.
func (t *Tables) DecRefCount(kref refs.KRef, tag string) (uint64, error) {
	raw, ok, err := t.st.Get(rcKey(kref))
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		n = decodeUint64(raw)
	}
	if n > 0 {
		n--
	}
	if err := t.st.Set(rcKey(kref), encodeUint64(n)); err != nil {
		return 0, err
	}
	log.Trace("refcount--", "kref", kref, "tag", tag, "count", n)
	return n, nil
}

func (t *Tables) RefCount(kref refs.KRef) (uint64, error) {
	raw, ok, err := t.st.Get(rcKey(kref))
	if err != nil || !ok {
		return 0, err
	}
	return decodeUint64(raw), nil
}

// ---- c-list ----

func clistKtoEKey(endpoint refs.EndpointId, kref refs.KRef) string {
	return "clist." + string(endpoint) + ".k." + string(kref)
}
func clistEtoKKey(endpoint refs.EndpointId, localRef string) string {
	return "clist." + string(endpoint) + ".e." + localRef
}
func clistReachableKey(endpoint refs.EndpointId, kref refs.KRef) string {
	return "clist." + string(endpoint) + ".r." + string(kref)
}
func importersKey(kref refs.KRef) string { return "kv.importers." + string(kref) }

// ResetCache purges the per-crank c-list lookup cache; called at the start
// of every crank since a rollback can otherwise leave a stale hit behind.
func (t *Tables) ResetCache() { t.localCache.Purge() }

func cacheKey(endpoint refs.EndpointId, localRef string) string {
	return string(endpoint) + "\x00" + localRef
}

// TranslateEtoK implements spec §4.2's translateSyscallVtoK policy for a
// single embedded VRef: a pure lookup when allocateIfMissing is false
// (dropImports/retireImports/retireExports/abandonExports — any unknown
// ref there is an illegal syscall), but on a miss with allocateIfMissing
// true (send/resolve) it mints a fresh KRef and binds it, provided
// localRef is an export-direction ref (o+N/p+N): the vat is exporting a
// capability the kernel has never seen before, e.g. a freshly-minted
// result promise or a newly-exported object embedded in message slots.
// An import-direction ref (o-N/p-N) the kernel never handed out is
// always UnmappedRef regardless of allocateIfMissing — a vat cannot
// reference an import it was never given.
//
// Hot lookups are memoized in an LRU cache for the duration of one crank
// to avoid repeated store round-trips against the same c-list row during
// a busy delivery.
func (t *Tables) TranslateEtoK(endpoint refs.EndpointId, localRef string, allocateIfMissing bool) (refs.KRef, error) {
	ck := cacheKey(endpoint, localRef)
	if v, ok := t.localCache.Get(ck); ok {
		return v.(refs.KRef), nil
	}
	raw, ok, err := t.st.Get(clistEtoKKey(endpoint, localRef))
	if err != nil {
		return "", err
	}
	if ok {
		kref := refs.KRef(raw)
		t.localCache.Add(ck, kref)
		return kref, nil
	}
	if !allocateIfMissing {
		return "", kerr.New(kerr.UnmappedRef, fmt.Sprintf("endpoint %s has no mapping for %s", endpoint, localRef))
	}
	vref := refs.VRef(localRef)
	if !vref.IsExport() {
		return "", kerr.New(kerr.UnmappedRef, fmt.Sprintf("endpoint %s has no mapping for imported ref %s", endpoint, localRef))
	}
	kref, err := t.allocateFreshExport(endpoint, vref)
	if err != nil {
		return "", err
	}
	if err := t.BindCList(endpoint, kref, localRef, true); err != nil {
		return "", err
	}
	return kref, nil
}

// allocateFreshExport mints the kernel-side record for a vat's
// first-sight export: a new ko<N> if localRef names an object, a new
// kp<N> if it names a promise. The endpoint becomes the object's owner
// (spec §3: owner is whoever exports it); promises have no owner field
// of their own — decider authority is set separately by the caller.
func (t *Tables) allocateFreshExport(endpoint refs.EndpointId, vref refs.VRef) (refs.KRef, error) {
	if vref.IsObject() {
		return t.CreateObject(endpoint)
	}
	return t.AllocatePromise()
}

// TranslateKtoE looks up the endpoint's local ref for kref, allocating and
// binding a fresh import-direction local ref if missing and
// allocateIfMissing is set.
func (t *Tables) TranslateKtoE(endpoint refs.EndpointId, kref refs.KRef, allocateIfMissing bool) (string, error) {
	raw, ok, err := t.st.Get(clistKtoEKey(endpoint, kref))
	if err != nil {
		return "", err
	}
	if ok {
		return string(raw), nil
	}
	if !allocateIfMissing {
		return "", kerr.New(kerr.UnmappedRef, fmt.Sprintf("endpoint %s has no existing ref for %s", endpoint, kref))
	}
	localRef, err := t.allocateImportLocalRef(endpoint, kref)
	if err != nil {
		return "", err
	}
	if err := t.BindCList(endpoint, kref, localRef, true); err != nil {
		return "", err
	}
	return localRef, nil
}

func (t *Tables) allocateImportLocalRef(endpoint refs.EndpointId, kref refs.KRef) (string, error) {
	var kindPrefix, localPrefix string
	if kref.IsObject() {
		kindPrefix, localPrefix = "o", "o-"
	} else {
		kindPrefix, localPrefix = "p", "p-"
	}
	if endpoint.IsRemote() {
		localPrefix = "r" + localPrefix
	}
	n, err := t.nextId(fmt.Sprintf("kv.nextLocal.%s.%s", endpoint, kindPrefix))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", localPrefix, n), nil
}

// BindCList records both directions of a c-list entry, registers the
// endpoint in the object's importer set, and bumps recognizable for
// objects. reachable seeds the per-endpoint reachable bit.
func (t *Tables) BindCList(endpoint refs.EndpointId, kref refs.KRef, localRef string, reachable bool) error {
	if err := t.st.Set(clistKtoEKey(endpoint, kref), []byte(localRef)); err != nil {
		return err
	}
	if err := t.st.Set(clistEtoKKey(endpoint, localRef), []byte(kref)); err != nil {
		return err
	}
	t.localCache.Add(cacheKey(endpoint, localRef), kref)
	if err := t.addImporter(kref, endpoint); err != nil {
		return err
	}
	if kref.IsObject() {
		o, ok, err := t.GetObject(kref)
		if err != nil {
			return err
		}
		if ok {
			o.Recognizable++
			if reachable {
				o.Reachable++
			}
			if err := t.putObject(kref, o); err != nil {
				return err
			}
		}
	}
	if reachable {
		if err := t.st.Set(clistReachableKey(endpoint, kref), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tables) addImporter(kref refs.KRef, endpoint refs.EndpointId) error {
	set, err := t.loadImporters(kref)
	if err != nil {
		return err
	}
	set.Add(endpoint)
	return t.saveImporters(kref, set)
}

func (t *Tables) removeImporter(kref refs.KRef, endpoint refs.EndpointId) error {
	set, err := t.loadImporters(kref)
	if err != nil {
		return err
	}
	set.Remove(endpoint)
	return t.saveImporters(kref, set)
}

func (t *Tables) loadImporters(kref refs.KRef) (mapset.Set, error) {
	raw, ok, err := t.st.Get(importersKey(kref))
	if err != nil {
		return nil, err
	}
	set := mapset.NewThreadUnsafeSet()
	if ok {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, err
		}
		for _, id := range ids {
			set.Add(refs.EndpointId(id))
		}
	}
	return set, nil
}

func (t *Tables) saveImporters(kref refs.KRef, set mapset.Set) error {
	ids := make([]string, 0, set.Cardinality())
	for v := range set.Iter() {
		ids = append(ids, string(v.(refs.EndpointId)))
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return t.st.Set(importersKey(kref), raw)
}

// Importers returns every endpoint that currently holds a c-list entry
// for kref (used by lifecycle.TerminateVat to fan out retireImports).
func (t *Tables) Importers(kref refs.KRef) ([]refs.EndpointId, error) {
	set, err := t.loadImporters(kref)
	if err != nil {
		return nil, err
	}
	out := make([]refs.EndpointId, 0, set.Cardinality())
	for v := range set.Iter() {
		out = append(out, v.(refs.EndpointId))
	}
	return out, nil
}

// GetReachable reports whether endpoint's c-list entry for kref has its
// reachable bit set.
func (t *Tables) GetReachable(endpoint refs.EndpointId, kref refs.KRef) (bool, error) {
	_, ok, err := t.st.Get(clistReachableKey(endpoint, kref))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ClearReachable clears endpoint's reachable bit for kref (used by
// dropImports), decrementing the object's global reachable counter if the
// bit was set. The c-list entry itself (and recognizable count) survive.
func (t *Tables) ClearReachable(endpoint refs.EndpointId, kref refs.KRef) error {
	was, err := t.GetReachable(endpoint, kref)
	if err != nil {
		return err
	}
	if !was {
		return nil
	}
	if err := t.st.Delete(clistReachableKey(endpoint, kref)); err != nil {
		return err
	}
	if kref.IsObject() {
		o, ok, err := t.GetObject(kref)
		if err != nil {
			return err
		}
		if ok && o.Reachable > 0 {
			o.Reachable--
			if err := t.putObject(kref, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForgetKref removes both directions of endpoint's c-list entry for kref,
// decrementing recognizable. It reports whether recognizable hit zero, and
// if so the set of other endpoints that held an entry immediately before
// this removal (so GCActions can fan out retireImports to them — this
// endpoint already knows, having just retired its own entry).
func (t *Tables) ForgetKref(endpoint refs.EndpointId, kref refs.KRef) (recognizableZero bool, otherImporters []refs.EndpointId, err error) {
	raw, ok, err := t.st.Get(clistKtoEKey(endpoint, kref))
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	localRef := string(raw)

	before, err := t.Importers(kref)
	if err != nil {
		return false, nil, err
	}
	for _, e := range before {
		if e != endpoint {
			otherImporters = append(otherImporters, e)
		}
	}

	if err := t.ClearReachable(endpoint, kref); err != nil {
		return false, nil, err
	}
	if err := t.st.Delete(clistKtoEKey(endpoint, kref)); err != nil {
		return false, nil, err
	}
	if err := t.st.Delete(clistEtoKKey(endpoint, localRef)); err != nil {
		return false, nil, err
	}
	t.localCache.Remove(cacheKey(endpoint, localRef))
	if err := t.removeImporter(kref, endpoint); err != nil {
		return false, nil, err
	}

	if !kref.IsObject() {
		return false, nil, nil
	}
	o, ok, err := t.GetObject(kref)
	if err != nil || !ok {
		return false, nil, err
	}
	if o.Recognizable > 0 {
		o.Recognizable--
	}
	if err := t.putObject(kref, o); err != nil {
		return false, nil, err
	}
	return o.Recognizable == 0, otherImporters, nil
}

// Package gcactions derives drop/retire/abandon run-queue items from
// refcount transitions observed in reftables, and orders a batch of them
// per spec §4.3's ordering rule. It holds no state of its own: RefTables
// owns reachable/recognizable/importer bookkeeping and reports the
// transitions; this package only turns a transition into the matching
// delivery item(s).
package gcactions

import (
	"sort"

	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

// OnReachableZero implements rule 1: when an object's reachable count
// drops to zero while it is still recognizable, its owner is told to drop
// its export.
func OnReachableZero(owner refs.EndpointId, kref refs.KRef) msg.Item {
	return msg.GCAction(msg.GCDrop, owner, []refs.KRef{kref})
}

// OnRecognizableZero implements rule 2: the owner is told to retire its
// export, and every other endpoint that still held an entry (captured by
// the caller before the last ForgetKref) is told to retire its import.
func OnRecognizableZero(owner refs.EndpointId, kref refs.KRef, otherImporters []refs.EndpointId) []msg.Item {
	items := []msg.Item{msg.GCAction(msg.GCRetire, owner, []refs.KRef{kref})}
	for _, imp := range otherImporters {
		items = append(items, msg.GCAction(msg.GCRetireImport, imp, []refs.KRef{kref}))
	}
	return items
}

// OnVatTerminated implements rule 3: a vat terminated before retiring its
// exports is abandoned unconditionally (no reachability check), and every
// importer of each export is told to retire its import.
func OnVatTerminated(vatID refs.EndpointId, exported []refs.KRef, importersOf func(refs.KRef) []refs.EndpointId) []msg.Item {
	var items []msg.Item
	if len(exported) > 0 {
		items = append(items, msg.GCAction(msg.GCAbandon, vatID, append([]refs.KRef(nil), exported...)))
	}
	for _, kref := range exported {
		for _, imp := range importersOf(kref) {
			if imp == vatID {
				continue
			}
			items = append(items, msg.GCAction(msg.GCRetireImport, imp, []refs.KRef{kref}))
		}
	}
	return items
}

// gcRank orders drop < retire = retireImport < abandon, per kref, so that
// for any single object drop always precedes retire precedes abandon.
func gcRank(k msg.GCKind) int {
	switch k {
	case msg.GCDrop:
		return 0
	case msg.GCRetire, msg.GCRetireImport:
		return 1
	case msg.GCAbandon:
		return 2
	default:
		return 3
	}
}

// Order sorts a batch of GC actions so that, per distinct kref, drop
// precedes retire precedes abandon; actions for distinct krefs may be
// reordered freely, and ties are broken by KRef lexicographic order for
// reproducibility (spec §4.3 rule 4).
func Order(items []msg.Item) []msg.Item {
	out := append([]msg.Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := primaryKRef(out[i]), primaryKRef(out[j])
		if ki != kj {
			return ki < kj
		}
		return gcRank(out[i].GCKind) < gcRank(out[j].GCKind)
	})
	return out
}

func primaryKRef(item msg.Item) refs.KRef {
	if len(item.Refs) == 0 {
		return ""
	}
	return item.Refs[0]
}

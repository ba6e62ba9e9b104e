// Package msg defines the kernel's Message type and the run-queue item
// tagged union (spec §3), following the teacher's "dynamic dispatch over
// endpoints -> tagged variants" design note: rather than an interface with
// four implementations, Item is one struct whose Kind selects which
// fields are meaningful.
package msg

import (
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

// Message is sent to a KRef target. If Result is present it is always a
// fresh unresolved promise of which the sender is the initial decider.
type Message struct {
	Methargs  capdata.CapData `json:"methargs"`
	Result    refs.KRef       `json:"result,omitempty"`
	HasResult bool            `json:"hasResult"`
}

// ItemKind tags a run-queue Item.
type ItemKind int

const (
	KindSend ItemKind = iota
	KindNotify
	KindGCAction
	KindReapAction
)

func (k ItemKind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindNotify:
		return "notify"
	case KindGCAction:
		return "gcAction"
	case KindReapAction:
		return "reapAction"
	default:
		return "unknown"
	}
}

// GCKind distinguishes the four GC delivery shapes of spec §4.3.
type GCKind int

const (
	GCDrop GCKind = iota
	GCRetire
	GCRetireImport
	GCAbandon
)

func (k GCKind) String() string {
	switch k {
	case GCDrop:
		return "dropExports"
	case GCRetire:
		return "retireExports"
	case GCRetireImport:
		return "retireImports"
	case GCAbandon:
		return "abandonExports"
	default:
		return "unknown"
	}
}

// Item is one run-queue entry: Send{target,message} | Notify{endpoint,kpid}
// | GCAction{kind,endpoint,refs} | ReapAction{vat}.
type Item struct {
	Kind ItemKind `json:"kind"`

	// Send
	Target  refs.KRef `json:"target,omitempty"`
	Message Message   `json:"message,omitempty"`

	// Notify
	Endpoint refs.EndpointId `json:"endpoint,omitempty"`
	Kpid     refs.KRef       `json:"kpid,omitempty"`

	// GCAction
	GCKind GCKind      `json:"gcKind,omitempty"`
	Refs   []refs.KRef `json:"refs,omitempty"`

	// ReapAction
	Vat refs.EndpointId `json:"vat,omitempty"`
}

func Send(target refs.KRef, m Message) Item {
	return Item{Kind: KindSend, Target: target, Message: m}
}

func Notify(endpoint refs.EndpointId, kpid refs.KRef) Item {
	return Item{Kind: KindNotify, Endpoint: endpoint, Kpid: kpid}
}

func GCAction(kind GCKind, endpoint refs.EndpointId, rs []refs.KRef) Item {
	return Item{Kind: KindGCAction, GCKind: kind, Endpoint: endpoint, Refs: rs}
}

func ReapAction(vat refs.EndpointId) Item {
	return Item{Kind: KindReapAction, Vat: vat}
}

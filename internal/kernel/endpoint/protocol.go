// Package endpoint implements the kernel-to-vat delivery/syscall contract
// of spec §4.6: the tagged delivery directions sent to an endpoint, the
// CrankOutcome reply shape, and the syscalls an endpoint may issue back
// between a delivery and its reply.
package endpoint

import (
	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

// DeliveryKind tags the six delivery directions of spec §4.6.
type DeliveryKind int

const (
	DeliverMessage DeliveryKind = iota
	DeliverNotify
	DeliverDropExports
	DeliverRetireExports
	DeliverRetireImports
	DeliverBringOutYourDead
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliverMessage:
		return "message"
	case DeliverNotify:
		return "notify"
	case DeliverDropExports:
		return "dropExports"
	case DeliverRetireExports:
		return "retireExports"
	case DeliverRetireImports:
		return "retireImports"
	case DeliverBringOutYourDead:
		return "bringOutYourDead"
	default:
		return "unknown"
	}
}

// Resolution is one element of a notify delivery's resolutions list.
type Resolution struct {
	Kpid     refs.VRef       `json:"kpid"`
	Rejected bool            `json:"rejected"`
	Data     capdata.CapData `json:"data"`
}

// Delivery is a single kernel-to-endpoint delivery, expressed in the
// endpoint's own VRef space (translation from KRef space happens in
// Endpoint.Deliver before the wire call).
type Delivery struct {
	Kind DeliveryKind

	// message
	Target   refs.VRef `json:"target,omitempty"`
	Methargs capdata.CapData `json:"methargs,omitempty"`
	Result   refs.VRef `json:"result,omitempty"`
	HasResult bool `json:"hasResult,omitempty"`

	// notify
	Resolutions []Resolution `json:"resolutions,omitempty"`

	// dropExports / retireExports / retireImports
	VRefs []refs.VRef `json:"vrefs,omitempty"`
}

// Termination is the optional terminate request an endpoint's reply may
// carry: the vat asked to be torn down after this crank.
type Termination struct {
	VatID  refs.EndpointId
	Reject bool
	Info   capdata.CapData
}

// CrankOutcome is the endpoint's reply to one delivery (spec §4.6).
type CrankOutcome struct {
	Abort bool

	Terminate   *Termination
	HasTerminate bool

	// ConsumeMessage selects which savepoint a rollback returns to: true
	// rolls back to "deliver" (message dropped), false to "start"
	// (message re-queued). Only meaningful when Abort is set.
	ConsumeMessage bool

	DidDelivery refs.EndpointId

	// VatstoreSets/VatstoreDeletes are the vatstore diff the endpoint
	// reported on a successful (non-aborted) delivery; applied atomically
	// by the crank loop alongside its own store writes.
	VatstoreSets    map[string]string
	VatstoreDeletes []string
}

// SyscallKind tags the eight syscalls of spec §4.6.
type SyscallKind int

const (
	SyscallSend SyscallKind = iota
	SyscallSubscribe
	SyscallResolve
	SyscallExit
	SyscallDropImports
	SyscallRetireImports
	SyscallRetireExports
	SyscallAbandonExports
)

func (k SyscallKind) String() string {
	switch k {
	case SyscallSend:
		return "send"
	case SyscallSubscribe:
		return "subscribe"
	case SyscallResolve:
		return "resolve"
	case SyscallExit:
		return "exit"
	case SyscallDropImports:
		return "dropImports"
	case SyscallRetireImports:
		return "retireImports"
	case SyscallRetireExports:
		return "retireExports"
	case SyscallAbandonExports:
		return "abandonExports"
	default:
		return "unknown"
	}
}

// SyscallResolution is one element of a resolve syscall's resolutions list.
type SyscallResolution struct {
	Kpid     refs.VRef
	Rejected bool
	Data     capdata.CapData
}

// Syscall is one endpoint-to-kernel syscall issued between a delivery and
// its reply, or asynchronously outside a delivery window.
type Syscall struct {
	Kind SyscallKind

	// send
	Target    refs.VRef
	Methargs  capdata.CapData
	Result    refs.VRef
	HasResult bool

	// subscribe
	Kpid refs.VRef

	// resolve
	Resolutions []SyscallResolution

	// exit
	IsFailure bool
	Info      capdata.CapData

	// dropImports / retireImports / retireExports / abandonExports
	VRefs []refs.VRef
}

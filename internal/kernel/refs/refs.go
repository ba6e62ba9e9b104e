// Package refs defines the reference string types of the kernel's data
// model (spec §3): KRef (kernel-wide), VRef (vat-local), RRef
// (remote-kernel-local), and EndpointId.
package refs

import (
	"fmt"
	"strconv"
	"strings"
)

// KRef is a kernel-wide reference: "ko<N>" for an object, "kp<N>" for a
// promise. There are no device refs in this kernel.
type KRef string

// Kind of a KRef.
type Kind byte

const (
	KindUnknown Kind = iota
	KindObject
	KindPromise
)

func (k KRef) Kind() Kind {
	switch {
	case strings.HasPrefix(string(k), "ko"):
		return KindObject
	case strings.HasPrefix(string(k), "kp"):
		return KindPromise
	default:
		return KindUnknown
	}
}

func (k KRef) IsObject() bool  { return k.Kind() == KindObject }
func (k KRef) IsPromise() bool { return k.Kind() == KindPromise }

// Number returns the numeric suffix of the KRef.
func (k KRef) Number() (uint64, error) {
	s := string(k)
	if len(s) < 3 {
		return 0, fmt.Errorf("malformed kref %q", k)
	}
	return strconv.ParseUint(s[2:], 10, 64)
}

func Object(n uint64) KRef  { return KRef(fmt.Sprintf("ko%d", n)) }
func Promise(n uint64) KRef { return KRef(fmt.Sprintf("kp%d", n)) }

// VRef is a vat-local reference: o+N (exported by this vat), o-N
// (imported), p+N/p-N for promises.
type VRef string

func (v VRef) IsExport() bool {
	s := string(v)
	return strings.HasPrefix(s, "o+") || strings.HasPrefix(s, "p+")
}

func (v VRef) IsImport() bool {
	s := string(v)
	return strings.HasPrefix(s, "o-") || strings.HasPrefix(s, "p-")
}

func (v VRef) IsObject() bool { return strings.HasPrefix(string(v), "o") }
func (v VRef) IsPromise() bool { return strings.HasPrefix(string(v), "p") }

func (v VRef) Number() (uint64, error) {
	s := string(v)
	if len(s) < 3 {
		return 0, fmt.Errorf("malformed vref %q", v)
	}
	return strconv.ParseUint(s[2:], 10, 64)
}

func ExportedObject(n uint64) VRef  { return VRef(fmt.Sprintf("o+%d", n)) }
func ImportedObject(n uint64) VRef  { return VRef(fmt.Sprintf("o-%d", n)) }
func ExportedPromise(n uint64) VRef { return VRef(fmt.Sprintf("p+%d", n)) }
func ImportedPromise(n uint64) VRef { return VRef(fmt.Sprintf("p-%d", n)) }

// RRef is a remote-kernel-local reference, analogous to VRef:
// ro+N/ro-N/rp+N/rp-N.
type RRef string

func (r RRef) IsExport() bool {
	s := string(r)
	return strings.HasPrefix(s, "ro+") || strings.HasPrefix(s, "rp+")
}

func (r RRef) IsImport() bool {
	s := string(r)
	return strings.HasPrefix(s, "ro-") || strings.HasPrefix(s, "rp-")
}

// EndpointId is "v<N>" (vat), "r<N>" (remote), or the distinguished
// "kernel".
type EndpointId string

const Kernel EndpointId = "kernel"

func VatId(n uint64) EndpointId    { return EndpointId(fmt.Sprintf("v%d", n)) }
func RemoteId(n uint64) EndpointId { return EndpointId(fmt.Sprintf("r%d", n)) }

func (e EndpointId) IsVat() bool    { return strings.HasPrefix(string(e), "v") }
func (e EndpointId) IsRemote() bool { return strings.HasPrefix(string(e), "r") }
func (e EndpointId) IsKernel() bool { return e == Kernel }

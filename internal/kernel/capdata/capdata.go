// Package capdata is the kernel's capability-safe value encoding (spec §6):
// a JSON body the kernel never introspects, plus a slots list of KRefs the
// kernel translates across endpoint boundaries.
package capdata

import "github.com/ocapkernel/vatkernel/internal/kernel/refs"

// CapData carries an opaque serialized value (Body) and the capability
// references embedded within it (Slots). The kernel only ever walks
// Slots; Body is never parsed or validated here.
type CapData struct {
	Body  string     `json:"body"`
	Slots []refs.KRef `json:"slots"`
}

// MapSlots applies fn to every slot, returning a new CapData with the same Body.
// Used to translate slots between KRef and VRef/RRef space; the caller is
// responsible for choosing the right translation function per endpoint.
func (c CapData) MapSlots(fn func(refs.KRef) refs.KRef) CapData {
	out := CapData{Body: c.Body}
	if c.Slots != nil {
		out.Slots = make([]refs.KRef, len(c.Slots))
		for i, s := range c.Slots {
			out.Slots[i] = fn(s)
		}
	}
	return out
}

// SingleSlot returns the sole slot if Slots has exactly one entry; used by
// the promise machine to detect promise-pipeline forwarding (spec §4.5):
// a resolution whose data is a bare reference to a single KRef.
func (c CapData) SingleSlot() (refs.KRef, bool) {
	if len(c.Slots) == 1 {
		return c.Slots[0], true
	}
	return "", false
}

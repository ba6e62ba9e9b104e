package gcactions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kernel/msg"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

func TestOrderDropBeforeRetireBeforeAbandonPerKRef(t *testing.T) {
	ko1, ko2 := refs.Object(1), refs.Object(2)
	items := []msg.Item{
		msg.GCAction(msg.GCAbandon, refs.VatId(1), []refs.KRef{ko1}),
		msg.GCAction(msg.GCDrop, refs.VatId(2), []refs.KRef{ko2}),
		msg.GCAction(msg.GCDrop, refs.VatId(1), []refs.KRef{ko1}),
		msg.GCAction(msg.GCRetire, refs.VatId(1), []refs.KRef{ko1}),
	}
	ordered := Order(items)

	// All ko1 actions come before or after ko2's depending on lexicographic
	// order, but within ko1 the relative order is drop, retire, abandon.
	var ko1Kinds []msg.GCKind
	for _, it := range ordered {
		if it.Refs[0] == ko1 {
			ko1Kinds = append(ko1Kinds, it.GCKind)
		}
	}
	require.Equal(t, []msg.GCKind{msg.GCDrop, msg.GCRetire, msg.GCAbandon}, ko1Kinds)
}

func TestOnReachableZero(t *testing.T) {
	item := OnReachableZero(refs.VatId(2), refs.Object(9))
	require.Equal(t, msg.KindGCAction, item.Kind)
	require.Equal(t, msg.GCDrop, item.GCKind)
	require.Equal(t, refs.VatId(2), item.Endpoint)
}

func TestOnRecognizableZeroFansOutToOtherImporters(t *testing.T) {
	items := OnRecognizableZero(refs.VatId(2), refs.Object(9), []refs.EndpointId{refs.VatId(3), refs.VatId(4)})
	require.Len(t, items, 3)
	require.Equal(t, msg.GCRetire, items[0].GCKind)
	require.Equal(t, msg.GCRetireImport, items[1].GCKind)
	require.Equal(t, msg.GCRetireImport, items[2].GCKind)
}

func TestOnVatTerminatedAbandonsAndRetiresImports(t *testing.T) {
	ko1 := refs.Object(1)
	items := OnVatTerminated(refs.VatId(1), []refs.KRef{ko1}, func(k refs.KRef) []refs.EndpointId {
		return []refs.EndpointId{refs.VatId(2), refs.VatId(3)}
	})
	require.Equal(t, msg.GCAbandon, items[0].GCKind)
	require.Len(t, items, 3)
}

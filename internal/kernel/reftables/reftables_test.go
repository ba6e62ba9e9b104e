package reftables

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kerr"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/store"
)

func newTestTables(t *testing.T) (*Tables, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.StartCrank())
	return New(st), st
}

func TestCreateObjectAndTranslate(t *testing.T) {
	tb, st := newTestTables(t)

	owner := refs.VatId(2)
	kref, err := tb.CreateObject(owner)
	require.NoError(t, err)
	require.Equal(t, refs.Object(0), kref)

	importer := refs.VatId(1)
	localRef, err := tb.TranslateKtoE(importer, kref, true)
	require.NoError(t, err)
	require.Equal(t, "o-0", localRef)

	got, err := tb.TranslateEtoK(importer, localRef, false)
	require.NoError(t, err)
	require.Equal(t, kref, got)

	obj, ok, err := tb.GetObject(kref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), obj.Reachable)
	require.Equal(t, uint64(1), obj.Recognizable)

	require.NoError(t, st.EndCrank())
}

func TestTranslateEtoKUnmappedFails(t *testing.T) {
	tb, _ := newTestTables(t)
	_, err := tb.TranslateEtoK(refs.VatId(1), "o-99", false)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	require.Equal(t, kerr.UnmappedRef, kerrErr.Kind)
}

// TestTranslateEtoKUnmappedImportStillFailsWithAllocate exercises the
// "import-direction unmapped ref is always illegal" half of spec §4.2's
// translateSyscallVtoK: allocateIfMissing only covers first-sight
// exports, never imports the vat was never given.
func TestTranslateEtoKUnmappedImportStillFailsWithAllocate(t *testing.T) {
	tb, _ := newTestTables(t)
	_, err := tb.TranslateEtoK(refs.VatId(1), "o-99", true)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	require.Equal(t, kerr.UnmappedRef, kerrErr.Kind)
}

// TestTranslateEtoKAllocatesFreshExport covers spec §4.2's allocate-on-
// first-sight case for send/resolve: a vat's own freshly-minted export
// (e.g. an outbound send's result promise, or a newly-exported object
// embedded in message slots) mints a kernel record and binds the c-list
// the first time the kernel sees it.
func TestTranslateEtoKAllocatesFreshExport(t *testing.T) {
	tb, _ := newTestTables(t)
	vat := refs.VatId(1)

	kref, err := tb.TranslateEtoK(vat, "o+0", true)
	require.NoError(t, err)
	require.True(t, kref.IsObject())

	obj, ok, err := tb.GetObject(kref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vat, obj.Owner)

	// A second lookup of the same local ref returns the same kref rather
	// than minting again.
	again, err := tb.TranslateEtoK(vat, "o+0", true)
	require.NoError(t, err)
	require.Equal(t, kref, again)

	pkref, err := tb.TranslateEtoK(vat, "p+0", true)
	require.NoError(t, err)
	require.True(t, pkref.IsPromise())
}

func TestDropThenRetirePath(t *testing.T) {
	tb, _ := newTestTables(t)

	owner := refs.VatId(2)
	kref, err := tb.CreateObject(owner)
	require.NoError(t, err)

	importer := refs.VatId(1)
	_, err = tb.TranslateKtoE(importer, kref, true)
	require.NoError(t, err)

	obj, _, _ := tb.GetObject(kref)
	require.Equal(t, uint64(1), obj.Reachable)
	require.Equal(t, uint64(1), obj.Recognizable)

	require.NoError(t, tb.ClearReachable(importer, kref))
	obj, _, _ = tb.GetObject(kref)
	require.Equal(t, uint64(0), obj.Reachable)
	require.Equal(t, uint64(1), obj.Recognizable)

	zero, others, err := tb.ForgetKref(importer, kref)
	require.NoError(t, err)
	require.True(t, zero)
	require.Empty(t, others)

	obj, _, _ = tb.GetObject(kref)
	require.Equal(t, uint64(0), obj.Recognizable)

	importers, err := tb.Importers(kref)
	require.NoError(t, err)
	require.Empty(t, importers)
}

func TestRefCountRoundtrip(t *testing.T) {
	tb, _ := newTestTables(t)
	kref := refs.Promise(7)

	n, err := tb.IncRefCount(kref, "queue|target")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	n, err = tb.IncRefCount(kref, "clist")
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	n, err = tb.DecRefCount(kref, "queue|target")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	got, err := tb.RefCount(kref)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
}

package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/store"
)

type fakeVatLister struct{ ids []refs.EndpointId }

func (f fakeVatLister) ListVatIDs() []refs.EndpointId { return f.ids }

func TestQueueLengthEndpoint(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	tb := reftables.New(st)
	q := queue.New(st)

	srv := New(tb, q, fakeVatLister{ids: []refs.EndpointId{refs.VatId(1)}})

	req := httptest.NewRequest(http.MethodGet, "/queue/length", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"length":0}`, rec.Body.String())
}

func TestObjectNotFound(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	tb := reftables.New(st)
	q := queue.New(st)
	srv := New(tb, q, fakeVatLister{})

	req := httptest.NewRequest(http.MethodGet, "/objects/ko404", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// Package adminapi is a read-only HTTP window onto kernel state (queue
// depth, vat list, per-object refcounts) — not required by the core
// spec, but the operator surface every long-running kernel process in
// this corpus carries (the teacher ships internal/ethapi plus a GraphQL
// endpoint). Mutating kernel invariants from here is out of scope: every
// route only reads.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/metrics"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

var log = vlog.Root().New("component", "adminapi")

// VatLister is implemented by lifecycle.Lifecycle; kept as a narrow
// interface here so adminapi does not import lifecycle's concrete types.
type VatLister interface {
	ListVatIDs() []refs.EndpointId
}

// Server is the read-only admin HTTP surface.
type Server struct {
	tables  *reftables.Tables
	queue   *queue.Queue
	vats    VatLister
	handler http.Handler

	// respCache is a best-effort cache of marshaled object/promise
	// responses, the same fixed-memory fastcache shape the teacher uses
	// for hot trie rows in core/state. Staleness here is acceptable —
	// unlike RefTables itself, admin responses never participate in crank
	// atomicity, so a stale entry is a diagnostic inaccuracy, not a
	// correctness hazard. Entries have no expiry: a cached response is
	// served until fastcache evicts it.
	respCache *metrics.RowCache
}

func New(tables *reftables.Tables, q *queue.Queue, vats VatLister) *Server {
	s := &Server{tables: tables, queue: q, vats: vats, respCache: metrics.NewRowCache(4 << 20)}

	router := httprouter.New()
	router.GET("/queue/length", s.handleQueueLength)
	router.GET("/vats", s.handleListVats)
	router.GET("/objects/:kref", s.handleObject)
	router.GET("/promises/:kref", s.handlePromise)

	if gql, err := s.GraphQLHandler(); err != nil {
		log.Error("graphql schema failed to parse, introspection endpoint disabled", "err", err)
	} else {
		router.Handler(http.MethodGet, "/graphql", gql)
		router.Handler(http.MethodPost, "/graphql", gql)
	}

	s.handler = cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode admin response", "err", err)
	}
}

func (s *Server) handleQueueLength(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.queue.Length()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"length": n})
}

func (s *Server) handleListVats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.vats.ListVatIDs())
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	kref := refs.KRef(p.ByName("kref"))
	cacheKey := "ko." + string(kref)
	if raw, hit := s.respCache.Get(cacheKey); hit {
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}
	o, ok, err := s.tables.GetObject(kref)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such object"})
		return
	}
	if raw, err := json.Marshal(o); err == nil {
		s.respCache.Set(cacheKey, raw)
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePromise(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	kref := refs.KRef(p.ByName("kref"))
	cacheKey := "kp." + string(kref)
	if raw, hit := s.respCache.Get(cacheKey); hit {
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}
	pr, ok, err := s.tables.GetPromise(kref)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such promise"})
		return
	}
	if raw, err := json.Marshal(pr); err == nil {
		s.respCache.Set(cacheKey, raw)
	}
	writeJSON(w, http.StatusOK, pr)
}

package adminapi

import (
	"context"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

// introspectionSchema is a read-only GraphQL schema over the same admin
// data as the REST routes (queue depth, vat list, object refcounts), for
// ad hoc queries the fixed REST shape doesn't cover.
const introspectionSchema = `
	schema {
		query: Query
	}

	type Query {
		queueLength: Int!
		vats: [String!]!
		object(kref: String!): KernelObject
	}

	type KernelObject {
		owner: String!
		reachable: Int!
		recognizable: Int!
		revoked: Boolean!
		pinned: Boolean!
	}
`

type kernelObjectResolver struct {
	Owner        string
	Reachable    int32
	Recognizable int32
	Revoked      bool
	Pinned       bool
}

type queryResolver struct {
	srv *Server
}

func (r *queryResolver) QueueLength(ctx context.Context) (int32, error) {
	n, err := r.srv.queue.Length()
	return int32(n), err
}

func (r *queryResolver) Vats(ctx context.Context) ([]string, error) {
	ids := r.srv.vats.ListVatIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out, nil
}

func (r *queryResolver) Object(ctx context.Context, args struct{ Kref string }) (*kernelObjectResolver, error) {
	o, ok, err := r.srv.tables.GetObject(refs.KRef(args.Kref))
	if err != nil || !ok {
		return nil, err
	}
	return &kernelObjectResolver{
		Owner:        string(o.Owner),
		Reachable:    int32(o.Reachable),
		Recognizable: int32(o.Recognizable),
		Revoked:      o.Revoked,
		Pinned:       o.Pinned,
	}, nil
}

// GraphQLHandler builds the /graphql endpoint over the same Server state
// the REST routes read.
func (s *Server) GraphQLHandler() (http.Handler, error) {
	schema, err := graphql.ParseSchema(introspectionSchema, &queryResolver{srv: s}, graphql.UseFieldResolvers())
	if err != nil {
		return nil, err
	}
	return &relay.Handler{Schema: schema}, nil
}

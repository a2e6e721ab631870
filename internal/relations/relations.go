// Package relations answers whether a directed or mutual relation exists
// between two chats. Pure read predicates, no side effects.
package relations

import "context"

// Store is the slice of persistence the gate needs.
type Store interface {
	HasRelation(ctx context.Context, source, target int64) (bool, error)
}

type Gate struct {
	store Store
}

func New(store Store) *Gate { return &Gate{store: store} }

// HasOutgoing reports whether source has requested/established a relation
// towards target.
func (g *Gate) HasOutgoing(ctx context.Context, source, target int64) (bool, error) {
	return g.store.HasRelation(ctx, source, target)
}

// HasIncoming reports whether target has a relation towards source.
func (g *Gate) HasIncoming(ctx context.Context, source, target int64) (bool, error) {
	return g.store.HasRelation(ctx, target, source)
}

// IsMutual reports whether both directions exist.
func (g *Gate) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	out, err := g.store.HasRelation(ctx, a, b)
	if err != nil || !out {
		return false, err
	}
	return g.store.HasRelation(ctx, b, a)
}

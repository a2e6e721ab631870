package relations

import (
	"context"
	"testing"
	"time"

	"envoybot/internal/storage"
)

func TestGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	gate := New(store)

	check := func(name string, got bool, err error, want bool) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}

	// Nothing related yet.
	out, err := gate.HasOutgoing(ctx, 1, 2)
	check("HasOutgoing", out, err, false)
	mut, err := gate.IsMutual(ctx, 1, 2)
	check("IsMutual", mut, err, false)

	// One direction: a request sent but not accepted.
	if err := store.AddRelation(ctx, 1, 2, time.Now()); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	out, err = gate.HasOutgoing(ctx, 1, 2)
	check("HasOutgoing", out, err, true)
	in, err := gate.HasIncoming(ctx, 2, 1)
	check("HasIncoming", in, err, true)
	in, err = gate.HasIncoming(ctx, 1, 2)
	check("HasIncoming reverse", in, err, false)
	mut, err = gate.IsMutual(ctx, 1, 2)
	check("IsMutual one-way", mut, err, false)

	// Both directions: mutual, in either argument order.
	if err := store.AddRelation(ctx, 2, 1, time.Now()); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	mut, err = gate.IsMutual(ctx, 1, 2)
	check("IsMutual", mut, err, true)
	mut, err = gate.IsMutual(ctx, 2, 1)
	check("IsMutual swapped", mut, err, true)

	// Severing one side breaks it again.
	if err := store.RemoveRelation(ctx, 1, 2); err != nil {
		t.Fatalf("remove relation: %v", err)
	}
	mut, err = gate.IsMutual(ctx, 1, 2)
	check("IsMutual after removal", mut, err, false)
}

package inventory_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/inventory"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

func newLedger(t *testing.T, capacity int64) (*inventory.Ledger, *memory.InventoryStore, uuid.UUID) {
	t.Helper()
	store := memory.NewInventoryStore()
	id := uuid.New()
	store.PutTicketType(domain.TicketType{ID: id, EventID: uuid.New(), TotalCapacity: capacity, UnitPrice: 1000})
	return inventory.NewLedger(store, observability.NewDiscardLogger()), store, id
}

func TestLedger_ConcurrentReserveNeverOversells(t *testing.T) {
	ledger, store, id := newLedger(t, 50)

	var won int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			res, err := ledger.Reserve(context.Background(), id, qty)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Success {
				atomic.AddInt64(&won, qty)
			} else if res.Reason != domain.ReasonInsufficientInventory {
				t.Errorf("unexpected reason %q", res.Reason)
			}
		}(int64(i%3 + 1))
	}
	wg.Wait()

	tt, _ := store.GetTicketType(context.Background(), id)
	if tt.QuantitySold != won {
		t.Fatalf("sold %d but granted %d", tt.QuantitySold, won)
	}
	if tt.QuantitySold > tt.TotalCapacity {
		t.Fatalf("oversold: %d > %d", tt.QuantitySold, tt.TotalCapacity)
	}
}

func TestLedger_ReserveRejectsNonPositive(t *testing.T) {
	ledger, _, id := newLedger(t, 5)
	if _, err := ledger.Reserve(context.Background(), id, 0); err == nil {
		t.Fatal("expected error for zero quantity")
	}
}

func TestLedger_ReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	ledger, store, id := newLedger(t, 5)

	if res, err := ledger.Reserve(ctx, id, 2); err != nil || !res.Success {
		t.Fatalf("reserve: %+v %v", res, err)
	}
	if err := ledger.Release(ctx, id, 5); err != nil {
		t.Fatalf("over-release must not error: %v", err)
	}
	tt, _ := store.GetTicketType(ctx, id)
	if tt.QuantitySold != 0 {
		t.Fatalf("expected sold clamped to 0, got %d", tt.QuantitySold)
	}
	if err := ledger.Release(ctx, id, 0); err != nil {
		t.Fatal(err)
	}
}

func TestLedger_ReserveAfterRelease(t *testing.T) {
	ctx := context.Background()
	ledger, _, id := newLedger(t, 1)

	if res, _ := ledger.Reserve(ctx, id, 1); !res.Success {
		t.Fatal("first reserve should succeed")
	}
	if res, _ := ledger.Reserve(ctx, id, 1); res.Success {
		t.Fatal("second reserve should fail at capacity")
	}
	if err := ledger.Release(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	if res, _ := ledger.Reserve(ctx, id, 1); !res.Success {
		t.Fatal("released unit should be sellable again")
	}
}

func TestLedger_HugeQuantityIsRefused(t *testing.T) {
	ctx := context.Background()
	ledger, store, id := newLedger(t, 10)
	if res, err := ledger.Reserve(ctx, id, 1); err != nil || !res.Success {
		t.Fatalf("reserve: %+v %v", res, err)
	}

	res, err := ledger.Reserve(ctx, id, math.MaxInt64)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != domain.ReasonInsufficientInventory {
		t.Fatalf("expected refusal, got %+v", res)
	}
	tt, _ := store.GetTicketType(ctx, id)
	if tt.QuantitySold != 1 {
		t.Fatalf("quantity sold = %d", tt.QuantitySold)
	}
}

func TestInventoryStore_ReleaseAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	_, store, id := newLedger(t, 10)
	store.ReserveUnits(ctx, id, 3)

	if _, err := store.ReleaseAll(ctx, map[uuid.UUID]int64{id: 2, uuid.New(): 1}); err == nil {
		t.Fatal("expected error for unknown ticket type")
	}
	if tt, _ := store.GetTicketType(ctx, id); tt.QuantitySold != 3 {
		t.Fatalf("failed release changed sold to %d", tt.QuantitySold)
	}

	released, err := store.ReleaseAll(ctx, map[uuid.UUID]int64{id: 5})
	if err != nil {
		t.Fatal(err)
	}
	if tt, _ := store.GetTicketType(ctx, id); released != 3 || tt.QuantitySold != 0 {
		t.Fatalf("released=%d sold=%d", released, tt.QuantitySold)
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/internal/cache"
	"apotekpos/internal/domain"
	"apotekpos/internal/store"
	"apotekpos/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	return New(repo, cache.NoopAvailabilityCache{}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func mustCreateMedicine(t *testing.T, svc *Service, id string, price string, stock int) {
	t.Helper()
	_, err := svc.CreateMedicine(adminCtx(), domain.MedicineCreateRequest{
		ID:           id,
		Name:         "Test " + id,
		Category:     "test",
		UnitPrice:    decimal.RequireFromString(price),
		InitialStock: stock,
	})
	if err != nil {
		t.Fatalf("create medicine %s failed: %v", id, err)
	}
}

func mustHold(t *testing.T, svc *Service, ctx context.Context, lines ...domain.OrderLineRequest) domain.HeldOrder {
	t.Helper()
	resp, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{Lines: lines})
	if err != nil {
		t.Fatalf("hold order failed: %v", err)
	}
	return resp.HeldOrder
}

func TestHoldReservesStockAndWritesLedger(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	avail, err := svc.GetAvailability(context.Background(), "MED-A")
	if err != nil {
		t.Fatalf("get availability failed: %v", err)
	}
	if avail.OnHand != 10 || avail.Reserved != 6 || avail.Available != 4 {
		t.Fatalf("expected on_hand=10 reserved=6 available=4, got %+v", avail)
	}

	ledger, err := svc.ListLedger(context.Background(), "MED-A", 10)
	if err != nil {
		t.Fatalf("list ledger failed: %v", err)
	}
	if len(ledger.Entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(ledger.Entries))
	}
	reserve := ledger.Entries[0]
	if reserve.Action != domain.ActionReserve || reserve.QtyDelta != -6 || reserve.QtyBefore != 10 || reserve.QtyAfter != 4 {
		t.Fatalf("unexpected reserve entry: %+v", reserve)
	}
	if reserve.SaleID == nil {
		t.Fatalf("expected reserve entry to reference the held order")
	}
}

func TestHoldInsufficientStockLeavesNothingBehind(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	_, err := svc.HoldOrder(cashierCtx(), domain.HoldOrderRequest{
		Lines: []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 11}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientStockError, got %T", err)
	}
	if detail.Requested != 11 || detail.Available != 10 {
		t.Fatalf("unexpected shortfall detail: %+v", detail)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.Reserved != 0 || avail.Available != 10 {
		t.Fatalf("failed hold must not move stock, got %+v", avail)
	}
}

func TestMultiLineHoldIsAllOrNothing(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)
	mustCreateMedicine(t, svc, "MED-B", "5600", 2)

	_, err := svc.HoldOrder(cashierCtx(), domain.HoldOrderRequest{
		Lines: []domain.OrderLineRequest{
			{MedicineID: "MED-A", Qty: 4},
			{MedicineID: "MED-B", Qty: 3},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	for _, id := range []string{"MED-A", "MED-B"} {
		avail, _ := svc.GetAvailability(context.Background(), id)
		if avail.Reserved != 0 {
			t.Fatalf("expected no reservation on %s after failed hold, got %+v", id, avail)
		}
	}
}

func TestHoldAggregatesDuplicateLines(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(),
		domain.OrderLineRequest{MedicineID: "med-a", Qty: 2},
		domain.OrderLineRequest{MedicineID: "MED-A", Qty: 3},
	)

	if len(held.Lines) != 1 {
		t.Fatalf("expected duplicate lines to merge, got %d lines", len(held.Lines))
	}
	if held.Lines[0].Qty != 5 {
		t.Fatalf("expected merged qty 5, got %d", held.Lines[0].Qty)
	}
	if !held.Total.Equal(decimal.RequireFromString("17500")) {
		t.Fatalf("expected total 17500, got %s", held.Total)
	}
}

func TestPayHeldOrderReleasesThenShips(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	resp, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{
		HeldOrderID:   held.ID,
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("pay order failed: %v", err)
	}
	if resp.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", resp.Payment.Status)
	}
	if !resp.Payment.Amount.Equal(decimal.RequireFromString("21000")) {
		t.Fatalf("expected amount 21000, got %s", resp.Payment.Amount)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.OnHand != 4 || avail.Reserved != 0 || avail.Available != 4 {
		t.Fatalf("expected on_hand=4 reserved=0 after payment, got %+v", avail)
	}

	if _, err := svc.GetHeldOrder(context.Background(), held.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected held order purged, got %v", err)
	}

	ledger, _ := svc.ListLedger(context.Background(), "MED-A", 10)
	if len(ledger.Entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", len(ledger.Entries))
	}
	ship, release, reserve := ledger.Entries[0], ledger.Entries[1], ledger.Entries[2]
	if ship.Action != domain.ActionShip || ship.QtyDelta != -6 || ship.QtyBefore != 10 || ship.QtyAfter != 4 {
		t.Fatalf("unexpected ship entry: %+v", ship)
	}
	if release.Action != domain.ActionRelease || release.QtyDelta != 6 || release.QtyBefore != 4 || release.QtyAfter != 10 {
		t.Fatalf("unexpected release entry: %+v", release)
	}
	if reserve.Action != domain.ActionReserve {
		t.Fatalf("unexpected reserve entry: %+v", reserve)
	}
	if reserve.SaleID != nil || release.SaleID != nil {
		t.Fatalf("expected purged order references cleared from reserve/release entries")
	}
	if ship.SaleID == nil || *ship.SaleID != resp.Sale.ID {
		t.Fatalf("expected ship entry to reference sale %s", resp.Sale.ID)
	}
}

func TestPayWithAmendedLinesChecksLiveCoverage(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	// 8 exceeds the free balance of 4, but the order's own reservation of
	// 6 is released in the same atomic step, so coverage is 10.
	resp, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{
		HeldOrderID:   held.ID,
		PaymentMethod: "qris",
		Lines:         []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 8}},
	})
	if err != nil {
		t.Fatalf("amended payment failed: %v", err)
	}
	if !resp.Sale.Total.Equal(decimal.RequireFromString("28000")) {
		t.Fatalf("expected total 28000, got %s", resp.Sale.Total)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.OnHand != 2 || avail.Reserved != 0 {
		t.Fatalf("expected on_hand=2 reserved=0, got %+v", avail)
	}
}

func TestPayDirectSaleWithoutHold(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	resp, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{
		PaymentMethod: "card",
		Lines:         []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 3}},
	})
	if err != nil {
		t.Fatalf("direct sale failed: %v", err)
	}

	sale, err := svc.GetSale(context.Background(), resp.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if sale.PaymentMethod != "card" {
		t.Fatalf("expected card sale, got %s", sale.PaymentMethod)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.OnHand != 7 || avail.Reserved != 0 {
		t.Fatalf("expected on_hand=7, got %+v", avail)
	}
}

func TestPayRequiresPaymentMethod(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	_, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{
		Lines: []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 1}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUpdateHeldOrderReleasesThenReReserves(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	// Raising to 9 only works because the order's own 6 counts as free
	// during the swap.
	resp, err := svc.UpdateHeldOrder(cashierCtx(), held.ID, domain.HoldOrderRequest{
		Lines: []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 9}},
	})
	if err != nil {
		t.Fatalf("update held order failed: %v", err)
	}
	if resp.HeldOrder.Lines[0].Qty != 9 {
		t.Fatalf("expected qty 9 after update, got %d", resp.HeldOrder.Lines[0].Qty)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.Reserved != 9 || avail.Available != 1 {
		t.Fatalf("expected reserved=9 available=1, got %+v", avail)
	}

	_, err = svc.UpdateHeldOrder(cashierCtx(), held.ID, domain.HoldOrderRequest{
		Lines: []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 11}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	avail, _ = svc.GetAvailability(context.Background(), "MED-A")
	if avail.Reserved != 9 {
		t.Fatalf("failed update must keep the prior reservation, got %+v", avail)
	}
}

func TestDeleteHeldOrderReleasesAndClearsReferences(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	if err := svc.DeleteHeldOrder(cashierCtx(), held.ID); err != nil {
		t.Fatalf("delete held order failed: %v", err)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.OnHand != 10 || avail.Reserved != 0 {
		t.Fatalf("expected full stock back after delete, got %+v", avail)
	}

	ledger, _ := svc.ListLedger(context.Background(), "MED-A", 10)
	for _, entry := range ledger.Entries {
		if entry.Action == domain.ActionReserve || entry.Action == domain.ActionRelease {
			if entry.SaleID != nil {
				t.Fatalf("expected cleared order reference on %s entry", entry.Action)
			}
		}
	}

	if err := svc.DeleteHeldOrder(cashierCtx(), held.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestAdjustStockTracksTarget(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	resp, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{MedicineID: "MED-A", TargetOnHand: 7})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if resp.Stock.OnHand != 7 {
		t.Fatalf("expected on_hand 7, got %d", resp.Stock.OnHand)
	}
	if resp.LedgerEntry == nil || resp.LedgerEntry.Action != domain.ActionAdjustOut || resp.LedgerEntry.QtyDelta != -3 {
		t.Fatalf("unexpected adjust entry: %+v", resp.LedgerEntry)
	}

	resp, err = svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{MedicineID: "MED-A", TargetOnHand: 12})
	if err != nil {
		t.Fatalf("adjust up failed: %v", err)
	}
	if resp.LedgerEntry == nil || resp.LedgerEntry.Action != domain.ActionAdjustIn || resp.LedgerEntry.QtyDelta != 5 {
		t.Fatalf("unexpected adjust entry: %+v", resp.LedgerEntry)
	}

	resp, err = svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{MedicineID: "MED-A", TargetOnHand: 12})
	if err != nil {
		t.Fatalf("no-op adjust failed: %v", err)
	}
	if resp.LedgerEntry != nil {
		t.Fatalf("no-op adjust must not write a ledger entry")
	}
}

func TestAdjustBelowReservedRejected(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)
	mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	_, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{MedicineID: "MED-A", TargetOnHand: 5})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict when target undercuts reservations, got %v", err)
	}
}

func TestScrapStockWritesOffUnreservedOnly(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)
	mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 6})

	resp, err := svc.ScrapStock(adminCtx(), "MED-A")
	if err != nil {
		t.Fatalf("scrap failed: %v", err)
	}
	if resp.Stock.OnHand != 6 || resp.Stock.Reserved != 6 {
		t.Fatalf("expected on_hand=6 reserved=6 after scrap, got %+v", resp.Stock)
	}
	if resp.LedgerEntry == nil || resp.LedgerEntry.Action != domain.ActionScrap || resp.LedgerEntry.QtyDelta != -4 {
		t.Fatalf("unexpected scrap entry: %+v", resp.LedgerEntry)
	}
}

func TestReceiveStockRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	_, err := svc.ReceiveStock(cashierCtx(), domain.ReceiveStockRequest{MedicineID: "MED-A", Qty: 5})
	if err == nil {
		t.Fatalf("expected receive to be rejected for cashier")
	}

	resp, err := svc.ReceiveStock(adminCtx(), domain.ReceiveStockRequest{MedicineID: "MED-A", Qty: 5, PurchaseID: "po-1"})
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if resp.Stock.OnHand != 15 {
		t.Fatalf("expected on_hand 15, got %d", resp.Stock.OnHand)
	}
	if resp.LedgerEntry == nil || resp.LedgerEntry.Action != domain.ActionReceive || resp.LedgerEntry.PurchaseID == nil {
		t.Fatalf("unexpected receive entry: %+v", resp.LedgerEntry)
	}
}

func TestConcurrentHoldsHaveSingleWinner(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 6)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HoldOrder(cashierCtx(), domain.HoldOrderRequest{
				Lines: []domain.OrderLineRequest{{MedicineID: "MED-A", Qty: 6}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		if err == nil {
			wins++
		} else if errors.Is(err, store.ErrInsufficientStock) {
			losses++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.Reserved != 6 || avail.Available != 0 {
		t.Fatalf("expected whole stock reserved once, got %+v", avail)
	}
}

func TestLedgerReplaysToCurrentBalance(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 4})
	if _, err := svc.ReceiveStock(adminCtx(), domain.ReceiveStockRequest{MedicineID: "MED-A", Qty: 8}); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if _, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{HeldOrderID: held.ID, PaymentMethod: "cash"}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if _, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{MedicineID: "MED-A", TargetOnHand: 12}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	ledger, err := svc.ListLedger(context.Background(), "MED-A", 50)
	if err != nil {
		t.Fatalf("list ledger failed: %v", err)
	}

	// Entries arrive newest first; replay oldest first.
	entries := ledger.Entries
	balance := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.QtyAfter != e.QtyBefore+e.QtyDelta {
			t.Fatalf("broken entry %s: %d + %d != %d", e.ID, e.QtyBefore, e.QtyDelta, e.QtyAfter)
		}
		if e.QtyBefore != balance {
			t.Fatalf("gap before entry %s: expected balance %d, entry says %d", e.ID, balance, e.QtyBefore)
		}
		balance = e.QtyAfter
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if balance != avail.Available {
		t.Fatalf("replay ended at %d, live available is %d", balance, avail.Available)
	}
}

func TestReclaimStaleHeldOrders(t *testing.T) {
	svc, repo := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	stale := domain.HeldOrder{
		StaffID:   "cashier",
		Lines:     []domain.OrderLine{{MedicineID: "MED-A", Qty: 3, UnitPrice: decimal.RequireFromString("3500")}},
		Total:     decimal.RequireFromString("10500"),
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	saved, err := repo.HoldOrder(context.Background(), stale)
	if err != nil {
		t.Fatalf("seed stale hold failed: %v", err)
	}
	fresh := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 2})

	reclaimed, err := svc.ReclaimStaleHeldOrders(context.Background(), 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed order, got %d", reclaimed)
	}

	if _, err := svc.GetHeldOrder(context.Background(), saved.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stale order purged, got %v", err)
	}
	if _, err := svc.GetHeldOrder(context.Background(), fresh.ID); err != nil {
		t.Fatalf("fresh order must survive the sweep: %v", err)
	}

	avail, _ := svc.GetAvailability(context.Background(), "MED-A")
	if avail.Reserved != 2 {
		t.Fatalf("expected only the fresh reservation left, got %+v", avail)
	}
}

func TestCreateMedicineRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateMedicine(cashierCtx(), domain.MedicineCreateRequest{
		ID:        "MED-X",
		Name:      "X",
		Category:  "test",
		UnitPrice: decimal.RequireFromString("1000"),
	})
	if err == nil {
		t.Fatalf("expected create to be rejected for cashier")
	}
}

func TestAuditTrailRecordsOrderLifecycle(t *testing.T) {
	svc, _ := newTestService()
	mustCreateMedicine(t, svc, "MED-A", "3500", 10)

	held := mustHold(t, svc, cashierCtx(), domain.OrderLineRequest{MedicineID: "MED-A", Qty: 2})
	if _, err := svc.PayOrder(cashierCtx(), domain.PayOrderRequest{HeldOrderID: held.ID, PaymentMethod: "cash"}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}

	seen := map[string]bool{}
	for _, entry := range logs {
		seen[entry.Action] = true
	}
	for _, action := range []string{"medicine_create", "hold_create", "order_pay"} {
		if !seen[action] {
			t.Fatalf("expected audit action %s, got %v", action, seen)
		}
	}
}

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/internal/domain"
)

func TestHoldPayCycleAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("APOTEKPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set APOTEKPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	medicineID := fmt.Sprintf("MED-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE sale_id IN (SELECT id FROM sales WHERE staff_id = $1)`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE medicine_id = $1`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id IN (SELECT sale_id FROM sale_lines WHERE medicine_id = $1)`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM held_order_lines WHERE medicine_id = $1`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE medicine_id = $1`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE medicine_id = $1`, medicineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medicines WHERE id = $1`, medicineID)
	})

	med := domain.Medicine{
		ID:        medicineID,
		Name:      "Integration Medicine",
		Category:  "test",
		UnitPrice: decimal.RequireFromString("3500"),
		Active:    true,
	}
	if _, err := s.CreateMedicine(ctx, med, 10); err != nil {
		t.Fatalf("create medicine: %v", err)
	}

	now := time.Now().UTC()
	held, err := s.HoldOrder(ctx, domain.HeldOrder{
		StaffID:   "it-cashier",
		Lines:     []domain.OrderLine{{MedicineID: medicineID, Qty: 6, UnitPrice: med.UnitPrice}},
		Total:     decimal.RequireFromString("21000"),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("hold order: %v", err)
	}

	item, err := s.GetStockItem(ctx, medicineID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if item.OnHand != 10 || item.Reserved != 6 {
		t.Fatalf("expected on_hand=10 reserved=6 after hold, got %+v", item)
	}

	sale := domain.Sale{
		ID:            fmt.Sprintf("sale-it-%d", stamp),
		StaffID:       "it-cashier",
		Lines:         held.Lines,
		Total:         held.Total,
		PaymentMethod: "cash",
		CreatedAt:     time.Now().UTC(),
	}
	payment := domain.Payment{
		ID:        fmt.Sprintf("pay-it-%d", stamp),
		SaleID:    sale.ID,
		Amount:    sale.Total,
		Method:    "cash",
		Status:    domain.PaymentStatusCompleted,
		CreatedAt: sale.CreatedAt,
	}
	if _, _, err := s.PayOrder(ctx, sale, payment, held.ID); err != nil {
		t.Fatalf("pay order: %v", err)
	}

	item, err = s.GetStockItem(ctx, medicineID)
	if err != nil {
		t.Fatalf("get stock after pay: %v", err)
	}
	if item.OnHand != 4 || item.Reserved != 0 {
		t.Fatalf("expected on_hand=4 reserved=0 after payment, got %+v", item)
	}

	entries, err := s.ListLedger(ctx, medicineID, 10)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.QtyAfter != e.QtyBefore+e.QtyDelta {
			t.Fatalf("broken ledger entry %s: %d + %d != %d", e.ID, e.QtyBefore, e.QtyDelta, e.QtyAfter)
		}
		if (e.Action == domain.ActionReserve || e.Action == domain.ActionRelease) && e.SaleID != nil {
			t.Fatalf("expected purged order reference cleared on %s entry", e.Action)
		}
	}
}

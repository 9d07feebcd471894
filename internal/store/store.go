package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apotekpos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrEmptyOrder         = errors.New("order has no lines")
	ErrConflict           = errors.New("conflict")
	ErrIntegrityViolation = errors.New("stock integrity violation")
)

// InsufficientStockError reports which item could not cover a requested
// quantity. It unwraps to ErrInsufficientStock so callers can match either.
type InsufficientStockError struct {
	MedicineID string
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.MedicineID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type Repository interface {
	CreateMedicine(ctx context.Context, med domain.Medicine, initialStock int) (*domain.Medicine, error)
	GetMedicine(ctx context.Context, medicineID string) (*domain.Medicine, error)
	ListMedicines(ctx context.Context) ([]domain.Medicine, error)

	GetStockItem(ctx context.Context, medicineID string) (*domain.StockItem, error)
	ListStockItems(ctx context.Context) ([]domain.StockItem, error)

	// ReceiveStock adds qty units to on-hand and appends a RECEIVE entry.
	ReceiveStock(ctx context.Context, medicineID string, qty int, purchaseID string) (*domain.StockItem, *domain.LedgerEntry, error)
	// AdjustStock moves on-hand to target, appending ADJUST_IN or
	// ADJUST_OUT. Lowering on-hand below the reserved quantity fails.
	AdjustStock(ctx context.Context, medicineID string, target int) (*domain.StockItem, *domain.LedgerEntry, error)
	// ScrapStock writes off every unreserved unit with a SCRAP entry.
	ScrapStock(ctx context.Context, medicineID string) (*domain.StockItem, *domain.LedgerEntry, error)

	// HoldOrder reserves stock for every line atomically. If any line
	// cannot be covered by the live available balance, nothing moves.
	HoldOrder(ctx context.Context, order domain.HeldOrder) (*domain.HeldOrder, error)
	// UpdateHeldOrder releases the prior reservation and re-reserves the
	// new lines in a single atomic step.
	UpdateHeldOrder(ctx context.Context, order domain.HeldOrder) (*domain.HeldOrder, error)
	// PayOrder finalizes a sale. When heldOrderID is non-empty the held
	// order's reservation is released, the held order purged, and its
	// ledger references cleared before the sale ships.
	PayOrder(ctx context.Context, sale domain.Sale, payment domain.Payment, heldOrderID string) (*domain.Sale, *domain.Payment, error)
	// DeleteHeldOrder releases the reservation and purges the order.
	DeleteHeldOrder(ctx context.Context, heldOrderID string) error
	GetHeldOrder(ctx context.Context, heldOrderID string) (*domain.HeldOrder, error)
	ListHeldOrders(ctx context.Context) ([]domain.HeldOrder, error)
	ListStaleHeldOrders(ctx context.Context, before time.Time, limit int) ([]domain.HeldOrder, error)

	ListLedger(ctx context.Context, medicineID string, limit int) ([]domain.LedgerEntry, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.StaffAccount) error
	GetUser(ctx context.Context, username string) (*domain.StaffAccount, error)
	ListUsers(ctx context.Context) ([]domain.StaffAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

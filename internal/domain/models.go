package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAction is the closed set of stock-movement kinds recorded in the
// ledger. Every quantity change on a stock item maps to exactly one action.
type LedgerAction string

const (
	ActionReceive   LedgerAction = "RECEIVE"
	ActionShip      LedgerAction = "SHIP"
	ActionReserve   LedgerAction = "RESERVE"
	ActionRelease   LedgerAction = "RELEASE"
	ActionAdjustIn  LedgerAction = "ADJUST_IN"
	ActionAdjustOut LedgerAction = "ADJUST_OUT"
	ActionScrap     LedgerAction = "SCRAP"
)

type Medicine struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Active    bool            `json:"active"`
}

type MedicineCreateRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	InitialStock int             `json:"initial_stock"`
}

// StockItem is the mutable current state of one sellable unit type.
// OnHand counts every physical unit in the store; Reserved counts units
// committed to unpaid held orders. Available is always OnHand - Reserved
// and never goes negative.
type StockItem struct {
	MedicineID string    `json:"medicine_id"`
	OnHand     int       `json:"on_hand"`
	Reserved   int       `json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s StockItem) Available() int {
	return s.OnHand - s.Reserved
}

// LedgerEntry is one immutable row of the stock audit trail. QtyBefore and
// QtyAfter record the item's available balance around the change, so
// QtyAfter == QtyBefore + QtyDelta holds for every entry. Entries are never
// updated or deleted; only SaleID may be nulled when the referenced held
// order is purged.
type LedgerEntry struct {
	ID         string       `json:"id"`
	MedicineID string       `json:"medicine_id"`
	SaleID     *string      `json:"sale_id,omitempty"`
	PurchaseID *string      `json:"purchase_id,omitempty"`
	Action     LedgerAction `json:"action"`
	QtyDelta   int          `json:"qty_delta"`
	QtyBefore  int          `json:"qty_before"`
	QtyAfter   int          `json:"qty_after"`
	CreatedAt  time.Time    `json:"created_at"`
}

type OrderLine struct {
	MedicineID string          `json:"medicine_id"`
	Qty        int             `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Discount   decimal.Decimal `json:"discount"`
}

// HeldOrder is a draft sale with stock reserved but payment not taken.
// Each line is mirrored by one outstanding RESERVE ledger entry and the
// matching Reserved quantity on the stock item.
type HeldOrder struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	StaffID       string          `json:"staff_id"`
	Lines         []OrderLine     `json:"lines"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Sale struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	StaffID       string          `json:"staff_id"`
	Lines         []OrderLine     `json:"lines"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     time.Time       `json:"created_at"`
}

const PaymentStatusCompleted = "completed"

type Payment struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

type OrderLineRequest struct {
	MedicineID string          `json:"medicine_id"`
	Qty        int             `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Discount   decimal.Decimal `json:"discount"`
}

type HoldOrderRequest struct {
	CustomerID    string             `json:"customer_id,omitempty"`
	StaffID       string             `json:"staff_id"`
	Discount      decimal.Decimal    `json:"discount"`
	PaymentMethod string             `json:"payment_method"`
	Lines         []OrderLineRequest `json:"lines"`
}

type PayOrderRequest struct {
	HeldOrderID   string             `json:"held_order_id,omitempty"`
	CustomerID    string             `json:"customer_id,omitempty"`
	StaffID       string             `json:"staff_id"`
	Discount      decimal.Decimal    `json:"discount"`
	PaymentMethod string             `json:"payment_method"`
	Lines         []OrderLineRequest `json:"lines"`
}

type HeldOrderResponse struct {
	HeldOrder HeldOrder `json:"held_order"`
}

type HeldOrderListResponse struct {
	Items []HeldOrder `json:"items"`
}

type PayOrderResponse struct {
	Sale    Sale    `json:"sale"`
	Payment Payment `json:"payment"`
}

type ReceiveStockRequest struct {
	MedicineID string `json:"medicine_id"`
	Qty        int    `json:"qty"`
	PurchaseID string `json:"purchase_id,omitempty"`
}

type AdjustStockRequest struct {
	MedicineID   string `json:"medicine_id"`
	TargetOnHand int    `json:"target_on_hand"`
}

type StockMutationResponse struct {
	Stock       StockItem    `json:"stock"`
	LedgerEntry *LedgerEntry `json:"ledger_entry,omitempty"`
}

type AvailabilityResponse struct {
	MedicineID string `json:"medicine_id"`
	Available  int    `json:"available"`
	OnHand     int    `json:"on_hand"`
	Reserved   int    `json:"reserved"`
}

type LedgerListResponse struct {
	MedicineID string        `json:"medicine_id"`
	Entries    []LedgerEntry `json:"entries"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffAccount is the persistence model for auth credentials. Password
// holds a bcrypt hash, never plaintext.
type StaffAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Package memory implements the repository on in-process maps. It backs
// dev/demo mode and the test suite; the state machine is identical to the
// PostgreSQL store, only the durability differs.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"apotekpos/internal/domain"
	"apotekpos/internal/store"
	"apotekpos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	medicines       map[string]domain.Medicine
	stock           map[string]domain.StockItem
	ledger          []domain.LedgerEntry
	heldOrdersByID  map[string]domain.HeldOrder
	salesByID       map[string]domain.Sale
	paymentsByID    map[string]domain.Payment
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.StaffAccount
}

func New() *Store {
	return &Store{
		medicines:       make(map[string]domain.Medicine),
		stock:           make(map[string]domain.StockItem),
		ledger:          make([]domain.LedgerEntry, 0, 256),
		heldOrdersByID:  make(map[string]domain.HeldOrder),
		salesByID:       make(map[string]domain.Sale),
		paymentsByID:    make(map[string]domain.Payment),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, hardcoded dev defaults are used with a warning. These
// credentials are never used in production (the backend uses PostgreSQL
// when DATABASE_URL is set).
func seedUsers() map[string]domain.StaffAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.StaffAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.StaffAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a small pharmacy catalog. The
// seed stock flows through the regular receive path so the ledger replays
// to the seeded balances.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()
	seed := []struct {
		med domain.Medicine
		qty int
	}{
		{domain.Medicine{ID: "MED-PARA-500", Name: "Paracetamol 500mg", Category: "analgesic", UnitPrice: dec("3500"), Active: true}, 120},
		{domain.Medicine{ID: "MED-AMOX-500", Name: "Amoxicillin 500mg", Category: "antibiotic", UnitPrice: dec("12800"), Active: true}, 80},
		{domain.Medicine{ID: "MED-CETI-10", Name: "Cetirizine 10mg", Category: "antihistamine", UnitPrice: dec("5600"), Active: true}, 90},
		{domain.Medicine{ID: "MED-OBH-SYR", Name: "OBH Cough Syrup 100ml", Category: "cough-cold", UnitPrice: dec("17400"), Active: true}, 45},
		{domain.Medicine{ID: "MED-VITC-500", Name: "Vitamin C 500mg", Category: "supplement", UnitPrice: dec("9800"), Active: true}, 200},
		{domain.Medicine{ID: "MED-ANTA-TAB", Name: "Antacid Chewable", Category: "digestive", UnitPrice: dec("4200"), Active: true}, 60},
		{domain.Medicine{ID: "MED-IBUP-400", Name: "Ibuprofen 400mg", Category: "analgesic", UnitPrice: dec("7400"), Active: true}, 70},
		{domain.Medicine{ID: "MED-ORS-SACH", Name: "Oral Rehydration Salts", Category: "digestive", UnitPrice: dec("2600"), Active: true}, 150},
	}
	for _, item := range seed {
		if _, err := s.CreateMedicine(ctx, item.med, item.qty); err != nil {
			log.Fatalf("[memory-store] seed failed for %s: %v", item.med.ID, err)
		}
	}
	return s
}

func (s *Store) CreateMedicine(_ context.Context, med domain.Medicine, initialStock int) (*domain.Medicine, error) {
	med.ID = strings.ToUpper(strings.TrimSpace(med.ID))
	if med.ID == "" || strings.TrimSpace(med.Name) == "" || !med.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if initialStock < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.medicines[med.ID]; exists {
		return nil, store.ErrConflict
	}

	med.Active = true
	s.medicines[med.ID] = med

	now := time.Now().UTC()
	s.stock[med.ID] = domain.StockItem{MedicineID: med.ID, OnHand: 0, Reserved: 0, UpdatedAt: now}
	if initialStock > 0 {
		s.appendLedgerLocked(med.ID, domain.ActionReceive, initialStock, nil, nil)
		st := s.stock[med.ID]
		st.OnHand += initialStock
		st.UpdatedAt = now
		s.stock[med.ID] = st
	}

	created := med
	return &created, nil
}

func (s *Store) GetMedicine(_ context.Context, medicineID string) (*domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, exists := s.medicines[medicineID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyMed := med
	return &copyMed, nil
}

func (s *Store) ListMedicines(_ context.Context) ([]domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	medicines := make([]domain.Medicine, 0, len(s.medicines))
	for _, med := range s.medicines {
		if !med.Active {
			continue
		}
		medicines = append(medicines, med)
	}
	slices.SortFunc(medicines, func(a, b domain.Medicine) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return medicines, nil
}

func (s *Store) GetStockItem(_ context.Context, medicineID string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.stock[medicineID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySt := st
	return &copySt, nil
}

func (s *Store) ListStockItems(_ context.Context) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stock))
	for _, st := range s.stock {
		items = append(items, st)
	}
	slices.SortFunc(items, func(a, b domain.StockItem) int {
		return cmpString(a.MedicineID, b.MedicineID)
	})
	return items, nil
}

func (s *Store) ReceiveStock(_ context.Context, medicineID string, qty int, purchaseID string) (*domain.StockItem, *domain.LedgerEntry, error) {
	if qty < 1 {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stock[medicineID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}

	var purchaseRef *string
	if strings.TrimSpace(purchaseID) != "" {
		purchaseRef = &purchaseID
	}
	entry := s.appendLedgerLocked(medicineID, domain.ActionReceive, qty, nil, purchaseRef)
	st.OnHand += qty
	st.UpdatedAt = time.Now().UTC()
	s.stock[medicineID] = st

	if err := s.checkIntegrityLocked(medicineID); err != nil {
		return nil, nil, err
	}
	copySt := st
	copyEntry := cloneLedgerEntry(entry)
	return &copySt, &copyEntry, nil
}

func (s *Store) AdjustStock(_ context.Context, medicineID string, target int) (*domain.StockItem, *domain.LedgerEntry, error) {
	if target < 0 {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stock[medicineID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}
	if target < st.Reserved {
		return nil, nil, fmt.Errorf("%w: target on-hand %d below reserved %d for %s",
			store.ErrConflict, target, st.Reserved, medicineID)
	}

	delta := target - st.OnHand
	if delta == 0 {
		copySt := st
		return &copySt, nil, nil
	}

	action := domain.ActionAdjustIn
	if delta < 0 {
		action = domain.ActionAdjustOut
	}
	entry := s.appendLedgerLocked(medicineID, action, delta, nil, nil)
	st.OnHand = target
	st.UpdatedAt = time.Now().UTC()
	s.stock[medicineID] = st

	if err := s.checkIntegrityLocked(medicineID); err != nil {
		return nil, nil, err
	}
	copySt := st
	copyEntry := cloneLedgerEntry(entry)
	return &copySt, &copyEntry, nil
}

func (s *Store) ScrapStock(_ context.Context, medicineID string) (*domain.StockItem, *domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stock[medicineID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}

	scrapQty := st.Available()
	if scrapQty == 0 {
		copySt := st
		return &copySt, nil, nil
	}

	entry := s.appendLedgerLocked(medicineID, domain.ActionScrap, -scrapQty, nil, nil)
	st.OnHand -= scrapQty
	st.UpdatedAt = time.Now().UTC()
	s.stock[medicineID] = st

	if err := s.checkIntegrityLocked(medicineID); err != nil {
		return nil, nil, err
	}
	copySt := st
	copyEntry := cloneLedgerEntry(entry)
	return &copySt, &copyEntry, nil
}

func (s *Store) HoldOrder(_ context.Context, order domain.HeldOrder) (*domain.HeldOrder, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrEmptyOrder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCoverageLocked(order.Lines, nil); err != nil {
		return nil, err
	}

	if order.ID == "" {
		order.ID = xid.New("hold")
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt

	for _, line := range order.Lines {
		s.reserveLocked(order.ID, line.MedicineID, line.Qty, now)
	}
	for _, line := range order.Lines {
		if err := s.checkIntegrityLocked(line.MedicineID); err != nil {
			return nil, err
		}
	}

	s.heldOrdersByID[order.ID] = cloneHeldOrder(order)
	saved := cloneHeldOrder(order)
	return &saved, nil
}

func (s *Store) UpdateHeldOrder(_ context.Context, order domain.HeldOrder) (*domain.HeldOrder, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrEmptyOrder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.heldOrdersByID[order.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := s.checkCoverageLocked(order.Lines, existing.Lines); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, line := range existing.Lines {
		s.releaseLocked(order.ID, line.MedicineID, line.Qty, now)
	}
	for _, line := range order.Lines {
		s.reserveLocked(order.ID, line.MedicineID, line.Qty, now)
	}
	for _, line := range order.Lines {
		if err := s.checkIntegrityLocked(line.MedicineID); err != nil {
			return nil, err
		}
	}

	order.CreatedAt = existing.CreatedAt
	order.UpdatedAt = now
	s.heldOrdersByID[order.ID] = cloneHeldOrder(order)
	saved := cloneHeldOrder(order)
	return &saved, nil
}

func (s *Store) PayOrder(_ context.Context, sale domain.Sale, payment domain.Payment, heldOrderID string) (*domain.Sale, *domain.Payment, error) {
	if len(sale.Lines) == 0 {
		return nil, nil, store.ErrEmptyOrder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var heldLines []domain.OrderLine
	if heldOrderID != "" {
		held, exists := s.heldOrdersByID[heldOrderID]
		if !exists {
			return nil, nil, store.ErrNotFound
		}
		heldLines = held.Lines
	}

	if err := s.checkCoverageLocked(sale.Lines, heldLines); err != nil {
		return nil, nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	now := time.Now().UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}

	if heldOrderID != "" {
		for _, line := range heldLines {
			s.releaseLocked(heldOrderID, line.MedicineID, line.Qty, now)
		}
		delete(s.heldOrdersByID, heldOrderID)
		s.clearSaleRefsLocked(heldOrderID)
	}

	for _, line := range sale.Lines {
		s.appendLedgerLocked(line.MedicineID, domain.ActionShip, -line.Qty, &sale.ID, nil)
		st := s.stock[line.MedicineID]
		st.OnHand -= line.Qty
		st.UpdatedAt = now
		s.stock[line.MedicineID] = st
	}
	for _, line := range sale.Lines {
		if err := s.checkIntegrityLocked(line.MedicineID); err != nil {
			return nil, nil, err
		}
	}

	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	payment.SaleID = sale.ID
	payment.Status = domain.PaymentStatusCompleted
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}

	s.salesByID[sale.ID] = cloneSale(sale)
	s.paymentsByID[payment.ID] = payment

	savedSale := cloneSale(sale)
	savedPayment := payment
	return &savedSale, &savedPayment, nil
}

func (s *Store) DeleteHeldOrder(_ context.Context, heldOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.heldOrdersByID[heldOrderID]
	if !exists {
		return store.ErrNotFound
	}

	now := time.Now().UTC()
	for _, line := range held.Lines {
		s.releaseLocked(heldOrderID, line.MedicineID, line.Qty, now)
	}
	for _, line := range held.Lines {
		if err := s.checkIntegrityLocked(line.MedicineID); err != nil {
			return err
		}
	}
	delete(s.heldOrdersByID, heldOrderID)
	s.clearSaleRefsLocked(heldOrderID)
	return nil
}

func (s *Store) GetHeldOrder(_ context.Context, heldOrderID string) (*domain.HeldOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held, exists := s.heldOrdersByID[heldOrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyHeld := cloneHeldOrder(held)
	return &copyHeld, nil
}

func (s *Store) ListHeldOrders(_ context.Context) ([]domain.HeldOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldOrder, 0, len(s.heldOrdersByID))
	for _, held := range s.heldOrdersByID {
		result = append(result, cloneHeldOrder(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListStaleHeldOrders(_ context.Context, before time.Time, limit int) ([]domain.HeldOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.HeldOrder, 0, limit)
	for _, held := range s.heldOrdersByID {
		if !held.UpdatedAt.Before(before) {
			continue
		}
		result = append(result, cloneHeldOrder(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldOrder) int {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.UpdatedAt.Before(b.UpdatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListLedger(_ context.Context, medicineID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.LedgerEntry, 0, limit)
	for i := len(s.ledger) - 1; i >= 0; i-- {
		entry := s.ledger[i]
		if medicineID != "" && entry.MedicineID != medicineID {
			continue
		}
		result = append(result, cloneLedgerEntry(entry))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.StaffAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.StaffAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// checkCoverageLocked verifies that every requested line can be covered by
// the live available balance. The caller's own outstanding reservation
// (releasedLines) counts as available, since it will be released before the
// new lines apply. Nothing is mutated; a nil return means the subsequent
// apply cannot fail a balance check.
func (s *Store) checkCoverageLocked(lines []domain.OrderLine, releasedLines []domain.OrderLine) error {
	releasedQty := make(map[string]int, len(releasedLines))
	for _, line := range releasedLines {
		releasedQty[line.MedicineID] += line.Qty
	}

	requestedQty := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Qty < 1 {
			return store.ErrInvalidInput
		}
		med, exists := s.medicines[line.MedicineID]
		if !exists || !med.Active {
			return fmt.Errorf("medicine %s: %w", line.MedicineID, store.ErrNotFound)
		}
		requestedQty[line.MedicineID] += line.Qty
	}

	for _, line := range lines {
		requested, pending := requestedQty[line.MedicineID]
		if !pending {
			continue
		}
		delete(requestedQty, line.MedicineID)
		st := s.stock[line.MedicineID]
		available := st.Available() + releasedQty[line.MedicineID]
		if requested > available {
			return &store.InsufficientStockError{
				MedicineID: line.MedicineID,
				Requested:  requested,
				Available:  available,
			}
		}
	}
	return nil
}

func (s *Store) reserveLocked(orderID string, medicineID string, qty int, now time.Time) {
	s.appendLedgerLocked(medicineID, domain.ActionReserve, -qty, &orderID, nil)
	st := s.stock[medicineID]
	st.Reserved += qty
	st.UpdatedAt = now
	s.stock[medicineID] = st
}

func (s *Store) releaseLocked(orderID string, medicineID string, qty int, now time.Time) {
	s.appendLedgerLocked(medicineID, domain.ActionRelease, qty, &orderID, nil)
	st := s.stock[medicineID]
	st.Reserved -= qty
	st.UpdatedAt = now
	s.stock[medicineID] = st
}

// appendLedgerLocked records one movement. It reads the available balance
// before the caller mutates the stock item, so QtyBefore is the pre-change
// available and QtyAfter the post-change available.
func (s *Store) appendLedgerLocked(medicineID string, action domain.LedgerAction, delta int, saleID *string, purchaseID *string) domain.LedgerEntry {
	before := s.stock[medicineID].Available()
	entry := domain.LedgerEntry{
		ID:         xid.New("led"),
		MedicineID: medicineID,
		Action:     action,
		QtyDelta:   delta,
		QtyBefore:  before,
		QtyAfter:   before + delta,
		CreatedAt:  time.Now().UTC(),
	}
	if saleID != nil {
		ref := *saleID
		entry.SaleID = &ref
	}
	if purchaseID != nil {
		ref := *purchaseID
		entry.PurchaseID = &ref
	}
	s.ledger = append(s.ledger, entry)
	return entry
}

// clearSaleRefsLocked nulls the sale reference on every ledger entry tied
// to a purged held order. The entries themselves stay.
func (s *Store) clearSaleRefsLocked(orderID string) {
	for i := range s.ledger {
		if s.ledger[i].SaleID != nil && *s.ledger[i].SaleID == orderID {
			s.ledger[i].SaleID = nil
		}
	}
}

func (s *Store) checkIntegrityLocked(medicineID string) error {
	st := s.stock[medicineID]
	if st.OnHand < 0 || st.Reserved < 0 || st.Reserved > st.OnHand {
		log.Printf("[memory-store] integrity violation on %s: on_hand=%d reserved=%d",
			medicineID, st.OnHand, st.Reserved)
		return fmt.Errorf("%w: %s on_hand=%d reserved=%d",
			store.ErrIntegrityViolation, medicineID, st.OnHand, st.Reserved)
	}
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneHeldOrder(src domain.HeldOrder) domain.HeldOrder {
	dup := src
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return dup
}

func cloneLedgerEntry(src domain.LedgerEntry) domain.LedgerEntry {
	dup := src
	if src.SaleID != nil {
		ref := *src.SaleID
		dup.SaleID = &ref
	}
	if src.PurchaseID != nil {
		ref := *src.PurchaseID
		dup.PurchaseID = &ref
	}
	return dup
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

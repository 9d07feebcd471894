package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"apotekpos/internal/cache"
	"apotekpos/internal/domain"
	"apotekpos/internal/store"
	"apotekpos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	availability    cache.AvailabilityCache
	availabilityTTL time.Duration
}

func New(repo store.Repository, availability cache.AvailabilityCache) *Service {
	if availability == nil {
		availability = cache.NoopAvailabilityCache{}
	}

	return &Service{
		repo:            repo,
		availability:    availability,
		availabilityTTL: 30 * time.Second,
	}
}

func (s *Service) ListMedicines(ctx context.Context) ([]domain.Medicine, error) {
	return s.repo.ListMedicines(ctx)
}

func (s *Service) CreateMedicine(ctx context.Context, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Medicine{}, fmt.Errorf("admin role required")
	}

	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.ID == "" || req.Name == "" || req.Category == "" {
		return domain.Medicine{}, store.ErrInvalidInput
	}
	if !req.UnitPrice.IsPositive() || req.InitialStock < 0 {
		return domain.Medicine{}, store.ErrInvalidInput
	}

	med := domain.Medicine{
		ID:        req.ID,
		Name:      req.Name,
		Category:  req.Category,
		UnitPrice: req.UnitPrice,
		Active:    true,
	}

	created, err := s.repo.CreateMedicine(ctx, med, req.InitialStock)
	if err != nil {
		return domain.Medicine{}, err
	}

	s.logAudit(ctx, "medicine_create", "medicine", created.ID, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.UnitPrice, req.InitialStock))
	s.invalidateAvailability(ctx, created.ID)
	return *created, nil
}

func (s *Service) GetMedicine(ctx context.Context, medicineID string) (domain.Medicine, error) {
	medicineID = strings.ToUpper(strings.TrimSpace(medicineID))
	if medicineID == "" {
		return domain.Medicine{}, store.ErrInvalidInput
	}

	med, err := s.repo.GetMedicine(ctx, medicineID)
	if err != nil {
		return domain.Medicine{}, err
	}
	return *med, nil
}

func (s *Service) ListStock(ctx context.Context) ([]domain.StockItem, error) {
	return s.repo.ListStockItems(ctx)
}

// GetAvailability serves the live available balance, consulting the cache
// first. Cache failures degrade to a repository read.
func (s *Service) GetAvailability(ctx context.Context, medicineID string) (domain.AvailabilityResponse, error) {
	medicineID = strings.ToUpper(strings.TrimSpace(medicineID))
	if medicineID == "" {
		return domain.AvailabilityResponse{}, store.ErrInvalidInput
	}

	cached, ok, err := s.availability.Get(ctx, medicineID)
	if err != nil {
		log.Printf("[service] WARN: availability cache read failed medicine=%s: %v", medicineID, err)
	}
	if ok && cached != nil {
		return *cached, nil
	}

	item, err := s.repo.GetStockItem(ctx, medicineID)
	if err != nil {
		return domain.AvailabilityResponse{}, err
	}

	resp := domain.AvailabilityResponse{
		MedicineID: item.MedicineID,
		Available:  item.Available(),
		OnHand:     item.OnHand,
		Reserved:   item.Reserved,
	}
	if err := s.availability.Set(ctx, medicineID, &resp, s.availabilityTTL); err != nil {
		log.Printf("[service] WARN: availability cache write failed medicine=%s: %v", medicineID, err)
	}
	return resp, nil
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.StockMutationResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMutationResponse{}, fmt.Errorf("admin role required")
	}

	req.MedicineID = strings.ToUpper(strings.TrimSpace(req.MedicineID))
	req.PurchaseID = strings.TrimSpace(req.PurchaseID)
	if req.MedicineID == "" || req.Qty < 1 {
		return domain.StockMutationResponse{}, store.ErrInvalidInput
	}

	item, entry, err := s.repo.ReceiveStock(ctx, req.MedicineID, req.Qty, req.PurchaseID)
	if err != nil {
		return domain.StockMutationResponse{}, err
	}

	s.logAudit(ctx, "stock_receive", "stock", req.MedicineID, fmt.Sprintf("qty=%d,purchase=%s", req.Qty, req.PurchaseID))
	s.invalidateAvailability(ctx, req.MedicineID)
	return domain.StockMutationResponse{Stock: *item, LedgerEntry: entry}, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.StockMutationResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMutationResponse{}, fmt.Errorf("admin role required")
	}

	req.MedicineID = strings.ToUpper(strings.TrimSpace(req.MedicineID))
	if req.MedicineID == "" || req.TargetOnHand < 0 {
		return domain.StockMutationResponse{}, store.ErrInvalidInput
	}

	item, entry, err := s.repo.AdjustStock(ctx, req.MedicineID, req.TargetOnHand)
	if err != nil {
		return domain.StockMutationResponse{}, err
	}

	delta := 0
	if entry != nil {
		delta = entry.QtyDelta
	}
	s.logAudit(ctx, "stock_adjust", "stock", req.MedicineID, fmt.Sprintf("target=%d,delta=%d", req.TargetOnHand, delta))
	s.invalidateAvailability(ctx, req.MedicineID)
	return domain.StockMutationResponse{Stock: *item, LedgerEntry: entry}, nil
}

func (s *Service) ScrapStock(ctx context.Context, medicineID string) (domain.StockMutationResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockMutationResponse{}, fmt.Errorf("admin role required")
	}

	medicineID = strings.ToUpper(strings.TrimSpace(medicineID))
	if medicineID == "" {
		return domain.StockMutationResponse{}, store.ErrInvalidInput
	}

	item, entry, err := s.repo.ScrapStock(ctx, medicineID)
	if err != nil {
		return domain.StockMutationResponse{}, err
	}

	scrapped := 0
	if entry != nil {
		scrapped = -entry.QtyDelta
	}
	s.logAudit(ctx, "stock_scrap", "stock", medicineID, fmt.Sprintf("qty=%d", scrapped))
	s.invalidateAvailability(ctx, medicineID)
	return domain.StockMutationResponse{Stock: *item, LedgerEntry: entry}, nil
}

func (s *Service) HoldOrder(ctx context.Context, req domain.HoldOrderRequest) (domain.HeldOrderResponse, error) {
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.PaymentMethod != "" && !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.HeldOrderResponse{}, store.ErrInvalidInput
	}

	lines, err := s.priceLines(ctx, normalizeLines(req.Lines))
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}
	if len(lines) == 0 {
		return domain.HeldOrderResponse{}, store.ErrEmptyOrder
	}

	total, err := computeTotal(lines, req.Discount)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}

	actor, _ := ActorFromContext(ctx)
	staffID := strings.TrimSpace(req.StaffID)
	if staffID == "" {
		staffID = actor.Username
	}

	now := time.Now().UTC()
	order := domain.HeldOrder{
		ID:            xid.New("hold"),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		StaffID:       staffID,
		Lines:         lines,
		Discount:      req.Discount,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	saved, err := s.repo.HoldOrder(ctx, order)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}

	s.logAudit(ctx, "hold_create", "held_order", saved.ID, fmt.Sprintf("lines=%d,total=%s", len(saved.Lines), saved.Total))
	s.invalidateAvailability(ctx, lineMedicineIDs(saved.Lines)...)
	return domain.HeldOrderResponse{HeldOrder: *saved}, nil
}

func (s *Service) UpdateHeldOrder(ctx context.Context, heldOrderID string, req domain.HoldOrderRequest) (domain.HeldOrderResponse, error) {
	heldOrderID = strings.TrimSpace(heldOrderID)
	if heldOrderID == "" {
		return domain.HeldOrderResponse{}, store.ErrInvalidInput
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.PaymentMethod != "" && !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.HeldOrderResponse{}, store.ErrInvalidInput
	}

	existing, err := s.repo.GetHeldOrder(ctx, heldOrderID)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}

	lines, err := s.priceLines(ctx, normalizeLines(req.Lines))
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}
	if len(lines) == 0 {
		return domain.HeldOrderResponse{}, store.ErrEmptyOrder
	}

	total, err := computeTotal(lines, req.Discount)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}

	order := *existing
	order.Lines = lines
	order.Discount = req.Discount
	order.Total = total
	if req.PaymentMethod != "" {
		order.PaymentMethod = req.PaymentMethod
	}
	if cust := strings.TrimSpace(req.CustomerID); cust != "" {
		order.CustomerID = cust
	}

	saved, err := s.repo.UpdateHeldOrder(ctx, order)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}

	s.logAudit(ctx, "hold_update", "held_order", saved.ID, fmt.Sprintf("lines=%d,total=%s", len(saved.Lines), saved.Total))
	touched := append(lineMedicineIDs(existing.Lines), lineMedicineIDs(saved.Lines)...)
	s.invalidateAvailability(ctx, touched...)
	return domain.HeldOrderResponse{HeldOrder: *saved}, nil
}

// PayOrder finalizes a sale. With a held order id the request may omit
// lines, in which case the held order's reserved lines are sold as-is;
// amended lines are re-priced and re-checked against live availability.
func (s *Service) PayOrder(ctx context.Context, req domain.PayOrderRequest) (domain.PayOrderResponse, error) {
	req.HeldOrderID = strings.TrimSpace(req.HeldOrderID)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)

	var held *domain.HeldOrder
	if req.HeldOrderID != "" {
		var err error
		held, err = s.repo.GetHeldOrder(ctx, req.HeldOrderID)
		if err != nil {
			return domain.PayOrderResponse{}, err
		}
	}

	var lines []domain.OrderLine
	if len(req.Lines) > 0 {
		var err error
		lines, err = s.priceLines(ctx, normalizeLines(req.Lines))
		if err != nil {
			return domain.PayOrderResponse{}, err
		}
	} else if held != nil {
		lines = held.Lines
	}
	if len(lines) == 0 {
		return domain.PayOrderResponse{}, store.ErrEmptyOrder
	}

	discount := req.Discount
	if len(req.Lines) == 0 && held != nil {
		discount = held.Discount
	}
	total, err := computeTotal(lines, discount)
	if err != nil {
		return domain.PayOrderResponse{}, err
	}

	method := req.PaymentMethod
	if method == "" && held != nil {
		method = held.PaymentMethod
	}
	if !isSupportedPaymentMethod(method) {
		return domain.PayOrderResponse{}, store.ErrInvalidInput
	}

	actor, _ := ActorFromContext(ctx)
	staffID := strings.TrimSpace(req.StaffID)
	if staffID == "" {
		staffID = actor.Username
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" && held != nil {
		customerID = held.CustomerID
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		CustomerID:    customerID,
		StaffID:       staffID,
		Lines:         lines,
		Discount:      discount,
		Total:         total,
		PaymentMethod: method,
		CreatedAt:     time.Now().UTC(),
	}
	payment := domain.Payment{
		ID:        xid.New("pay"),
		SaleID:    sale.ID,
		Amount:    total,
		Method:    method,
		Status:    domain.PaymentStatusCompleted,
		CreatedAt: sale.CreatedAt,
	}

	savedSale, savedPayment, err := s.repo.PayOrder(ctx, sale, payment, req.HeldOrderID)
	if err != nil {
		return domain.PayOrderResponse{}, err
	}

	s.logAudit(ctx, "order_pay", "sale", savedSale.ID, fmt.Sprintf("held=%s,method=%s,total=%s", req.HeldOrderID, method, savedSale.Total))
	touched := lineMedicineIDs(savedSale.Lines)
	if held != nil {
		touched = append(touched, lineMedicineIDs(held.Lines)...)
	}
	s.invalidateAvailability(ctx, touched...)
	return domain.PayOrderResponse{Sale: *savedSale, Payment: *savedPayment}, nil
}

func (s *Service) DeleteHeldOrder(ctx context.Context, heldOrderID string) error {
	heldOrderID = strings.TrimSpace(heldOrderID)
	if heldOrderID == "" {
		return store.ErrInvalidInput
	}

	held, err := s.repo.GetHeldOrder(ctx, heldOrderID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteHeldOrder(ctx, heldOrderID); err != nil {
		return err
	}

	s.logAudit(ctx, "hold_delete", "held_order", heldOrderID, fmt.Sprintf("lines=%d", len(held.Lines)))
	s.invalidateAvailability(ctx, lineMedicineIDs(held.Lines)...)
	return nil
}

func (s *Service) GetHeldOrder(ctx context.Context, heldOrderID string) (domain.HeldOrderResponse, error) {
	heldOrderID = strings.TrimSpace(heldOrderID)
	if heldOrderID == "" {
		return domain.HeldOrderResponse{}, store.ErrInvalidInput
	}

	held, err := s.repo.GetHeldOrder(ctx, heldOrderID)
	if err != nil {
		return domain.HeldOrderResponse{}, err
	}
	return domain.HeldOrderResponse{HeldOrder: *held}, nil
}

func (s *Service) ListHeldOrders(ctx context.Context) (domain.HeldOrderListResponse, error) {
	items, err := s.repo.ListHeldOrders(ctx)
	if err != nil {
		return domain.HeldOrderListResponse{}, err
	}
	return domain.HeldOrderListResponse{Items: items}, nil
}

// ReclaimStaleHeldOrders releases every held order untouched for longer
// than maxAge. Failures on individual orders are logged and skipped so one
// bad row never stalls the sweep.
func (s *Service) ReclaimStaleHeldOrders(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	if maxAge < time.Minute {
		return 0, store.ErrInvalidInput
	}

	before := time.Now().UTC().Add(-maxAge)
	stale, err := s.repo.ListStaleHeldOrders(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, order := range stale {
		if err := s.repo.DeleteHeldOrder(ctx, order.ID); err != nil {
			log.Printf("[service] WARN: failed to reclaim held order %s: %v", order.ID, err)
			continue
		}
		reclaimed++
		s.logAudit(ctx, "hold_reclaim", "held_order", order.ID, fmt.Sprintf("updated_at=%s", order.UpdatedAt.Format(time.RFC3339)))
		s.invalidateAvailability(ctx, lineMedicineIDs(order.Lines)...)
	}
	return reclaimed, nil
}

func (s *Service) ListLedger(ctx context.Context, medicineID string, limit int) (domain.LedgerListResponse, error) {
	medicineID = strings.ToUpper(strings.TrimSpace(medicineID))
	if limit < 1 {
		limit = 200
	}

	entries, err := s.repo.ListLedger(ctx, medicineID, limit)
	if err != nil {
		return domain.LedgerListResponse{}, err
	}
	return domain.LedgerListResponse{MedicineID: medicineID, Entries: entries}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrInvalidInput
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// priceLines resolves each requested line against the catalog. Unit prices
// always come from the stored medicine, never from the request.
func (s *Service) priceLines(ctx context.Context, reqLines []domain.OrderLineRequest) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, 0, len(reqLines))
	for _, rl := range reqLines {
		med, err := s.repo.GetMedicine(ctx, rl.MedicineID)
		if err != nil {
			return nil, err
		}
		if !med.Active {
			return nil, fmt.Errorf("%w: medicine %s is inactive", store.ErrInvalidInput, med.ID)
		}
		if rl.Discount.IsNegative() {
			return nil, store.ErrInvalidInput
		}
		lineSubtotal := med.UnitPrice.Mul(decimal.NewFromInt(int64(rl.Qty)))
		if rl.Discount.GreaterThan(lineSubtotal) {
			return nil, fmt.Errorf("%w: discount exceeds line subtotal for %s", store.ErrInvalidInput, med.ID)
		}
		lines = append(lines, domain.OrderLine{
			MedicineID: med.ID,
			Qty:        rl.Qty,
			UnitPrice:  med.UnitPrice,
			Discount:   rl.Discount,
		})
	}
	return lines, nil
}

func computeTotal(lines []domain.OrderLine, orderDiscount decimal.Decimal) (decimal.Decimal, error) {
	if orderDiscount.IsNegative() {
		return decimal.Zero, store.ErrInvalidInput
	}

	subtotal := decimal.Zero
	for _, line := range lines {
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))).Sub(line.Discount)
		subtotal = subtotal.Add(lineTotal)
	}
	if orderDiscount.GreaterThan(subtotal) {
		return decimal.Zero, fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidInput)
	}
	return subtotal.Sub(orderDiscount), nil
}

func normalizeLines(lines []domain.OrderLineRequest) []domain.OrderLineRequest {
	qty := make(map[string]int, len(lines))
	disc := make(map[string]decimal.Decimal, len(lines))
	for _, line := range lines {
		id := strings.ToUpper(strings.TrimSpace(line.MedicineID))
		if id == "" || line.Qty < 1 {
			continue
		}
		qty[id] += line.Qty
		disc[id] = disc[id].Add(line.Discount)
	}

	ids := make([]string, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	normalized := make([]domain.OrderLineRequest, 0, len(ids))
	for _, id := range ids {
		normalized = append(normalized, domain.OrderLineRequest{MedicineID: id, Qty: qty[id], Discount: disc[id]})
	}
	return normalized
}

func lineMedicineIDs(lines []domain.OrderLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.MedicineID)
	}
	return ids
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet":
		return true
	}
	return false
}

func (s *Service) invalidateAvailability(ctx context.Context, medicineIDs ...string) {
	if len(medicineIDs) == 0 {
		return
	}
	if err := s.availability.Invalidate(ctx, medicineIDs...); err != nil {
		log.Printf("[service] WARN: availability cache invalidation failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

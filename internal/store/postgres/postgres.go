package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"apotekpos/internal/domain"
	"apotekpos/internal/store"
	"apotekpos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateMedicine(ctx context.Context, med domain.Medicine, initialStock int) (*domain.Medicine, error) {
	med.ID = strings.ToUpper(strings.TrimSpace(med.ID))
	if med.ID == "" || strings.TrimSpace(med.Name) == "" || !med.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if initialStock < 0 {
		return nil, store.ErrInvalidInput
	}
	med.Active = true

	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO medicines (id, name, category, unit_price, active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,now(),now())
		`, med.ID, med.Name, med.Category, med.UnitPrice, med.Active)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_items (medicine_id, on_hand, reserved, updated_at)
			VALUES ($1, 0, 0, now())
		`, med.ID)
		if err != nil {
			return err
		}

		if initialStock > 0 {
			if err := insertLedgerEntry(ctx, tx, med.ID, domain.ActionReceive, initialStock, 0, nil, nil); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE stock_items
				SET on_hand = on_hand + $2, updated_at = now()
				WHERE medicine_id = $1
			`, med.ID, initialStock)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created := med
	return &created, nil
}

func (s *Store) GetMedicine(ctx context.Context, medicineID string) (*domain.Medicine, error) {
	var med domain.Medicine
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, unit_price, active
		FROM medicines
		WHERE id = $1
	`, medicineID).Scan(&med.ID, &med.Name, &med.Category, &med.UnitPrice, &med.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &med, nil
}

func (s *Store) ListMedicines(ctx context.Context) ([]domain.Medicine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, unit_price, active
		FROM medicines
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	medicines := make([]domain.Medicine, 0, 128)
	for rows.Next() {
		var med domain.Medicine
		if err := rows.Scan(&med.ID, &med.Name, &med.Category, &med.UnitPrice, &med.Active); err != nil {
			return nil, err
		}
		medicines = append(medicines, med)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return medicines, nil
}

func (s *Store) GetStockItem(ctx context.Context, medicineID string) (*domain.StockItem, error) {
	var st domain.StockItem
	err := s.db.QueryRowContext(ctx, `
		SELECT medicine_id, on_hand, reserved, updated_at
		FROM stock_items
		WHERE medicine_id = $1
	`, medicineID).Scan(&st.MedicineID, &st.OnHand, &st.Reserved, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

func (s *Store) ListStockItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT medicine_id, on_hand, reserved, updated_at
		FROM stock_items
		ORDER BY medicine_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 128)
	for rows.Next() {
		var st domain.StockItem
		if err := rows.Scan(&st.MedicineID, &st.OnHand, &st.Reserved, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.UpdatedAt = st.UpdatedAt.UTC()
		items = append(items, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ReceiveStock(ctx context.Context, medicineID string, qty int, purchaseID string) (*domain.StockItem, *domain.LedgerEntry, error) {
	if qty < 1 {
		return nil, nil, store.ErrInvalidInput
	}

	var resultStock domain.StockItem
	var resultEntry domain.LedgerEntry
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		stockMap, err := lockStock(ctx, tx, []string{medicineID})
		if err != nil {
			return err
		}
		st, ok := stockMap[medicineID]
		if !ok {
			return store.ErrNotFound
		}

		var purchaseRef *string
		if strings.TrimSpace(purchaseID) != "" {
			purchaseRef = &purchaseID
		}
		entry := newLedgerEntry(medicineID, domain.ActionReceive, qty, st.Available(), nil, purchaseRef)
		if err := writeLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := applyStockDelta(ctx, tx, medicineID, qty, 0); err != nil {
			return err
		}
		st, err = verifyIntegrity(ctx, tx, medicineID)
		if err != nil {
			return err
		}
		resultStock = st
		resultEntry = entry
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &resultStock, &resultEntry, nil
}

func (s *Store) AdjustStock(ctx context.Context, medicineID string, target int) (*domain.StockItem, *domain.LedgerEntry, error) {
	if target < 0 {
		return nil, nil, store.ErrInvalidInput
	}

	var resultStock domain.StockItem
	var resultEntry *domain.LedgerEntry
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		resultEntry = nil
		stockMap, err := lockStock(ctx, tx, []string{medicineID})
		if err != nil {
			return err
		}
		st, ok := stockMap[medicineID]
		if !ok {
			return store.ErrNotFound
		}
		if target < st.Reserved {
			return fmt.Errorf("%w: target on-hand %d below reserved %d for %s",
				store.ErrConflict, target, st.Reserved, medicineID)
		}

		delta := target - st.OnHand
		if delta == 0 {
			resultStock = st
			return nil
		}

		action := domain.ActionAdjustIn
		if delta < 0 {
			action = domain.ActionAdjustOut
		}
		entry := newLedgerEntry(medicineID, action, delta, st.Available(), nil, nil)
		if err := writeLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := applyStockDelta(ctx, tx, medicineID, delta, 0); err != nil {
			return err
		}
		st, err = verifyIntegrity(ctx, tx, medicineID)
		if err != nil {
			return err
		}
		resultStock = st
		resultEntry = &entry
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &resultStock, resultEntry, nil
}

func (s *Store) ScrapStock(ctx context.Context, medicineID string) (*domain.StockItem, *domain.LedgerEntry, error) {
	var resultStock domain.StockItem
	var resultEntry *domain.LedgerEntry
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		resultEntry = nil
		stockMap, err := lockStock(ctx, tx, []string{medicineID})
		if err != nil {
			return err
		}
		st, ok := stockMap[medicineID]
		if !ok {
			return store.ErrNotFound
		}

		scrapQty := st.Available()
		if scrapQty == 0 {
			resultStock = st
			return nil
		}

		entry := newLedgerEntry(medicineID, domain.ActionScrap, -scrapQty, scrapQty, nil, nil)
		if err := writeLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := applyStockDelta(ctx, tx, medicineID, -scrapQty, 0); err != nil {
			return err
		}
		st, err = verifyIntegrity(ctx, tx, medicineID)
		if err != nil {
			return err
		}
		resultStock = st
		resultEntry = &entry
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &resultStock, resultEntry, nil
}

func (s *Store) HoldOrder(ctx context.Context, order domain.HeldOrder) (*domain.HeldOrder, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrEmptyOrder
	}
	if order.ID == "" {
		order.ID = xid.New("hold")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		stockMap, err := lockStock(ctx, tx, medicineIDs(order.Lines))
		if err != nil {
			return err
		}
		if err := checkCoverage(stockMap, order.Lines, nil); err != nil {
			return err
		}

		if err := insertHeldOrder(ctx, tx, order); err != nil {
			return err
		}
		if err := reserveLines(ctx, tx, order.ID, order.Lines, stockMap); err != nil {
			return err
		}
		return verifyIntegrityAll(ctx, tx, medicineIDs(order.Lines))
	})
	if err != nil {
		return nil, err
	}
	saved := order
	return &saved, nil
}

func (s *Store) UpdateHeldOrder(ctx context.Context, order domain.HeldOrder) (*domain.HeldOrder, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrEmptyOrder
	}

	var saved domain.HeldOrder
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		existing, err := readHeldOrderForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}

		ids := unionIDs(medicineIDs(order.Lines), medicineIDs(existing.Lines))
		stockMap, err := lockStock(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := checkCoverage(stockMap, order.Lines, existing.Lines); err != nil {
			return err
		}

		if err := releaseLines(ctx, tx, order.ID, existing.Lines, stockMap); err != nil {
			return err
		}
		if err := reserveLines(ctx, tx, order.ID, order.Lines, stockMap); err != nil {
			return err
		}

		order.CreatedAt = existing.CreatedAt
		order.UpdatedAt = time.Now().UTC()
		if err := replaceHeldOrderLines(ctx, tx, order); err != nil {
			return err
		}
		saved = order
		return verifyIntegrityAll(ctx, tx, ids)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) PayOrder(ctx context.Context, sale domain.Sale, payment domain.Payment, heldOrderID string) (*domain.Sale, *domain.Payment, error) {
	if len(sale.Lines) == 0 {
		return nil, nil, store.ErrEmptyOrder
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	payment.SaleID = sale.ID
	payment.Status = domain.PaymentStatusCompleted
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = sale.CreatedAt
	}

	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var heldLines []domain.OrderLine
		if heldOrderID != "" {
			held, err := readHeldOrderForUpdate(ctx, tx, heldOrderID)
			if err != nil {
				return err
			}
			heldLines = held.Lines
		}

		ids := unionIDs(medicineIDs(sale.Lines), medicineIDs(heldLines))
		stockMap, err := lockStock(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := checkCoverage(stockMap, sale.Lines, heldLines); err != nil {
			return err
		}

		if heldOrderID != "" {
			if err := releaseLines(ctx, tx, heldOrderID, heldLines, stockMap); err != nil {
				return err
			}
			if err := purgeHeldOrder(ctx, tx, heldOrderID); err != nil {
				return err
			}
		}

		for _, line := range sale.Lines {
			st := stockMap[line.MedicineID]
			entry := newLedgerEntry(line.MedicineID, domain.ActionShip, -line.Qty, st.Available(), &sale.ID, nil)
			if err := writeLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}
			if err := applyStockDelta(ctx, tx, line.MedicineID, -line.Qty, 0); err != nil {
				return err
			}
			st.OnHand -= line.Qty
			stockMap[line.MedicineID] = st
		}

		if err := insertSale(ctx, tx, sale, payment); err != nil {
			return err
		}
		return verifyIntegrityAll(ctx, tx, ids)
	})
	if err != nil {
		return nil, nil, err
	}

	savedSale := sale
	savedPayment := payment
	return &savedSale, &savedPayment, nil
}

func (s *Store) DeleteHeldOrder(ctx context.Context, heldOrderID string) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		held, err := readHeldOrderForUpdate(ctx, tx, heldOrderID)
		if err != nil {
			return err
		}

		ids := medicineIDs(held.Lines)
		stockMap, err := lockStock(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := releaseLines(ctx, tx, heldOrderID, held.Lines, stockMap); err != nil {
			return err
		}
		if err := purgeHeldOrder(ctx, tx, heldOrderID); err != nil {
			return err
		}
		return verifyIntegrityAll(ctx, tx, ids)
	})
}

func (s *Store) GetHeldOrder(ctx context.Context, heldOrderID string) (*domain.HeldOrder, error) {
	var held domain.HeldOrder
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at, updated_at
		FROM held_orders
		WHERE id = $1
	`, heldOrderID).Scan(
		&held.ID,
		&customerID,
		&held.StaffID,
		&held.Discount,
		&held.Total,
		&held.PaymentMethod,
		&held.CreatedAt,
		&held.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		held.CustomerID = customerID.String
	}
	held.CreatedAt = held.CreatedAt.UTC()
	held.UpdatedAt = held.UpdatedAt.UTC()

	held.Lines, err = s.readOrderLines(ctx, "held_order_lines", "held_order_id", held.ID)
	if err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) ListHeldOrders(ctx context.Context) ([]domain.HeldOrder, error) {
	return s.listHeldOrders(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at, updated_at
		FROM held_orders
		ORDER BY created_at DESC
	`)
}

func (s *Store) ListStaleHeldOrders(ctx context.Context, before time.Time, limit int) ([]domain.HeldOrder, error) {
	if limit < 1 {
		limit = 100
	}
	return s.listHeldOrders(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at, updated_at
		FROM held_orders
		WHERE updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before, limit)
}

func (s *Store) listHeldOrders(ctx context.Context, query string, args ...any) ([]domain.HeldOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.HeldOrder, 0, 32)
	for rows.Next() {
		var held domain.HeldOrder
		var customerID sql.NullString
		if err := rows.Scan(
			&held.ID,
			&customerID,
			&held.StaffID,
			&held.Discount,
			&held.Total,
			&held.PaymentMethod,
			&held.CreatedAt,
			&held.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			held.CustomerID = customerID.String
		}
		held.CreatedAt = held.CreatedAt.UTC()
		held.UpdatedAt = held.UpdatedAt.UTC()
		result = append(result, held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		result[i].Lines, err = s.readOrderLines(ctx, "held_order_lines", "held_order_id", result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) ListLedger(ctx context.Context, medicineID string, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medicine_id, sale_id, purchase_id, action, qty_delta, qty_before, qty_after, created_at
		FROM stock_ledger
		WHERE ($1 = '' OR medicine_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, medicineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.LedgerEntry
		var saleID sql.NullString
		var purchaseID sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.MedicineID,
			&saleID,
			&purchaseID,
			&entry.Action,
			&entry.QtyDelta,
			&entry.QtyBefore,
			&entry.QtyAfter,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if saleID.Valid {
			ref := saleID.String
			entry.SaleID = &ref
		}
		if purchaseID.Valid {
			ref := purchaseID.String
			entry.PurchaseID = &ref
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(
		&sale.ID,
		&customerID,
		&sale.StaffID,
		&sale.Discount,
		&sale.Total,
		&sale.PaymentMethod,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	sale.Lines, err = s.readOrderLines(ctx, "sale_lines", "sale_id", sale.ID)
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at
		FROM sales
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		if err := rows.Scan(
			&sale.ID,
			&customerID,
			&sale.StaffID,
			&sale.Discount,
			&sale.Total,
			&sale.PaymentMethod,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		result = append(result, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		result[i].Lines, err = s.readOrderLines(ctx, "sale_lines", "sale_id", result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.StaffAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.StaffAccount, error) {
	var user domain.StaffAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.StaffAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.StaffAccount, 0, 16)
	for rows.Next() {
		var user domain.StaffAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// withSerializableRetry runs fn inside a serializable transaction, retrying
// a bounded number of times on serialization failures and deadlocks.
func (s *Store) withSerializableRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		log.Printf("[postgres-store] retrying after serialization failure (attempt %d/%d): %v", i+1, attempts, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockStock reads the stock rows for the given medicines with FOR UPDATE.
// IDs are locked in ascending order so concurrent multi-line operations
// cannot deadlock each other.
func lockStock(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.StockItem, error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	rows, err := tx.QueryContext(ctx, `
		SELECT medicine_id, on_hand, reserved, updated_at
		FROM stock_items
		WHERE medicine_id = ANY($1)
		ORDER BY medicine_id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stockMap := make(map[string]domain.StockItem, len(sorted))
	for rows.Next() {
		var st domain.StockItem
		if err := rows.Scan(&st.MedicineID, &st.OnHand, &st.Reserved, &st.UpdatedAt); err != nil {
			return nil, err
		}
		stockMap[st.MedicineID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stockMap, nil
}

// checkCoverage verifies the requested lines against the locked balances.
// releasedLines are the caller's own outstanding reservation, which will be
// released before the new lines apply, so they count as available.
func checkCoverage(stockMap map[string]domain.StockItem, lines []domain.OrderLine, releasedLines []domain.OrderLine) error {
	releasedQty := make(map[string]int, len(releasedLines))
	for _, line := range releasedLines {
		releasedQty[line.MedicineID] += line.Qty
	}

	requestedQty := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Qty < 1 {
			return store.ErrInvalidInput
		}
		requestedQty[line.MedicineID] += line.Qty
	}

	for _, line := range lines {
		requested, pending := requestedQty[line.MedicineID]
		if !pending {
			continue
		}
		delete(requestedQty, line.MedicineID)
		st, exists := stockMap[line.MedicineID]
		if !exists {
			return fmt.Errorf("medicine %s: %w", line.MedicineID, store.ErrNotFound)
		}
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

func reserveLines(ctx context.Context, tx *sql.Tx, orderID string, lines []domain.OrderLine, stockMap map[string]domain.StockItem) error {
	for _, line := range lines {
		st := stockMap[line.MedicineID]
		entry := newLedgerEntry(line.MedicineID, domain.ActionReserve, -line.Qty, st.Available(), &orderID, nil)
		if err := writeLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := applyStockDelta(ctx, tx, line.MedicineID, 0, line.Qty); err != nil {
			return err
		}
		st.Reserved += line.Qty
		stockMap[line.MedicineID] = st
	}
	return nil
}

func releaseLines(ctx context.Context, tx *sql.Tx, orderID string, lines []domain.OrderLine, stockMap map[string]domain.StockItem) error {
	for _, line := range lines {
		st := stockMap[line.MedicineID]
		entry := newLedgerEntry(line.MedicineID, domain.ActionRelease, line.Qty, st.Available(), &orderID, nil)
		if err := writeLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := applyStockDelta(ctx, tx, line.MedicineID, 0, -line.Qty); err != nil {
			return err
		}
		st.Reserved -= line.Qty
		stockMap[line.MedicineID] = st
	}
	return nil
}

func applyStockDelta(ctx context.Context, tx *sql.Tx, medicineID string, onHandDelta int, reservedDelta int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stock_items
		SET on_hand = on_hand + $2, reserved = reserved + $3, updated_at = now()
		WHERE medicine_id = $1
	`, medicineID, onHandDelta, reservedDelta)
	return err
}

// newLedgerEntry captures the available balance around one movement:
// availableBefore is read under the row lock before the stock mutation.
func newLedgerEntry(medicineID string, action domain.LedgerAction, delta int, availableBefore int, saleID *string, purchaseID *string) domain.LedgerEntry {
	entry := domain.LedgerEntry{
		ID:         xid.New("led"),
		MedicineID: medicineID,
		Action:     action,
		QtyDelta:   delta,
		QtyBefore:  availableBefore,
		QtyAfter:   availableBefore + delta,
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
	return entry
}

func writeLedgerEntry(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (id, medicine_id, sale_id, purchase_id, action, qty_delta, qty_before, qty_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.MedicineID, nullStringPtr(entry.SaleID), nullStringPtr(entry.PurchaseID),
		string(entry.Action), entry.QtyDelta, entry.QtyBefore, entry.QtyAfter, entry.CreatedAt)
	return err
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, medicineID string, action domain.LedgerAction, delta int, availableBefore int, saleID *string, purchaseID *string) error {
	return writeLedgerEntry(ctx, tx, newLedgerEntry(medicineID, action, delta, availableBefore, saleID, purchaseID))
}

func insertHeldOrder(ctx context.Context, tx *sql.Tx, order domain.HeldOrder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO held_orders (id, customer_id, staff_id, discount, total, payment_method, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, order.ID, nullIfEmpty(order.CustomerID), order.StaffID, order.Discount, order.Total,
		order.PaymentMethod, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return insertOrderLines(ctx, tx, "held_order_lines", "held_order_id", order.ID, order.Lines)
}

func replaceHeldOrderLines(ctx context.Context, tx *sql.Tx, order domain.HeldOrder) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE held_orders
		SET customer_id = $2, staff_id = $3, discount = $4, total = $5, payment_method = $6, updated_at = $7
		WHERE id = $1
	`, order.ID, nullIfEmpty(order.CustomerID), order.StaffID, order.Discount, order.Total,
		order.PaymentMethod, order.UpdatedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM held_order_lines WHERE held_order_id = $1`, order.ID)
	if err != nil {
		return err
	}
	return insertOrderLines(ctx, tx, "held_order_lines", "held_order_id", order.ID, order.Lines)
}

func readHeldOrderForUpdate(ctx context.Context, tx *sql.Tx, heldOrderID string) (*domain.HeldOrder, error) {
	var held domain.HeldOrder
	var customerID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, customer_id, staff_id, discount, total, payment_method, created_at, updated_at
		FROM held_orders
		WHERE id = $1
		FOR UPDATE
	`, heldOrderID).Scan(
		&held.ID,
		&customerID,
		&held.StaffID,
		&held.Discount,
		&held.Total,
		&held.PaymentMethod,
		&held.CreatedAt,
		&held.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		held.CustomerID = customerID.String
	}
	held.CreatedAt = held.CreatedAt.UTC()
	held.UpdatedAt = held.UpdatedAt.UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT medicine_id, qty, unit_price, discount
		FROM held_order_lines
		WHERE held_order_id = $1
		ORDER BY id ASC
	`, heldOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.MedicineID, &line.Qty, &line.UnitPrice, &line.Discount); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	held.Lines = lines
	return &held, nil
}

// purgeHeldOrder removes the held order and clears the order's reference on
// its ledger entries. The entries themselves stay in place.
func purgeHeldOrder(ctx context.Context, tx *sql.Tx, heldOrderID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stock_ledger SET sale_id = NULL WHERE sale_id = $1
	`, heldOrderID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM held_order_lines WHERE held_order_id = $1`, heldOrderID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM held_orders WHERE id = $1`, heldOrderID)
	return err
}

func insertSale(ctx context.Context, tx *sql.Tx, sale domain.Sale, payment domain.Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, staff_id, discount, total, payment_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, nullIfEmpty(sale.CustomerID), sale.StaffID, sale.Discount, sale.Total,
		sale.PaymentMethod, sale.CreatedAt)
	if err != nil {
		return err
	}
	if err := insertOrderLines(ctx, tx, "sale_lines", "sale_id", sale.ID, sale.Lines); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, sale_id, amount, method, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, payment.ID, payment.SaleID, payment.Amount, payment.Method, payment.Status, payment.CreatedAt)
	return err
}

func insertOrderLines(ctx context.Context, tx *sql.Tx, table string, refColumn string, refID string, lines []domain.OrderLine) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, medicine_id, qty, unit_price, discount)
		VALUES ($1,$2,$3,$4,$5)
	`, table, refColumn)
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, query, refID, line.MedicineID, line.Qty, line.UnitPrice, line.Discount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readOrderLines(ctx context.Context, table string, refColumn string, refID string) ([]domain.OrderLine, error) {
	query := fmt.Sprintf(`
		SELECT medicine_id, qty, unit_price, discount
		FROM %s
		WHERE %s = $1
		ORDER BY id ASC
	`, table, refColumn)
	rows, err := s.db.QueryContext(ctx, query, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.MedicineID, &line.Qty, &line.UnitPrice, &line.Discount); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// verifyIntegrity re-reads a mutated stock row and refuses to commit when
// the balances went inconsistent. The transaction rolls back on error, so a
// violation never reaches disk.
func verifyIntegrity(ctx context.Context, tx *sql.Tx, medicineID string) (domain.StockItem, error) {
	var st domain.StockItem
	err := tx.QueryRowContext(ctx, `
		SELECT medicine_id, on_hand, reserved, updated_at
		FROM stock_items
		WHERE medicine_id = $1
	`, medicineID).Scan(&st.MedicineID, &st.OnHand, &st.Reserved, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	if st.OnHand < 0 || st.Reserved < 0 || st.Reserved > st.OnHand {
		log.Printf("[postgres-store] integrity violation on %s: on_hand=%d reserved=%d",
			medicineID, st.OnHand, st.Reserved)
		return st, fmt.Errorf("%w: %s on_hand=%d reserved=%d",
			store.ErrIntegrityViolation, medicineID, st.OnHand, st.Reserved)
	}
	return st, nil
}

func verifyIntegrityAll(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := verifyIntegrity(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func medicineIDs(lines []domain.OrderLine) []string {
	if len(lines) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.MedicineID == "" {
			continue
		}
		set[line.MedicineID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func unionIDs(a []string, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullStringPtr(val *string) any {
	if val == nil {
		return nil
	}
	return *val
}

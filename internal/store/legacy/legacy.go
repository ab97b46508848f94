package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"possync/internal/domain"
	"possync/internal/store"
)

const markChunkSize = 500

type Options struct {
	OutletID string
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

type Store struct {
	db       *sql.DB
	dialect  Dialect
	outletID string
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

var _ store.SourceStore = (*Store)(nil)

func New(ctx context.Context, dialect Dialect, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, err
	}

	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxIdleConns(2)
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, dialect, opts), nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB, dialect Dialect, opts Options) *Store {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:       db,
		dialect:  dialect,
		outletID: opts.OutletID,
		loc:      opts.Location,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type saleHeader struct {
	billID          string
	saleID          string
	paymentType     sql.NullString
	paymentAmount   decimal.NullDecimal
	saleDate        sql.NullTime
	saleTime        sql.NullTime
	orderType       sql.NullString
	billType        sql.NullString
	discount        decimal.NullDecimal
	discountAmount  decimal.NullDecimal
	gst             decimal.NullDecimal
	serviceCharges  decimal.NullDecimal
	deliveryCharges decimal.NullDecimal
	tip             decimal.NullDecimal
	posFee          decimal.NullDecimal
	priceType       sql.NullString
	customerName    sql.NullString
	customerPhone   sql.NullString
	branchID        sql.NullInt64
}

func (s *Store) ReadPendingOrders(ctx context.Context, batchSize int, minOccurredAt *time.Time, maxOccurredAt *time.Time) ([]domain.SaleOrder, error) {
	if batchSize < 1 {
		return nil, store.ErrInvalidBatch
	}

	headers, err := s.readPendingHeaders(ctx, batchSize, minOccurredAt, maxOccurredAt)
	if err != nil {
		return nil, fmt.Errorf("read pending headers: %w", err)
	}

	orders := make([]domain.SaleOrder, 0, len(headers))
	for _, h := range headers {
		order, err := s.buildOrder(ctx, h)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// readPendingHeaders drains the header cursor before any detail query runs so
// single-connection pools never wait on themselves.
func (s *Store) readPendingHeaders(ctx context.Context, batchSize int, minOccurredAt *time.Time, maxOccurredAt *time.Time) ([]saleHeader, error) {
	d := s.dialect
	a := &args{dialect: d}

	var b strings.Builder
	b.WriteString("SELECT ")
	if d.useTop {
		fmt.Fprintf(&b, "TOP (%s) ", a.add(batchSize))
	}
	b.WriteString(`bt.id, bt.saleid, bt.type, bt.Amount,
		s.Date, s.time, s.OrderType, s.BillType, s.Discount, s.DiscountAmount, s.GST,
		s.servicecharges, s.DeliveryCharges, s.Tip, s.POSFee, s.PriceType,
		s.Customer, s.phone, s.branchid
	FROM `)
	b.WriteString(d.table("BillType", "bt"))
	b.WriteString(" JOIN ")
	b.WriteString(d.table("Sale", "s"))
	b.WriteString(" ON s.Id = bt.saleid")
	b.WriteString(" WHERE (bt.uploadStatus IS NULL OR bt.uploadStatus = 'Pending')")
	if minOccurredAt != nil {
		fmt.Fprintf(&b, " AND %s >= %s", d.occurredAt, d.timeParam(a.add(d.bindTime(minOccurredAt.In(s.loc)))))
	}
	if maxOccurredAt != nil {
		fmt.Fprintf(&b, " AND %s <= %s", d.occurredAt, d.timeParam(a.add(d.bindTime(maxOccurredAt.In(s.loc)))))
	}
	b.WriteString(" ORDER BY bt.id ASC")
	if !d.useTop {
		fmt.Fprintf(&b, " LIMIT %s", a.add(batchSize))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), a.values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers := make([]saleHeader, 0, batchSize)
	for rows.Next() {
		var h saleHeader
		if err := rows.Scan(
			&h.billID, &h.saleID, &h.paymentType, &h.paymentAmount,
			&h.saleDate, &h.saleTime, &h.orderType, &h.billType, &h.discount, &h.discountAmount, &h.gst,
			&h.serviceCharges, &h.deliveryCharges, &h.tip, &h.posFee, &h.priceType,
			&h.customerName, &h.customerPhone, &h.branchID,
		); err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

func (s *Store) buildOrder(ctx context.Context, h saleHeader) (domain.SaleOrder, error) {
	saleDate := s.now().UTC()
	if h.saleDate.Valid {
		saleDate = h.saleDate.Time
	}
	var saleTime *time.Time
	if h.saleTime.Valid {
		saleTime = &h.saleTime.Time
	}

	var branchID *int
	if h.branchID.Valid {
		val := int(h.branchID.Int64)
		branchID = &val
	}

	items, err := s.loadLineItems(ctx, h.saleID)
	if err != nil {
		return domain.SaleOrder{}, fmt.Errorf("load line items for sale %s: %w", h.saleID, err)
	}
	inventory, err := s.loadInventoryConsumed(ctx, saleDate, branchID, h.billID, h.saleID)
	if err != nil {
		return domain.SaleOrder{}, fmt.Errorf("load inventory for sale %s: %w", h.saleID, err)
	}

	payments := make([]domain.Payment, 0, 1)
	if h.paymentAmount.Valid {
		method := strings.TrimSpace(h.paymentType.String)
		if method == "" {
			method = "Unknown"
		}
		payments = append(payments, domain.Payment{Method: method, Amount: h.paymentAmount.Decimal})
	}

	return domain.SaleOrder{
		PosOrderID:          h.billID,
		PosSaleID:           h.saleID,
		OutletID:            s.outletID,
		SourceEventID:       domain.SourceEventID(s.outletID, h.billID),
		OccurredAt:          domain.CombineOccurredAt(saleDate, saleTime, s.loc),
		OrderType:           h.orderType.String,
		BillType:            h.billType.String,
		PriceType:           h.priceType.String,
		TotalDiscount:       h.discount,
		TotalDiscountAmount: h.discountAmount,
		TotalGST:            h.gst,
		ServiceCharges:      h.serviceCharges,
		DeliveryCharges:     h.deliveryCharges,
		Tip:                 h.tip,
		PosFee:              h.posFee,
		BranchID:            branchID,
		Items:               items,
		Payments:            payments,
		Customer:            domain.NewCustomer(h.customerName.String, h.customerPhone.String),
		Inventory:           inventory,
	}, nil
}

func (s *Store) loadLineItems(ctx context.Context, saleID string) ([]domain.LineItem, error) {
	d := s.dialect
	a := &args{dialect: d}
	query := `SELECT sd.MenuItemId, mi.Name, sd.Quantity, sd.Price, sd.Itemdiscount, sd.ItemGst, sd.FlavourId, sd.ModifierId
		FROM ` + d.table("Saledetails", "sd") + `
		LEFT JOIN ` + d.table("MenuItem", "mi") + ` ON mi.Id = sd.MenuItemId
		WHERE sd.saleid = ` + a.add(sqlID(saleID))

	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0, 8)
	for rows.Next() {
		var (
			itemID     sql.NullString
			name       sql.NullString
			qty        decimal.NullDecimal
			unitPrice  decimal.NullDecimal
			discount   decimal.NullDecimal
			tax        decimal.NullDecimal
			flavourID  sql.NullString
			modifierID sql.NullString
		)
		if err := rows.Scan(&itemID, &name, &qty, &unitPrice, &discount, &tax, &flavourID, &modifierID); err != nil {
			return nil, err
		}
		item := domain.NewLineItem(itemID.String, name.String, qty.Decimal, unitPrice.Decimal, discount.Decimal, tax.Decimal)
		item.FlavourID = nullString(flavourID)
		item.ModifierID = nullString(modifierID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// loadInventoryConsumed associates consumption rows with a sale by calendar
// date and, when the sale carries one, branch. The legacy schema has no key
// linking the two, so a sale without a branch matches every pending row of the
// day and each row is annotated accordingly.
func (s *Store) loadInventoryConsumed(ctx context.Context, saleDate time.Time, branchID *int, billID string, saleID string) ([]domain.InventoryConsumption, error) {
	d := s.dialect
	a := &args{dialect: d}

	var b strings.Builder
	b.WriteString("SELECT ic.Id, ic.RawItemId, ic.QuantityConsumed, ic.RemainingQuantity, ic.Date, ic.kdsid, ic.typec FROM ")
	b.WriteString(d.table("InventoryConsumed", "ic"))
	b.WriteString(" WHERE (ic.uploadstatus IS NULL OR ic.uploadstatus = 'Pending')")
	fmt.Fprintf(&b, " AND %s = %s", d.dateOf("ic.Date"), d.dateOf(a.add(saleDate.Format("2006-01-02"))))

	match := domain.MatchDateAndBranch
	note := ""
	if branchID != nil {
		fmt.Fprintf(&b, " AND ic.branchid = %s", a.add(*branchID))
	} else {
		match = domain.MatchDateOnly
		note = domain.BranchMissingNote(saleID, billID)
		s.logger.Warn("inventory match using date only; branch id missing",
			slog.String("sale_id", saleID),
			slog.String("bill_id", billID),
			slog.String("sale_date", saleDate.Format("2006-01-02")),
		)
	}
	b.WriteString(" ORDER BY ic.Id ASC")

	rows, err := s.db.QueryContext(ctx, b.String(), a.values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consumed := make([]domain.InventoryConsumption, 0, 16)
	for rows.Next() {
		var (
			id        string
			rawItemID sql.NullString
			qty       decimal.NullDecimal
			remaining decimal.NullDecimal
			posDate   sql.NullTime
			kdsID     sql.NullString
			typeC     sql.NullString
		)
		if err := rows.Scan(&id, &rawItemID, &qty, &remaining, &posDate, &kdsID, &typeC); err != nil {
			return nil, err
		}
		row := domain.InventoryConsumption{
			PosID:             id,
			RawItemID:         rawItemID.String,
			QuantityConsumed:  qty.Decimal,
			RemainingQuantity: remaining,
			KdsID:             nullString(kdsID),
			TypeC:             nullString(typeC),
			BranchID:          branchID,
			Match:             match,
			BranchMissingNote: note,
		}
		if posDate.Valid {
			at := posDate.Time
			row.PosDate = &at
		}
		consumed = append(consumed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *Store) MarkOrderProcessed(ctx context.Context, orderID string, saleID string) error {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(saleID) == "" {
		return store.ErrInvalidID
	}
	err := s.markOrderProcessed(ctx, orderID, saleID)
	if err != nil && isTransientConflict(err) {
		s.logger.Warn("retrying processed flag update after conflict",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		err = s.markOrderProcessed(ctx, orderID, saleID)
	}
	if err != nil {
		return fmt.Errorf("mark order %s processed: %w", orderID, err)
	}
	return nil
}

func (s *Store) markOrderProcessed(ctx context.Context, orderID string, saleID string) error {
	d := s.dialect
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	statements := []struct {
		table  string
		column string
		key    string
		id     string
	}{
		{"BillType", "uploadStatus", "id", orderID},
		{"Sale", "uploadstatus", "Id", saleID},
		{"Saledetails", "uploadstatus", "saleid", saleID},
	}
	for _, stmt := range statements {
		a := &args{dialect: d}
		query := fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = %s AND (%s IS NULL OR %s <> '%s')",
			d.target(stmt.table), stmt.column, domain.StatusProcessed,
			stmt.key, a.add(sqlID(stmt.id)),
			stmt.column, stmt.column, domain.StatusProcessed)
		if _, err := tx.ExecContext(ctx, query, a.values...); err != nil {
			return fmt.Errorf("update %s: %w", stmt.table, err)
		}
	}

	return tx.Commit()
}

func (s *Store) MarkInventoryProcessed(ctx context.Context, inventoryIDs []string) error {
	ids := make([]any, 0, len(inventoryIDs))
	for _, raw := range inventoryIDs {
		parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, parsed)
	}
	if len(ids) == 0 {
		return nil
	}

	d := s.dialect
	for start := 0; start < len(ids); start += markChunkSize {
		end := min(start+markChunkSize, len(ids))
		a := &args{dialect: d}
		query := fmt.Sprintf("UPDATE %s SET uploadstatus = '%s' WHERE Id IN (%s) AND (uploadstatus IS NULL OR uploadstatus <> '%s')",
			d.target("InventoryConsumed"), domain.StatusProcessed, a.addList(ids[start:end]), domain.StatusProcessed)
		if _, err := s.db.ExecContext(ctx, query, a.values...); err != nil {
			return fmt.Errorf("mark inventory processed: %w", err)
		}
	}
	return nil
}

func (s *Store) ReadRecentProcessed(ctx context.Context, limit int) ([]domain.ProcessedSummary, error) {
	if limit < 1 {
		limit = 5
	}

	d := s.dialect
	a := &args{dialect: d}
	var b strings.Builder
	b.WriteString("SELECT ")
	if d.useTop {
		fmt.Fprintf(&b, "TOP (%s) ", a.add(limit))
	}
	b.WriteString("bt.id, bt.saleid, bt.Amount, bt.type, s.Date, s.time FROM ")
	b.WriteString(d.table("BillType", "bt"))
	b.WriteString(" JOIN ")
	b.WriteString(d.table("Sale", "s"))
	fmt.Fprintf(&b, " ON s.Id = bt.saleid WHERE bt.uploadStatus = '%s' ORDER BY bt.id DESC", domain.StatusProcessed)
	if !d.useTop {
		fmt.Fprintf(&b, " LIMIT %s", a.add(limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), a.values...)
	if err != nil {
		return nil, fmt.Errorf("read recent processed: %w", err)
	}
	defer rows.Close()

	recent := make([]domain.ProcessedSummary, 0, limit)
	for rows.Next() {
		var (
			summary     domain.ProcessedSummary
			paymentType sql.NullString
			saleDate    sql.NullTime
			saleTime    sql.NullTime
		)
		if err := rows.Scan(&summary.BillID, &summary.SaleID, &summary.PaymentAmount, &paymentType, &saleDate, &saleTime); err != nil {
			return nil, err
		}
		date := s.now().UTC()
		if saleDate.Valid {
			date = saleDate.Time
		}
		var clock *time.Time
		if saleTime.Valid {
			clock = &saleTime.Time
		}
		summary.OccurredAt = domain.CombineOccurredAt(date, clock, s.loc)
		summary.PaymentType = paymentType.String
		recent = append(recent, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recent, nil
}

// sqlID binds numeric legacy keys as integers so every engine compares them natively.
func sqlID(id string) any {
	if parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return parsed
	}
	return id
}

func nullString(val sql.NullString) *string {
	if !val.Valid || strings.TrimSpace(val.String) == "" {
		return nil
	}
	out := val.String
	return &out
}

// isTransientConflict reports lock and serialization failures that are worth
// one more attempt on the flag update.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 1205
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

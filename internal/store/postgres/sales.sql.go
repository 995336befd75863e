package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

const saleColumns = `id, number, customer_code, status, total, is_paid, paid_account_id, paid_amount, fulfilled, version, created_at, updated_at`

func scanSale(row pgx.Row) (domain.Sale, error) {
	var s domain.Sale
	err := row.Scan(&s.ID, &s.Number, &s.CustomerCode, &s.Status, &s.Total, &s.IsPaid, &s.PaidAccountID,
		&s.PaidAmount, &s.Fulfilled, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	return s, mapErr(err)
}

func (t *pgTx) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	sale, err := scanSale(t.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		return domain.Sale{}, err
	}
	rows, err := t.tx.Query(ctx, `SELECT id, sale_id, product_id, quantity, price, subtotal FROM sale_lines WHERE sale_id = $1 ORDER BY id`, id)
	if err != nil {
		return domain.Sale{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Quantity, &l.Price, &l.Subtotal); err != nil {
			return domain.Sale{}, mapErr(err)
		}
		sale.Lines = append(sale.Lines, l)
	}
	return sale, mapErr(rows.Err())
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	var (
		inserted domain.Sale
		err      error
	)
	if sale.ID == 0 {
		inserted, err = scanSale(t.tx.QueryRow(ctx, `INSERT INTO sales
(number, customer_code, status, total, is_paid, paid_account_id, paid_amount, fulfilled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+saleColumns,
			sale.Number, sale.CustomerCode, sale.Status, sale.Total, sale.IsPaid, sale.PaidAccountID, sale.PaidAmount, sale.Fulfilled))
	} else {
		inserted, err = scanSale(t.tx.QueryRow(ctx, `INSERT INTO sales
(id, number, customer_code, status, total, is_paid, paid_account_id, paid_amount, fulfilled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING `+saleColumns,
			sale.ID, sale.Number, sale.CustomerCode, sale.Status, sale.Total, sale.IsPaid, sale.PaidAccountID, sale.PaidAmount, sale.Fulfilled))
	}
	if err != nil {
		return domain.Sale{}, err
	}
	for _, line := range sale.Lines {
		line.SaleID = inserted.ID
		err := t.tx.QueryRow(ctx, `INSERT INTO sale_lines (sale_id, product_id, quantity, price, subtotal)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, line.SaleID, line.ProductID, line.Quantity, line.Price, line.Subtotal).Scan(&line.ID)
		if err != nil {
			return domain.Sale{}, mapErr(err)
		}
		inserted.Lines = append(inserted.Lines, line)
	}
	return inserted, nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales
SET status = $1, total = $2, is_paid = $3, paid_account_id = $4, paid_amount = $5, fulfilled = $6,
    version = version + 1, updated_at = NOW()
WHERE id = $7 AND version = $8`,
		sale.Status, sale.Total, sale.IsPaid, sale.PaidAccountID, sale.PaidAmount, sale.Fulfilled, sale.ID, expectedVersion)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionMiss(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, sale.ID)
	}
	return nil
}

func (t *pgTx) UpdateSaleLine(ctx context.Context, line domain.SaleLine) error {
	return execOne(ctx, t.tx, `UPDATE sale_lines SET quantity = $1, price = $2, subtotal = $3 WHERE id = $4 AND sale_id = $5`,
		line.Quantity, line.Price, line.Subtotal, line.ID, line.SaleID)
}

const correctionColumns = `id, sale_id, correction_key, original_total, corrected_total, adjustment_amount, inventory_restored, note, actor_id, created_at`

func scanCorrection(row pgx.Row) (domain.SaleCorrection, error) {
	var c domain.SaleCorrection
	err := row.Scan(&c.ID, &c.SaleID, &c.CorrectionKey, &c.OriginalTotal, &c.CorrectedTotal, &c.AdjustmentAmount,
		&c.InventoryRestored, &c.Note, &c.ActorID, &c.CreatedAt)
	return c, mapErr(err)
}

func (t *pgTx) InsertSaleCorrection(ctx context.Context, correction domain.SaleCorrection) (domain.SaleCorrection, error) {
	return scanCorrection(t.tx.QueryRow(ctx, `INSERT INTO sale_corrections
(sale_id, correction_key, original_total, corrected_total, adjustment_amount, inventory_restored, note, actor_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+correctionColumns,
		correction.SaleID, correction.CorrectionKey, correction.OriginalTotal, correction.CorrectedTotal,
		correction.AdjustmentAmount, correction.InventoryRestored, correction.Note, correction.ActorID))
}

func (t *pgTx) FindSaleCorrectionByKey(ctx context.Context, key uuid.UUID) (domain.SaleCorrection, error) {
	return scanCorrection(t.tx.QueryRow(ctx, `SELECT `+correctionColumns+` FROM sale_corrections WHERE correction_key = $1`, key))
}

func (t *pgTx) ListSaleCorrections(ctx context.Context, saleID int64) ([]domain.SaleCorrection, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+correctionColumns+` FROM sale_corrections WHERE sale_id = $1 ORDER BY id`, saleID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.SaleCorrection
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

const conversionColumns = `id, sale_id, saga_id, conversion_amount, store_credit_granted, inventory_restored, note, created_at`

func scanConversion(row pgx.Row) (domain.ConversionRecord, error) {
	var r domain.ConversionRecord
	err := row.Scan(&r.ID, &r.SaleID, &r.SagaID, &r.ConversionAmount, &r.StoreCreditGranted, &r.InventoryRestored, &r.Note, &r.CreatedAt)
	return r, mapErr(err)
}

func (t *pgTx) InsertConversionRecord(ctx context.Context, record domain.ConversionRecord) (domain.ConversionRecord, error) {
	return scanConversion(t.tx.QueryRow(ctx, `INSERT INTO conversion_records
(sale_id, saga_id, conversion_amount, store_credit_granted, inventory_restored, note)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+conversionColumns,
		record.SaleID, record.SagaID, record.ConversionAmount, record.StoreCreditGranted, record.InventoryRestored, record.Note))
}

func (t *pgTx) ListConversionRecords(ctx context.Context, saleID int64) ([]domain.ConversionRecord, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+conversionColumns+` FROM conversion_records WHERE sale_id = $1 ORDER BY id`, saleID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.ConversionRecord
	for rows.Next() {
		r, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

// --- inventory ---

func (t *pgTx) InsertInventoryChange(ctx context.Context, change domain.InventoryChange) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO inventory_changes (product_id, reference_type, reference_id, line_key, qty_delta, memo)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (reference_type, reference_id, line_key) DO NOTHING`,
		change.ProductID, change.ReferenceType, change.ReferenceID, change.LineKey, change.QtyDelta, change.Memo)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListInventoryChanges(ctx context.Context, referenceType, referenceID string) ([]domain.InventoryChange, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, product_id, reference_type, reference_id, line_key, qty_delta, memo, created_at
FROM inventory_changes WHERE reference_type = $1 AND reference_id = $2 ORDER BY id`, referenceType, referenceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.InventoryChange
	for rows.Next() {
		var c domain.InventoryChange
		if err := rows.Scan(&c.ID, &c.ProductID, &c.ReferenceType, &c.ReferenceID, &c.LineKey, &c.QtyDelta, &c.Memo, &c.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

// ProductStock reads the trigger-maintained aggregate; unknown products hold zero.
func (t *pgTx) ProductStock(ctx context.Context, productID int64) (int64, error) {
	var stock int64
	err := t.tx.QueryRow(ctx, `SELECT stock FROM product_stock WHERE product_id = $1`, productID).Scan(&stock)
	if err := mapErr(err); err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return stock, nil
}

// --- sagas ---

const sagaColumns = `id, kind, sale_id, amount, restore_inventory, status, step_cursor, state, COALESCE(idempotency_key, ''), fingerprint, last_error, version, created_at, updated_at`

func scanSaga(row pgx.Row) (domain.SagaRecord, error) {
	var s domain.SagaRecord
	err := row.Scan(&s.ID, &s.Kind, &s.SaleID, &s.Amount, &s.RestoreInventory, &s.Status, &s.Cursor, &s.State,
		&s.IdempotencyKey, &s.Fingerprint, &s.LastError, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	return s, mapErr(err)
}

func (t *pgTx) InsertSaga(ctx context.Context, saga domain.SagaRecord) error {
	state := saga.State
	if len(state) == 0 {
		state = []byte("{}")
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO sagas
(id, kind, sale_id, amount, restore_inventory, status, step_cursor, state, idempotency_key, fingerprint, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		saga.ID, saga.Kind, saga.SaleID, saga.Amount, saga.RestoreInventory, saga.Status, saga.Cursor, state,
		nullString(saga.IdempotencyKey), saga.Fingerprint, saga.LastError)
	return mapErr(err)
}

func (t *pgTx) GetSaga(ctx context.Context, id uuid.UUID) (domain.SagaRecord, error) {
	return scanSaga(t.tx.QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, id))
}

func (t *pgTx) FindSagaByKey(ctx context.Context, key string) (domain.SagaRecord, error) {
	if key == "" {
		return domain.SagaRecord{}, store.ErrNotFound
	}
	return scanSaga(t.tx.QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE idempotency_key = $1`, key))
}

func (t *pgTx) UpdateSaga(ctx context.Context, saga domain.SagaRecord, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sagas
SET status = $1, step_cursor = $2, state = $3, last_error = $4, version = version + 1, updated_at = NOW()
WHERE id = $5 AND version = $6`,
		saga.Status, saga.Cursor, saga.State, saga.LastError, saga.ID, expectedVersion)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionMiss(ctx, `SELECT EXISTS (SELECT 1 FROM sagas WHERE id = $1)`, saga.ID)
	}
	return nil
}

func (t *pgTx) ListSagas(ctx context.Context, statuses []domain.SagaStatus, updatedBefore time.Time) ([]domain.SagaRecord, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := t.tx.Query(ctx, `SELECT `+sagaColumns+` FROM sagas
WHERE status = ANY($1) AND ($2::timestamptz IS NULL OR updated_at < $2)
ORDER BY created_at`, names, nullTime(updatedBefore))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.SagaRecord
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

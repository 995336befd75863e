package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

const partnerColumns = `id, partner_type, partner_code, direction, reference_type, reference_id, amount, received_paid, status, due_date, note, version, created_at`

func scanPartner(row pgx.Row) (domain.PartnerAccount, error) {
	var (
		p   domain.PartnerAccount
		due *time.Time
	)
	err := row.Scan(&p.ID, &p.PartnerType, &p.PartnerCode, &p.Direction, &p.ReferenceType, &p.ReferenceID,
		&p.Amount, &p.ReceivedPaid, &p.Status, &due, &p.Note, &p.Version, &p.CreatedAt)
	if due != nil {
		p.DueDate = *due
	}
	return p, mapErr(err)
}

func (t *pgTx) InsertPartnerAccount(ctx context.Context, account domain.PartnerAccount) (domain.PartnerAccount, error) {
	if account.ID == 0 {
		return scanPartner(t.tx.QueryRow(ctx, `INSERT INTO partner_accounts
(partner_type, partner_code, direction, reference_type, reference_id, amount, received_paid, status, due_date, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+partnerColumns,
			account.PartnerType, account.PartnerCode, account.Direction, account.ReferenceType, account.ReferenceID,
			account.Amount, account.ReceivedPaid, account.Status, nullTime(account.DueDate), account.Note))
	}
	version := account.Version
	if version == 0 {
		version = 1
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return scanPartner(t.tx.QueryRow(ctx, `INSERT INTO partner_accounts
(id, partner_type, partner_code, direction, reference_type, reference_id, amount, received_paid, status, due_date, note, version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING `+partnerColumns,
		account.ID, account.PartnerType, account.PartnerCode, account.Direction, account.ReferenceType, account.ReferenceID,
		account.Amount, account.ReceivedPaid, account.Status, nullTime(account.DueDate), account.Note, version, createdAt))
}

func (t *pgTx) GetPartnerAccount(ctx context.Context, id int64) (domain.PartnerAccount, error) {
	return scanPartner(t.tx.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partner_accounts WHERE id = $1`, id))
}

func (t *pgTx) ListPartnerAccountsByReference(ctx context.Context, referenceType string, referenceID int64) ([]domain.PartnerAccount, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+partnerColumns+` FROM partner_accounts
WHERE reference_type = $1 AND reference_id = $2 ORDER BY id`, referenceType, referenceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.PartnerAccount
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) UpdatePartnerAccount(ctx context.Context, account domain.PartnerAccount, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE partner_accounts
SET amount = $1, received_paid = $2, status = $3, note = $4, version = version + 1
WHERE id = $5 AND version = $6`,
		account.Amount, account.ReceivedPaid, account.Status, account.Note, account.ID, expectedVersion)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionMiss(ctx, `SELECT EXISTS (SELECT 1 FROM partner_accounts WHERE id = $1)`, account.ID)
	}
	return nil
}

func (t *pgTx) DeletePartnerAccount(ctx context.Context, id int64) error {
	return execOne(ctx, t.tx, `DELETE FROM partner_accounts WHERE id = $1`, id)
}

// --- settlements ---

const settlementColumns = `id, number, direction, partner_type, partner_code, amount, method, COALESCE(account_id, 0), credit_customer, COALESCE(idempotency_key, ''), fingerprint, note, created_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var s domain.Settlement
	err := row.Scan(&s.ID, &s.Number, &s.Direction, &s.PartnerType, &s.PartnerCode, &s.Amount, &s.Method,
		&s.AccountID, &s.CreditCustomer, &s.IdempotencyKey, &s.Fingerprint, &s.Note, &s.CreatedAt)
	return s, mapErr(err)
}

func (t *pgTx) InsertSettlement(ctx context.Context, settlement domain.Settlement) (domain.Settlement, error) {
	if settlement.ID == 0 {
		return scanSettlement(t.tx.QueryRow(ctx, `INSERT INTO settlements
(number, direction, partner_type, partner_code, amount, method, account_id, credit_customer, idempotency_key, fingerprint, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING `+settlementColumns,
			settlement.Number, settlement.Direction, settlement.PartnerType, settlement.PartnerCode, settlement.Amount,
			settlement.Method, nullInt(settlement.AccountID), settlement.CreditCustomer, nullString(settlement.IdempotencyKey),
			settlement.Fingerprint, settlement.Note))
	}
	createdAt := settlement.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return scanSettlement(t.tx.QueryRow(ctx, `INSERT INTO settlements
(id, number, direction, partner_type, partner_code, amount, method, account_id, credit_customer, idempotency_key, fingerprint, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING `+settlementColumns,
		settlement.ID, settlement.Number, settlement.Direction, settlement.PartnerType, settlement.PartnerCode, settlement.Amount,
		settlement.Method, nullInt(settlement.AccountID), settlement.CreditCustomer, nullString(settlement.IdempotencyKey),
		settlement.Fingerprint, settlement.Note, createdAt))
}

func (t *pgTx) GetSettlement(ctx context.Context, id int64) (domain.Settlement, error) {
	return scanSettlement(t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
}

func (t *pgTx) FindSettlementByKey(ctx context.Context, key string) (domain.Settlement, error) {
	if key == "" {
		return domain.Settlement{}, store.ErrNotFound
	}
	return scanSettlement(t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE idempotency_key = $1`, key))
}

func (t *pgTx) UpdateSettlementAmount(ctx context.Context, id int64, amount money.Amount) error {
	return execOne(ctx, t.tx, `UPDATE settlements SET amount = $1 WHERE id = $2`, amount, id)
}

func (t *pgTx) DeleteSettlement(ctx context.Context, id int64) error {
	return execOne(ctx, t.tx, `DELETE FROM settlements WHERE id = $1`, id)
}

func scanAllocation(row pgx.Row) (domain.SettlementAllocation, error) {
	var a domain.SettlementAllocation
	err := row.Scan(&a.ID, &a.SettlementID, &a.PartnerAccountID, &a.Amount)
	return a, mapErr(err)
}

func (t *pgTx) InsertAllocation(ctx context.Context, allocation domain.SettlementAllocation) (domain.SettlementAllocation, error) {
	if allocation.ID == 0 {
		return scanAllocation(t.tx.QueryRow(ctx, `INSERT INTO settlement_allocations (settlement_id, partner_account_id, amount)
VALUES ($1, $2, $3) RETURNING id, settlement_id, partner_account_id, amount`,
			allocation.SettlementID, allocation.PartnerAccountID, allocation.Amount))
	}
	return scanAllocation(t.tx.QueryRow(ctx, `INSERT INTO settlement_allocations (id, settlement_id, partner_account_id, amount)
VALUES ($1, $2, $3, $4) RETURNING id, settlement_id, partner_account_id, amount`,
		allocation.ID, allocation.SettlementID, allocation.PartnerAccountID, allocation.Amount))
}

func (t *pgTx) listAllocations(ctx context.Context, where string, arg any) ([]domain.SettlementAllocation, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, settlement_id, partner_account_id, amount FROM settlement_allocations
WHERE `+where+` ORDER BY settlement_id, id`, arg)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.SettlementAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) ListAllocationsBySettlement(ctx context.Context, settlementID int64) ([]domain.SettlementAllocation, error) {
	return t.listAllocations(ctx, `settlement_id = $1`, settlementID)
}

func (t *pgTx) ListAllocationsByPartnerAccounts(ctx context.Context, partnerAccountIDs []int64) ([]domain.SettlementAllocation, error) {
	if len(partnerAccountIDs) == 0 {
		return nil, nil
	}
	return t.listAllocations(ctx, `partner_account_id = ANY($1)`, partnerAccountIDs)
}

func (t *pgTx) DeleteAllocation(ctx context.Context, id int64) error {
	return execOne(ctx, t.tx, `DELETE FROM settlement_allocations WHERE id = $1`, id)
}

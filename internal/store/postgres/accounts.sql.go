package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

const accountColumns = `id, name, type, balance, active, version, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.Name, &acc.Type, &acc.Balance, &acc.Active, &acc.Version, &acc.UpdatedAt)
	return acc, mapErr(err)
}

func (t *pgTx) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (t *pgTx) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) InsertAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	if account.ID == 0 {
		return scanAccount(t.tx.QueryRow(ctx, `INSERT INTO accounts (name, type, balance, active)
VALUES ($1, $2, $3, $4) RETURNING `+accountColumns, account.Name, account.Type, account.Balance, account.Active))
	}
	return scanAccount(t.tx.QueryRow(ctx, `INSERT INTO accounts (id, name, type, balance, active)
VALUES ($1, $2, $3, $4, $5) RETURNING `+accountColumns, account.ID, account.Name, account.Type, account.Balance, account.Active))
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id, expectedVersion int64, balance money.Amount) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $1, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3`, balance, id, expectedVersion)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionMiss(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id)
	}
	return nil
}

const entryColumns = `id, account_id, amount, balance_before, balance_after, kind, reference_type, reference_id, reference_number, note, COALESCE(idempotency_key, ''), created_at`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Kind,
		&e.Reference.Type, &e.Reference.ID, &e.Reference.Number, &e.Note, &e.IdempotencyKey, &e.CreatedAt)
	return e, mapErr(err)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	return scanEntry(t.tx.QueryRow(ctx, `INSERT INTO ledger_entries
(account_id, amount, balance_before, balance_after, kind, reference_type, reference_id, reference_number, note, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+entryColumns,
		entry.AccountID, entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.Kind,
		entry.Reference.Type, entry.Reference.ID, entry.Reference.Number, entry.Note, nullString(entry.IdempotencyKey)))
}

func (t *pgTx) FindLedgerEntryByKey(ctx context.Context, key string) (domain.LedgerEntry, error) {
	if key == "" {
		return domain.LedgerEntry{}, store.ErrNotFound
	}
	return scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
}

func (t *pgTx) LastLedgerEntry(ctx context.Context, accountID int64) (domain.LedgerEntry, error) {
	return scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC LIMIT 1`, accountID))
}

func (t *pgTx) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY id`
	args := []any{accountID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC LIMIT $2) newest ORDER BY id`
		args = append(args, limit)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

// --- customers ---

func scanCustomer(row pgx.Row) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.Code, &c.Name, &c.StoreCredit, &c.Version)
	return c, mapErr(err)
}

func (t *pgTx) GetCustomer(ctx context.Context, code string) (domain.Customer, error) {
	return scanCustomer(t.tx.QueryRow(ctx, `SELECT code, name, store_credit, version FROM customers WHERE code = $1`, code))
}

func (t *pgTx) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := t.tx.Query(ctx, `SELECT code, name, store_credit, version FROM customers ORDER BY code`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) InsertCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	return scanCustomer(t.tx.QueryRow(ctx, `INSERT INTO customers (code, name, store_credit)
VALUES ($1, $2, $3) RETURNING code, name, store_credit, version`, customer.Code, customer.Name, customer.StoreCredit))
}

func (t *pgTx) UpdateCustomerCredit(ctx context.Context, code string, expectedVersion int64, credit money.Amount) error {
	tag, err := t.tx.Exec(ctx, `UPDATE customers SET store_credit = $1, version = version + 1 WHERE code = $2 AND version = $3`, credit, code, expectedVersion)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionMiss(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE code = $1)`, code)
	}
	return nil
}

const logColumns = `id, customer_code, amount, balance_before, balance_after, kind, reference_type, reference_id, reference_number, note, created_at`

func scanLog(row pgx.Row) (domain.CustomerBalanceLog, error) {
	var l domain.CustomerBalanceLog
	err := row.Scan(&l.ID, &l.CustomerCode, &l.Amount, &l.BalanceBefore, &l.BalanceAfter, &l.Kind,
		&l.Reference.Type, &l.Reference.ID, &l.Reference.Number, &l.Note, &l.CreatedAt)
	return l, mapErr(err)
}

func (t *pgTx) InsertCustomerBalanceLog(ctx context.Context, log domain.CustomerBalanceLog) (domain.CustomerBalanceLog, error) {
	return scanLog(t.tx.QueryRow(ctx, `INSERT INTO customer_balance_logs
(customer_code, amount, balance_before, balance_after, kind, reference_type, reference_id, reference_number, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING `+logColumns,
		log.CustomerCode, log.Amount, log.BalanceBefore, log.BalanceAfter, log.Kind,
		log.Reference.Type, log.Reference.ID, log.Reference.Number, log.Note))
}

func (t *pgTx) ListCustomerBalanceLogs(ctx context.Context, code string, limit int) ([]domain.CustomerBalanceLog, error) {
	query := `SELECT ` + logColumns + ` FROM customer_balance_logs WHERE customer_code = $1 ORDER BY id`
	args := []any{code}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + logColumns + ` FROM customer_balance_logs WHERE customer_code = $1 ORDER BY id DESC LIMIT $2) newest ORDER BY id`
		args = append(args, limit)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.CustomerBalanceLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err())
}

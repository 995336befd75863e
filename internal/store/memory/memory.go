// Package memory implements store.Store in process. Each transaction works on a
// private copy of the data that replaces the shared copy only on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// FailFunc lets tests inject failures; it is called with the operation name
// before every write and may return an error to abort it.
type FailFunc func(op string) error

type data struct {
	accounts      map[int64]domain.Account
	ledgerEntries []domain.LedgerEntry
	customers     map[string]domain.Customer
	customerLogs  []domain.CustomerBalanceLog
	partners      map[int64]domain.PartnerAccount
	settlements   map[int64]domain.Settlement
	allocations   map[int64]domain.SettlementAllocation
	sales         map[int64]domain.Sale
	corrections   []domain.SaleCorrection
	conversions   []domain.ConversionRecord
	inventory     []domain.InventoryChange
	inventoryKeys map[string]struct{}
	sagas         map[uuid.UUID]domain.SagaRecord
	nextID        int64
}

func newData() *data {
	return &data{
		accounts:      make(map[int64]domain.Account),
		customers:     make(map[string]domain.Customer),
		partners:      make(map[int64]domain.PartnerAccount),
		settlements:   make(map[int64]domain.Settlement),
		allocations:   make(map[int64]domain.SettlementAllocation),
		sales:         make(map[int64]domain.Sale),
		inventoryKeys: make(map[string]struct{}),
		sagas:         make(map[uuid.UUID]domain.SagaRecord),
	}
}

func (d *data) clone() *data {
	c := &data{
		accounts:      make(map[int64]domain.Account, len(d.accounts)),
		ledgerEntries: append([]domain.LedgerEntry(nil), d.ledgerEntries...),
		customers:     make(map[string]domain.Customer, len(d.customers)),
		customerLogs:  append([]domain.CustomerBalanceLog(nil), d.customerLogs...),
		partners:      make(map[int64]domain.PartnerAccount, len(d.partners)),
		settlements:   make(map[int64]domain.Settlement, len(d.settlements)),
		allocations:   make(map[int64]domain.SettlementAllocation, len(d.allocations)),
		sales:         make(map[int64]domain.Sale, len(d.sales)),
		corrections:   append([]domain.SaleCorrection(nil), d.corrections...),
		conversions:   append([]domain.ConversionRecord(nil), d.conversions...),
		inventory:     append([]domain.InventoryChange(nil), d.inventory...),
		inventoryKeys: make(map[string]struct{}, len(d.inventoryKeys)),
		sagas:         make(map[uuid.UUID]domain.SagaRecord, len(d.sagas)),
		nextID:        d.nextID,
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.customers {
		c.customers[k] = v
	}
	for k, v := range d.partners {
		c.partners[k] = v
	}
	for k, v := range d.settlements {
		c.settlements[k] = v
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.sales {
		v.Lines = append([]domain.SaleLine(nil), v.Lines...)
		c.sales[k] = v
	}
	for k := range d.inventoryKeys {
		c.inventoryKeys[k] = struct{}{}
	}
	for k, v := range d.sagas {
		v.State = append([]byte(nil), v.State...)
		c.sagas[k] = v
	}
	return c
}

// Store is a mutex-serialised in-memory store.
type Store struct {
	mu   sync.Mutex
	data *data
	fail FailFunc
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newData(), now: time.Now}
}

// SetFailFunc installs or clears a failure hook.
func (s *Store) SetFailFunc(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// WithTx runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.data.clone()
	tx := &memoryTx{data: working, fail: s.fail, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = working
	return nil
}

type memoryTx struct {
	data *data
	fail FailFunc
	now  func() time.Time
}

func (t *memoryTx) check(op string) error {
	if t.fail == nil {
		return nil
	}
	if err := t.fail(op); err != nil {
		return fmt.Errorf("memory: %s: %w", op, err)
	}
	return nil
}

func (t *memoryTx) id() int64 {
	t.data.nextID++
	return t.data.nextID
}

// reserve keeps nextID ahead of explicitly supplied ids.
func (t *memoryTx) reserve(id int64) {
	if id > t.data.nextID {
		t.data.nextID = id
	}
}

// --- accounts ---

func (t *memoryTx) GetAccount(_ context.Context, id int64) (domain.Account, error) {
	acc, ok := t.data.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return acc, nil
}

func (t *memoryTx) ListAccounts(_ context.Context) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(t.data.accounts))
	for _, acc := range t.data.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) InsertAccount(_ context.Context, account domain.Account) (domain.Account, error) {
	if err := t.check("InsertAccount"); err != nil {
		return domain.Account{}, err
	}
	if account.ID == 0 {
		account.ID = t.id()
	} else {
		if _, exists := t.data.accounts[account.ID]; exists {
			return domain.Account{}, store.ErrDuplicate
		}
		t.reserve(account.ID)
	}
	account.Version = 1
	account.UpdatedAt = t.now()
	t.data.accounts[account.ID] = account
	return account, nil
}

func (t *memoryTx) UpdateAccountBalance(_ context.Context, id, expectedVersion int64, balance money.Amount) error {
	if err := t.check("UpdateAccountBalance"); err != nil {
		return err
	}
	acc, ok := t.data.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	if acc.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	acc.Balance = balance
	acc.Version++
	acc.UpdatedAt = t.now()
	t.data.accounts[id] = acc
	return nil
}

func (t *memoryTx) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if err := t.check("InsertLedgerEntry"); err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.IdempotencyKey != "" {
		if _, err := t.FindLedgerEntryByKey(context.Background(), entry.IdempotencyKey); err == nil {
			return domain.LedgerEntry{}, store.ErrDuplicate
		}
	}
	entry.ID = t.id()
	entry.CreatedAt = t.now()
	t.data.ledgerEntries = append(t.data.ledgerEntries, entry)
	return entry, nil
}

func (t *memoryTx) FindLedgerEntryByKey(_ context.Context, key string) (domain.LedgerEntry, error) {
	if key == "" {
		return domain.LedgerEntry{}, store.ErrNotFound
	}
	for _, e := range t.data.ledgerEntries {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return domain.LedgerEntry{}, store.ErrNotFound
}

func (t *memoryTx) LastLedgerEntry(_ context.Context, accountID int64) (domain.LedgerEntry, error) {
	for i := len(t.data.ledgerEntries) - 1; i >= 0; i-- {
		if t.data.ledgerEntries[i].AccountID == accountID {
			return t.data.ledgerEntries[i], nil
		}
	}
	return domain.LedgerEntry{}, store.ErrNotFound
}

func (t *memoryTx) ListLedgerEntries(_ context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range t.data.ledgerEntries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- customers ---

func (t *memoryTx) GetCustomer(_ context.Context, code string) (domain.Customer, error) {
	c, ok := t.data.customers[code]
	if !ok {
		return domain.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	out := make([]domain.Customer, 0, len(t.data.customers))
	for _, c := range t.data.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *memoryTx) InsertCustomer(_ context.Context, customer domain.Customer) (domain.Customer, error) {
	if err := t.check("InsertCustomer"); err != nil {
		return domain.Customer{}, err
	}
	if _, exists := t.data.customers[customer.Code]; exists {
		return domain.Customer{}, store.ErrDuplicate
	}
	customer.Version = 1
	t.data.customers[customer.Code] = customer
	return customer, nil
}

func (t *memoryTx) UpdateCustomerCredit(_ context.Context, code string, expectedVersion int64, credit money.Amount) error {
	if err := t.check("UpdateCustomerCredit"); err != nil {
		return err
	}
	c, ok := t.data.customers[code]
	if !ok {
		return store.ErrNotFound
	}
	if c.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	c.StoreCredit = credit
	c.Version++
	t.data.customers[code] = c
	return nil
}

func (t *memoryTx) InsertCustomerBalanceLog(_ context.Context, log domain.CustomerBalanceLog) (domain.CustomerBalanceLog, error) {
	if err := t.check("InsertCustomerBalanceLog"); err != nil {
		return domain.CustomerBalanceLog{}, err
	}
	log.ID = t.id()
	log.CreatedAt = t.now()
	t.data.customerLogs = append(t.data.customerLogs, log)
	return log, nil
}

func (t *memoryTx) ListCustomerBalanceLogs(_ context.Context, code string, limit int) ([]domain.CustomerBalanceLog, error) {
	var out []domain.CustomerBalanceLog
	for _, l := range t.data.customerLogs {
		if l.CustomerCode == code {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- partner accounts ---

func (t *memoryTx) InsertPartnerAccount(_ context.Context, account domain.PartnerAccount) (domain.PartnerAccount, error) {
	if err := t.check("InsertPartnerAccount"); err != nil {
		return domain.PartnerAccount{}, err
	}
	if account.ID == 0 {
		account.ID = t.id()
		account.CreatedAt = t.now()
		account.Version = 1
	} else {
		if _, exists := t.data.partners[account.ID]; exists {
			return domain.PartnerAccount{}, store.ErrDuplicate
		}
		t.reserve(account.ID)
		if account.Version == 0 {
			account.Version = 1
		}
	}
	t.data.partners[account.ID] = account
	return account, nil
}

func (t *memoryTx) GetPartnerAccount(_ context.Context, id int64) (domain.PartnerAccount, error) {
	p, ok := t.data.partners[id]
	if !ok {
		return domain.PartnerAccount{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) ListPartnerAccountsByReference(_ context.Context, referenceType string, referenceID int64) ([]domain.PartnerAccount, error) {
	var out []domain.PartnerAccount
	for _, p := range t.data.partners {
		if p.ReferenceType == referenceType && p.ReferenceID == referenceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) UpdatePartnerAccount(_ context.Context, account domain.PartnerAccount, expectedVersion int64) error {
	if err := t.check("UpdatePartnerAccount"); err != nil {
		return err
	}
	current, ok := t.data.partners[account.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	current.Amount = account.Amount
	current.ReceivedPaid = account.ReceivedPaid
	current.Status = account.Status
	current.Note = account.Note
	current.Version++
	t.data.partners[account.ID] = current
	return nil
}

func (t *memoryTx) DeletePartnerAccount(_ context.Context, id int64) error {
	if err := t.check("DeletePartnerAccount"); err != nil {
		return err
	}
	if _, ok := t.data.partners[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.data.partners, id)
	return nil
}

// --- settlements ---

func (t *memoryTx) InsertSettlement(_ context.Context, settlement domain.Settlement) (domain.Settlement, error) {
	if err := t.check("InsertSettlement"); err != nil {
		return domain.Settlement{}, err
	}
	if settlement.IdempotencyKey != "" {
		for _, existing := range t.data.settlements {
			if existing.IdempotencyKey == settlement.IdempotencyKey {
				return domain.Settlement{}, store.ErrDuplicate
			}
		}
	}
	if settlement.ID == 0 {
		settlement.ID = t.id()
		settlement.CreatedAt = t.now()
	} else {
		if _, exists := t.data.settlements[settlement.ID]; exists {
			return domain.Settlement{}, store.ErrDuplicate
		}
		t.reserve(settlement.ID)
	}
	t.data.settlements[settlement.ID] = settlement
	return settlement, nil
}

func (t *memoryTx) GetSettlement(_ context.Context, id int64) (domain.Settlement, error) {
	s, ok := t.data.settlements[id]
	if !ok {
		return domain.Settlement{}, store.ErrNotFound
	}
	return s, nil
}

func (t *memoryTx) FindSettlementByKey(_ context.Context, key string) (domain.Settlement, error) {
	for _, s := range t.data.settlements {
		if key != "" && s.IdempotencyKey == key {
			return s, nil
		}
	}
	return domain.Settlement{}, store.ErrNotFound
}

func (t *memoryTx) UpdateSettlementAmount(_ context.Context, id int64, amount money.Amount) error {
	if err := t.check("UpdateSettlementAmount"); err != nil {
		return err
	}
	s, ok := t.data.settlements[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Amount = amount
	t.data.settlements[id] = s
	return nil
}

func (t *memoryTx) DeleteSettlement(_ context.Context, id int64) error {
	if err := t.check("DeleteSettlement"); err != nil {
		return err
	}
	if _, ok := t.data.settlements[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.data.settlements, id)
	return nil
}

func (t *memoryTx) InsertAllocation(_ context.Context, allocation domain.SettlementAllocation) (domain.SettlementAllocation, error) {
	if err := t.check("InsertAllocation"); err != nil {
		return domain.SettlementAllocation{}, err
	}
	if _, ok := t.data.settlements[allocation.SettlementID]; !ok {
		return domain.SettlementAllocation{}, store.ErrNotFound
	}
	if allocation.ID == 0 {
		allocation.ID = t.id()
	} else {
		if _, exists := t.data.allocations[allocation.ID]; exists {
			return domain.SettlementAllocation{}, store.ErrDuplicate
		}
		t.reserve(allocation.ID)
	}
	t.data.allocations[allocation.ID] = allocation
	return allocation, nil
}

func (t *memoryTx) ListAllocationsBySettlement(_ context.Context, settlementID int64) ([]domain.SettlementAllocation, error) {
	var out []domain.SettlementAllocation
	for _, a := range t.data.allocations {
		if a.SettlementID == settlementID {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (t *memoryTx) ListAllocationsByPartnerAccounts(_ context.Context, partnerAccountIDs []int64) ([]domain.SettlementAllocation, error) {
	wanted := make(map[int64]struct{}, len(partnerAccountIDs))
	for _, id := range partnerAccountIDs {
		wanted[id] = struct{}{}
	}
	var out []domain.SettlementAllocation
	for _, a := range t.data.allocations {
		if _, ok := wanted[a.PartnerAccountID]; ok {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func sortAllocations(out []domain.SettlementAllocation) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettlementID != out[j].SettlementID {
			return out[i].SettlementID < out[j].SettlementID
		}
		return out[i].ID < out[j].ID
	})
}

func (t *memoryTx) DeleteAllocation(_ context.Context, id int64) error {
	if err := t.check("DeleteAllocation"); err != nil {
		return err
	}
	if _, ok := t.data.allocations[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.data.allocations, id)
	return nil
}

// --- sales ---

func (t *memoryTx) GetSale(_ context.Context, id int64) (domain.Sale, error) {
	s, ok := t.data.sales[id]
	if !ok {
		return domain.Sale{}, store.ErrNotFound
	}
	s.Lines = append([]domain.SaleLine(nil), s.Lines...)
	return s, nil
}

func (t *memoryTx) InsertSale(_ context.Context, sale domain.Sale) (domain.Sale, error) {
	if err := t.check("InsertSale"); err != nil {
		return domain.Sale{}, err
	}
	if sale.ID == 0 {
		sale.ID = t.id()
	} else {
		if _, exists := t.data.sales[sale.ID]; exists {
			return domain.Sale{}, store.ErrDuplicate
		}
		t.reserve(sale.ID)
	}
	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		if line.ID == 0 {
			line.ID = t.id()
		} else {
			t.reserve(line.ID)
		}
		line.SaleID = sale.ID
		lines[i] = line
	}
	sale.Lines = lines
	sale.Version = 1
	sale.CreatedAt = t.now()
	sale.UpdatedAt = sale.CreatedAt
	t.data.sales[sale.ID] = sale
	return sale, nil
}

func (t *memoryTx) UpdateSale(_ context.Context, sale domain.Sale, expectedVersion int64) error {
	if err := t.check("UpdateSale"); err != nil {
		return err
	}
	current, ok := t.data.sales[sale.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	current.Status = sale.Status
	current.Total = sale.Total
	current.IsPaid = sale.IsPaid
	current.PaidAccountID = sale.PaidAccountID
	current.PaidAmount = sale.PaidAmount
	current.Fulfilled = sale.Fulfilled
	current.Version++
	current.UpdatedAt = t.now()
	t.data.sales[sale.ID] = current
	return nil
}

func (t *memoryTx) UpdateSaleLine(_ context.Context, line domain.SaleLine) error {
	if err := t.check("UpdateSaleLine"); err != nil {
		return err
	}
	sale, ok := t.data.sales[line.SaleID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range sale.Lines {
		if sale.Lines[i].ID == line.ID {
			sale.Lines[i].Quantity = line.Quantity
			sale.Lines[i].Price = line.Price
			sale.Lines[i].Subtotal = line.Subtotal
			t.data.sales[sale.ID] = sale
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *memoryTx) InsertSaleCorrection(_ context.Context, correction domain.SaleCorrection) (domain.SaleCorrection, error) {
	if err := t.check("InsertSaleCorrection"); err != nil {
		return domain.SaleCorrection{}, err
	}
	for _, c := range t.data.corrections {
		if correction.CorrectionKey != uuid.Nil && c.CorrectionKey == correction.CorrectionKey {
			return domain.SaleCorrection{}, store.ErrDuplicate
		}
	}
	correction.ID = t.id()
	correction.CreatedAt = t.now()
	t.data.corrections = append(t.data.corrections, correction)
	return correction, nil
}

func (t *memoryTx) FindSaleCorrectionByKey(_ context.Context, key uuid.UUID) (domain.SaleCorrection, error) {
	for _, c := range t.data.corrections {
		if c.CorrectionKey == key {
			return c, nil
		}
	}
	return domain.SaleCorrection{}, store.ErrNotFound
}

func (t *memoryTx) ListSaleCorrections(_ context.Context, saleID int64) ([]domain.SaleCorrection, error) {
	var out []domain.SaleCorrection
	for _, c := range t.data.corrections {
		if c.SaleID == saleID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertConversionRecord(_ context.Context, record domain.ConversionRecord) (domain.ConversionRecord, error) {
	if err := t.check("InsertConversionRecord"); err != nil {
		return domain.ConversionRecord{}, err
	}
	record.ID = t.id()
	record.CreatedAt = t.now()
	t.data.conversions = append(t.data.conversions, record)
	return record, nil
}

func (t *memoryTx) ListConversionRecords(_ context.Context, saleID int64) ([]domain.ConversionRecord, error) {
	var out []domain.ConversionRecord
	for _, r := range t.data.conversions {
		if r.SaleID == saleID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- inventory ---

func inventoryKey(c domain.InventoryChange) string {
	return c.ReferenceType + "\x00" + c.ReferenceID + "\x00" + c.LineKey
}

func (t *memoryTx) InsertInventoryChange(_ context.Context, change domain.InventoryChange) (bool, error) {
	if err := t.check("InsertInventoryChange"); err != nil {
		return false, err
	}
	key := inventoryKey(change)
	if _, exists := t.data.inventoryKeys[key]; exists {
		return false, nil
	}
	change.ID = t.id()
	change.CreatedAt = t.now()
	t.data.inventory = append(t.data.inventory, change)
	t.data.inventoryKeys[key] = struct{}{}
	return true, nil
}

func (t *memoryTx) ListInventoryChanges(_ context.Context, referenceType, referenceID string) ([]domain.InventoryChange, error) {
	var out []domain.InventoryChange
	for _, c := range t.data.inventory {
		if c.ReferenceType == referenceType && c.ReferenceID == referenceID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ProductStock mirrors the trigger that derives stock from the change log.
func (t *memoryTx) ProductStock(_ context.Context, productID int64) (int64, error) {
	var total int64
	for _, c := range t.data.inventory {
		if c.ProductID == productID {
			total += c.QtyDelta
		}
	}
	return total, nil
}

// --- sagas ---

func (t *memoryTx) InsertSaga(_ context.Context, saga domain.SagaRecord) error {
	if err := t.check("InsertSaga"); err != nil {
		return err
	}
	if _, exists := t.data.sagas[saga.ID]; exists {
		return store.ErrDuplicate
	}
	if saga.IdempotencyKey != "" {
		for _, existing := range t.data.sagas {
			if existing.IdempotencyKey == saga.IdempotencyKey {
				return store.ErrDuplicate
			}
		}
	}
	saga.Version = 1
	saga.CreatedAt = t.now()
	saga.UpdatedAt = saga.CreatedAt
	saga.State = append([]byte(nil), saga.State...)
	t.data.sagas[saga.ID] = saga
	return nil
}

func (t *memoryTx) GetSaga(_ context.Context, id uuid.UUID) (domain.SagaRecord, error) {
	s, ok := t.data.sagas[id]
	if !ok {
		return domain.SagaRecord{}, store.ErrNotFound
	}
	s.State = append([]byte(nil), s.State...)
	return s, nil
}

func (t *memoryTx) FindSagaByKey(_ context.Context, key string) (domain.SagaRecord, error) {
	for _, s := range t.data.sagas {
		if key != "" && s.IdempotencyKey == key {
			s.State = append([]byte(nil), s.State...)
			return s, nil
		}
	}
	return domain.SagaRecord{}, store.ErrNotFound
}

func (t *memoryTx) UpdateSaga(_ context.Context, saga domain.SagaRecord, expectedVersion int64) error {
	if err := t.check("UpdateSaga"); err != nil {
		return err
	}
	current, ok := t.data.sagas[saga.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	current.Status = saga.Status
	current.Cursor = saga.Cursor
	current.State = append([]byte(nil), saga.State...)
	current.LastError = saga.LastError
	current.Version++
	current.UpdatedAt = t.now()
	t.data.sagas[saga.ID] = current
	return nil
}

func (t *memoryTx) ListSagas(_ context.Context, statuses []domain.SagaStatus, updatedBefore time.Time) ([]domain.SagaRecord, error) {
	wanted := make(map[domain.SagaStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	var out []domain.SagaRecord
	for _, s := range t.data.sagas {
		if _, ok := wanted[s.Status]; !ok {
			continue
		}
		if !updatedBefore.IsZero() && !s.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

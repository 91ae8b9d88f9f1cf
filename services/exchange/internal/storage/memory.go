package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. Units of work are serialized and
// run against a copy of the state that replaces the original on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	banks        map[uuid.UUID]Bank
	customers    map[uuid.UUID]Customer
	lots         map[uuid.UUID]*ledger.Lot
	lotSeq       int64
	transactions map[uuid.UUID]Transaction
	allocations  map[uuid.UUID][]ledger.Allocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		banks:        make(map[uuid.UUID]Bank),
		customers:    make(map[uuid.UUID]Customer),
		lots:         make(map[uuid.UUID]*ledger.Lot),
		transactions: make(map[uuid.UUID]Transaction),
		allocations:  make(map[uuid.UUID][]ledger.Allocation),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		banks:        make(map[uuid.UUID]Bank, len(s.banks)),
		customers:    make(map[uuid.UUID]Customer, len(s.customers)),
		lots:         make(map[uuid.UUID]*ledger.Lot, len(s.lots)),
		lotSeq:       s.lotSeq,
		transactions: make(map[uuid.UUID]Transaction, len(s.transactions)),
		allocations:  make(map[uuid.UUID][]ledger.Allocation, len(s.allocations)),
	}
	for k, v := range s.banks {
		c.banks[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v.Clone()
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = append([]ledger.Allocation(nil), v...)
	}
	return c
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) CreateBank(_ context.Context, bank *Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.state.banks {
		if strings.EqualFold(b.Name, bank.Name) {
			return fmt.Errorf("%w: bank %q", ErrDuplicate, bank.Name)
		}
	}
	if bank.ID == uuid.Nil {
		bank.ID = uuid.New()
	}
	bank.CreatedAt = time.Now().UTC()
	m.state.banks[bank.ID] = *bank
	return nil
}

func (m *MemoryStore) CreateCustomer(_ context.Context, customer *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	if _, ok := m.state.customers[customer.ID]; ok {
		return fmt.Errorf("%w: customer %s", ErrDuplicate, customer.ID)
	}
	customer.CreatedAt = time.Now().UTC()
	m.state.customers[customer.ID] = *customer
	return nil
}

func (m *MemoryStore) GetParty(_ context.Context, ref party.Ref) (party.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.party(ref)
}

func (m *MemoryStore) InsertLot(_ context.Context, lot *ledger.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.lots[lot.ID]; ok {
		return fmt.Errorf("%w: lot %s", ErrDuplicate, lot.ID)
	}
	if _, ok := m.state.banks[lot.FundingBankID]; !ok {
		return fmt.Errorf("%w: bank %s", ErrNotFound, lot.FundingBankID)
	}
	m.state.lotSeq++
	lot.Sequence = m.state.lotSeq
	m.state.lots[lot.ID] = lot.Clone()
	return nil
}

func (m *MemoryStore) ListLots(_ context.Context, bankID uuid.UUID, onlyFundable bool) ([]*ledger.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Lot
	for _, lot := range m.state.lots {
		if lot.FundingBankID != bankID || (onlyFundable && !lot.Fundable()) {
			continue
		}
		out = append(out, lot.Clone())
	}
	ledger.SortFIFO(out)
	return out, nil
}

func (m *MemoryStore) GetLots(_ context.Context, ids []uuid.UUID) ([]*ledger.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Lot
	for _, id := range ids {
		if lot, ok := m.state.lots[id]; ok {
			out = append(out, lot.Clone())
		}
	}
	ledger.SortFIFO(out)
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return &txn, nil
}

func (m *MemoryStore) ListAllocations(_ context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Allocation(nil), m.state.allocations[transactionID]...), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) (TransactionPage, error) {
	limit := clampLimit(filter.Limit)

	var cursorTS time.Time
	var cursorID uuid.UUID
	if filter.Cursor != "" {
		var err error
		if cursorTS, cursorID, err = decodeCursor(filter.Cursor); err != nil {
			return TransactionPage{}, err
		}
	}

	m.mu.Lock()
	items := m.state.filtered(filter)
	m.mu.Unlock()

	// newest first, ties by id descending
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return strings.Compare(items[i].ID.String(), items[j].ID.String()) > 0
	})

	if filter.Cursor != "" {
		start := len(items)
		for i, txn := range items {
			if txn.CreatedAt.Before(cursorTS) || (txn.CreatedAt.Equal(cursorTS) && txn.ID.String() < cursorID.String()) {
				start = i
				break
			}
		}
		items = items[start:]
	}

	page := TransactionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (m *MemoryStore) TransactionStatistics(_ context.Context, filter TransactionFilter) ([]PairStatistics, error) {
	m.mu.Lock()
	items := m.state.filtered(filter)
	m.mu.Unlock()

	type acc struct {
		stats     PairStatistics
		rateSum   decimal.Decimal
		marginSum decimal.Decimal
	}
	groups := make(map[string]*acc)
	for _, txn := range items {
		key := txn.SourceCurrency + "/" + txn.TargetCurrency
		g, ok := groups[key]
		if !ok {
			g = &acc{stats: PairStatistics{
				SourceCurrency: txn.SourceCurrency,
				TargetCurrency: txn.TargetCurrency,
				TotalAmount:    decimal.Zero,
				TotalTotal:     decimal.Zero,
				TotalProfit:    decimal.Zero,
			}, rateSum: decimal.Zero, marginSum: decimal.Zero}
			groups[key] = g
		}
		g.stats.Count++
		g.stats.TotalAmount = g.stats.TotalAmount.Add(txn.Amount)
		g.stats.TotalTotal = g.stats.TotalTotal.Add(txn.Total)
		g.stats.TotalProfit = g.stats.TotalProfit.Add(txn.Profit)
		g.rateSum = g.rateSum.Add(txn.Rate)
		if !txn.Amount.IsZero() {
			g.marginSum = g.marginSum.Add(txn.Profit.DivRound(txn.Amount, 16))
		}
	}

	out := make([]PairStatistics, 0, len(groups))
	for _, g := range groups {
		count := decimal.NewFromInt(g.stats.Count)
		g.stats.AverageRate = g.rateSum.DivRound(count, 10)
		g.stats.AverageMargin = g.marginSum.DivRound(count, 10)
		out = append(out, g.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceCurrency != out[j].SourceCurrency {
			return out[i].SourceCurrency < out[j].SourceCurrency
		}
		return out[i].TargetCurrency < out[j].TargetCurrency
	})
	return out, nil
}

// DailyStatistics buckets the filtered transactions by UTC creation day,
// oldest day first.
func (m *MemoryStore) DailyStatistics(_ context.Context, filter TransactionFilter) ([]DayStatistics, error) {
	m.mu.Lock()
	items := m.state.filtered(filter)
	m.mu.Unlock()

	days := make(map[time.Time]*DayStatistics)
	for _, txn := range items {
		day := dayOf(txn.CreatedAt)
		st, ok := days[day]
		if !ok {
			st = &DayStatistics{Day: day, TotalProfit: decimal.Zero}
			days[day] = st
		}
		st.Count++
		st.TotalProfit = st.TotalProfit.Add(txn.Profit)
	}

	out := make([]DayStatistics, 0, len(days))
	for _, st := range days {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *memState) filtered(filter TransactionFilter) []Transaction {
	currency := strings.ToUpper(filter.Currency)
	source := strings.ToUpper(filter.SourceCurrency)
	target := strings.ToUpper(filter.TargetCurrency)
	out := make([]Transaction, 0, len(s.transactions))
	for _, txn := range s.transactions {
		if filter.From != nil && txn.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !txn.CreatedAt.Before(*filter.To) {
			continue
		}
		if currency != "" && txn.SourceCurrency != currency && txn.TargetCurrency != currency {
			continue
		}
		if source != "" && txn.SourceCurrency != source {
			continue
		}
		if target != "" && txn.TargetCurrency != target {
			continue
		}
		if filter.Profitable != nil && txn.Profit.IsPositive() != *filter.Profitable {
			continue
		}
		if filter.SenderKind != "" && txn.Sender.Kind != filter.SenderKind {
			continue
		}
		if filter.ReceiverKind != "" && txn.Receiver.Kind != filter.ReceiverKind {
			continue
		}
		if filter.CustomerID != nil && !involves(txn, party.KindCustomer, *filter.CustomerID) &&
			(txn.CustomerID == nil || *txn.CustomerID != *filter.CustomerID) {
			continue
		}
		if filter.BankID != nil && !involves(txn, party.KindBank, *filter.BankID) {
			continue
		}
		out = append(out, txn)
	}
	return out
}

func involves(txn Transaction, kind party.Kind, id uuid.UUID) bool {
	return (txn.Sender.Kind == kind && txn.Sender.ID == id) || (txn.Receiver.Kind == kind && txn.Receiver.ID == id)
}

func (s *memState) party(ref party.Ref) (party.Party, error) {
	if err := ref.Validate(); err != nil {
		return party.Party{}, err
	}
	switch ref.Kind {
	case party.KindBank:
		b, ok := s.banks[ref.ID]
		if !ok {
			return party.Party{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return party.NewBank(b.ID, b.Name, b.Currency), nil
	default:
		c, ok := s.customers[ref.ID]
		if !ok {
			return party.Party{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return party.NewCustomer(c.ID, c.Name, c.Phone), nil
	}
}

type memTx struct {
	state *memState
}

func (t *memTx) GetParty(_ context.Context, ref party.Ref) (party.Party, error) {
	return t.state.party(ref)
}

func (t *memTx) LockTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	txn, ok := t.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return &txn, nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *Transaction) error {
	if _, ok := t.state.transactions[txn.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, txn.ID)
	}
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) UpdateTransaction(_ context.Context, txn *Transaction) error {
	if _, ok := t.state.transactions[txn.ID]; !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, txn.ID)
	}
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.transactions[id]; !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	delete(t.state.transactions, id)
	delete(t.state.allocations, id)
	return nil
}

func (t *memTx) ListAllocations(_ context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error) {
	return append([]ledger.Allocation(nil), t.state.allocations[transactionID]...), nil
}

func (t *memTx) ReplaceAllocations(_ context.Context, transactionID uuid.UUID, allocations []ledger.Allocation) error {
	for _, a := range allocations {
		if _, ok := t.state.lots[a.LotID]; !ok {
			return fmt.Errorf("%w: lot %s", ErrNotFound, a.LotID)
		}
	}
	if len(allocations) == 0 {
		delete(t.state.allocations, transactionID)
		return nil
	}
	t.state.allocations[transactionID] = append([]ledger.Allocation(nil), allocations...)
	return nil
}

func (t *memTx) LockLots(_ context.Context, bankID uuid.UUID, include []uuid.UUID) ([]*ledger.Lot, error) {
	wanted := make(map[uuid.UUID]struct{}, len(include))
	for _, id := range include {
		wanted[id] = struct{}{}
	}
	var out []*ledger.Lot
	for id, lot := range t.state.lots {
		_, named := wanted[id]
		if named || (lot.FundingBankID == bankID && lot.Fundable()) {
			out = append(out, lot.Clone())
		}
	}
	ledger.SortFIFO(out)
	return out, nil
}

func (t *memTx) SaveLots(_ context.Context, lots []*ledger.Lot) error {
	for _, lot := range lots {
		stored, ok := t.state.lots[lot.ID]
		if !ok {
			return fmt.Errorf("%w: lot %s", ErrNotFound, lot.ID)
		}
		stored.AvailableAmount = lot.AvailableAmount
	}
	return nil
}

func (t *memTx) LockLot(_ context.Context, id uuid.UUID) (*ledger.Lot, error) {
	lot, ok := t.state.lots[id]
	if !ok {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	return lot.Clone(), nil
}

// DeleteLot drops the lot and, like the foreign key cascade, its allocations.
func (t *memTx) DeleteLot(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if _, ok := t.state.lots[id]; !ok {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	delete(t.state.lots, id)

	var affected []uuid.UUID
	for txnID, allocs := range t.state.allocations {
		kept := make([]ledger.Allocation, 0, len(allocs))
		for _, a := range allocs {
			if a.LotID != id {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(allocs) {
			continue
		}
		affected = append(affected, txnID)
		if len(kept) == 0 {
			delete(t.state.allocations, txnID)
		} else {
			t.state.allocations[txnID] = kept
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].String() < affected[j].String() })
	return affected, nil
}

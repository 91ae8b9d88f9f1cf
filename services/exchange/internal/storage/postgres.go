package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	transactionColumns = `id, amount::text, rate::text, cost_rate::text, total::text, profit::text,
		source_currency, target_currency, sender_kind, sender_id, receiver_kind, receiver_id,
		customer_id, funding_bank_id, created_by, created_at, updated_at`
	lotColumns = `id, seq, funding_bank_id, currency, initial_amount::text, available_amount::text,
		rate::text, description, created_at`
	allocationColumns = `id, transaction_id, lot_id, amount_used::text, rate_used::text, created_at`
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in one database transaction, committing only when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) CreateBank(ctx context.Context, bank *Bank) error {
	if bank.ID == uuid.Nil {
		bank.ID = uuid.New()
	}
	bank.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO banks (id, name, currency, created_at)
		VALUES ($1, $2, $3, $4)
	`, bank.ID, bank.Name, bank.Currency, bank.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: bank %q", ErrDuplicate, bank.Name)
	}
	return err
}

func (s *Store) CreateCustomer(ctx context.Context, customer *Customer) error {
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	customer.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1, $2, $3, $4)
	`, customer.ID, customer.Name, customer.Phone, customer.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: customer %s", ErrDuplicate, customer.ID)
	}
	return err
}

func (s *Store) GetParty(ctx context.Context, ref party.Ref) (party.Party, error) {
	return getParty(ctx, s.pool, ref)
}

func (s *Store) InsertLot(ctx context.Context, lot *ledger.Lot) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO balance_lots (id, funding_bank_id, currency, initial_amount, available_amount, rate, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING seq
	`, lot.ID, lot.FundingBankID, lot.Currency, lot.InitialAmount.String(), lot.AvailableAmount.String(),
		lot.Rate.String(), lot.Description, lot.CreatedAt)
	if err := row.Scan(&lot.Sequence); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: lot %s", ErrDuplicate, lot.ID)
		}
		return err
	}
	return nil
}

func (s *Store) ListLots(ctx context.Context, bankID uuid.UUID, onlyFundable bool) ([]*ledger.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM balance_lots WHERE funding_bank_id = $1`
	if onlyFundable {
		query += ` AND available_amount > 0`
	}
	query += ` ORDER BY created_at, id`
	return queryLots(ctx, s.pool, query, bankID)
}

func (s *Store) GetLots(ctx context.Context, ids []uuid.UUID) ([]*ledger.Lot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryLots(ctx, s.pool, `
		SELECT `+lotColumns+` FROM balance_lots WHERE id = ANY($1) ORDER BY created_at, id
	`, ids)
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return txn, err
}

func (s *Store) ListAllocations(ctx context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error) {
	return listAllocations(ctx, s.pool, transactionID)
}

// ListTransactions pages newest first.
func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) (TransactionPage, error) {
	limit := clampLimit(filter.Limit)
	where, args := filterClause(filter)

	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return TransactionPage{}, err
		}
		args = append(args, ts, id)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return TransactionPage{}, err
	}
	defer rows.Close()

	items := make([]Transaction, 0, limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return TransactionPage{}, err
		}
		items = append(items, *txn)
	}
	if err := rows.Err(); err != nil {
		return TransactionPage{}, err
	}

	page := TransactionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (s *Store) TransactionStatistics(ctx context.Context, filter TransactionFilter) ([]PairStatistics, error) {
	where, args := filterClause(filter)
	query := `
		SELECT source_currency, target_currency, COUNT(*),
			COALESCE(SUM(amount), 0)::text, COALESCE(SUM(total), 0)::text,
			COALESCE(SUM(profit), 0)::text, COALESCE(AVG(rate), 0)::text,
			COALESCE(AVG(profit / NULLIF(amount, 0)), 0)::text
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` GROUP BY source_currency, target_currency ORDER BY source_currency, target_currency`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []PairStatistics
	for rows.Next() {
		var st PairStatistics
		var amountStr, totalStr, profitStr, rateStr, marginStr string
		if err := rows.Scan(&st.SourceCurrency, &st.TargetCurrency, &st.Count, &amountStr, &totalStr, &profitStr, &rateStr, &marginStr); err != nil {
			return nil, err
		}
		if st.TotalAmount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse total amount: %w", err)
		}
		if st.TotalTotal, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse total: %w", err)
		}
		if st.TotalProfit, err = decimal.NewFromString(profitStr); err != nil {
			return nil, fmt.Errorf("parse total profit: %w", err)
		}
		if st.AverageRate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse average rate: %w", err)
		}
		if st.AverageMargin, err = decimal.NewFromString(marginStr); err != nil {
			return nil, fmt.Errorf("parse average margin: %w", err)
		}
		st.AverageRate = st.AverageRate.Round(10)
		st.AverageMargin = st.AverageMargin.Round(10)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DailyStatistics buckets the filtered transactions by UTC creation day,
// oldest day first.
func (s *Store) DailyStatistics(ctx context.Context, filter TransactionFilter) ([]DayStatistics, error) {
	where, args := filterClause(filter)
	query := `
		SELECT (created_at AT TIME ZONE 'UTC')::date AS day, COUNT(*), COALESCE(SUM(profit), 0)::text
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` GROUP BY day ORDER BY day`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayStatistics
	for rows.Next() {
		var st DayStatistics
		var profitStr string
		if err := rows.Scan(&st.Day, &st.Count, &profitStr); err != nil {
			return nil, err
		}
		if st.TotalProfit, err = decimal.NewFromString(profitStr); err != nil {
			return nil, fmt.Errorf("parse day profit: %w", err)
		}
		st.Day = dayOf(st.Day)
		out = append(out, st)
	}
	return out, rows.Err()
}

func filterClause(filter TransactionFilter) ([]string, []any) {
	var where []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if filter.Currency != "" {
		args = append(args, strings.ToUpper(filter.Currency))
		n := len(args)
		where = append(where, fmt.Sprintf("(source_currency = $%d OR target_currency = $%d)", n, n))
	}
	if filter.SourceCurrency != "" {
		add("source_currency = $%d", strings.ToUpper(filter.SourceCurrency))
	}
	if filter.TargetCurrency != "" {
		add("target_currency = $%d", strings.ToUpper(filter.TargetCurrency))
	}
	if filter.Profitable != nil {
		if *filter.Profitable {
			where = append(where, "profit > 0")
		} else {
			where = append(where, "profit <= 0")
		}
	}
	if filter.SenderKind != "" {
		add("sender_kind = $%d", string(filter.SenderKind))
	}
	if filter.ReceiverKind != "" {
		add("receiver_kind = $%d", string(filter.ReceiverKind))
	}
	if filter.CustomerID != nil {
		add("(customer_id = $%[1]d OR (sender_kind = 'customer' AND sender_id = $%[1]d) OR (receiver_kind = 'customer' AND receiver_id = $%[1]d))", *filter.CustomerID)
	}
	if filter.BankID != nil {
		add("((sender_kind = 'bank' AND sender_id = $%[1]d) OR (receiver_kind = 'bank' AND receiver_id = $%[1]d))", *filter.BankID)
	}
	return where, args
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetParty(ctx context.Context, ref party.Ref) (party.Party, error) {
	return getParty(ctx, t.tx, ref)
}

func (t *pgTx) LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return txn, err
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, amount, rate, cost_rate, total, profit, source_currency, target_currency,
			sender_kind, sender_id, receiver_kind, receiver_id, customer_id, funding_bank_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, txn.ID, txn.Amount.String(), txn.Rate.String(), txn.CostRate.String(), txn.Total.String(), txn.Profit.String(),
		txn.SourceCurrency, txn.TargetCurrency, string(txn.Sender.Kind), txn.Sender.ID,
		string(txn.Receiver.Kind), txn.Receiver.ID, txn.CustomerID, nullableUUID(txn.FundingBankID),
		txn.CreatedBy, txn.CreatedAt, txn.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, txn.ID)
	}
	return err
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET amount = $2, rate = $3, cost_rate = $4, total = $5, profit = $6, source_currency = $7,
			target_currency = $8, sender_kind = $9, sender_id = $10, receiver_kind = $11, receiver_id = $12,
			customer_id = $13, funding_bank_id = $14, updated_at = $15
		WHERE id = $1
	`, txn.ID, txn.Amount.String(), txn.Rate.String(), txn.CostRate.String(), txn.Total.String(), txn.Profit.String(),
		txn.SourceCurrency, txn.TargetCurrency, string(txn.Sender.Kind), txn.Sender.ID,
		string(txn.Receiver.Kind), txn.Receiver.ID, txn.CustomerID, nullableUUID(txn.FundingBankID), txn.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, txn.ID)
	}
	return nil
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) ListAllocations(ctx context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error) {
	return listAllocations(ctx, t.tx, transactionID)
}

func (t *pgTx) ReplaceAllocations(ctx context.Context, transactionID uuid.UUID, allocations []ledger.Allocation) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM lot_allocations WHERE transaction_id = $1`, transactionID); err != nil {
		return err
	}
	if len(allocations) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range allocations {
		batch.Queue(`
			INSERT INTO lot_allocations (id, transaction_id, lot_id, amount_used, rate_used, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, transactionID, a.LotID, a.AmountUsed.String(), a.RateUsed.String(), a.CreatedAt)
	}
	results := t.tx.SendBatch(ctx, batch)
	for range allocations {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert allocation: %w", err)
		}
	}
	return results.Close()
}

func (t *pgTx) LockLots(ctx context.Context, bankID uuid.UUID, include []uuid.UUID) ([]*ledger.Lot, error) {
	if include == nil {
		include = []uuid.UUID{}
	}
	return queryLots(ctx, t.tx, `
		SELECT `+lotColumns+`
		FROM balance_lots
		WHERE (funding_bank_id = $1 AND available_amount > 0) OR id = ANY($2)
		ORDER BY created_at, id
		FOR UPDATE
	`, nullableUUID(bankID), include)
}

func (t *pgTx) SaveLots(ctx context.Context, lots []*ledger.Lot) error {
	now := time.Now().UTC()
	for _, lot := range lots {
		tag, err := t.tx.Exec(ctx, `
			UPDATE balance_lots SET available_amount = $2, updated_at = $3 WHERE id = $1
		`, lot.ID, lot.AvailableAmount.String(), now)
		if err != nil {
			return fmt.Errorf("save lot %s: %w", lot.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: lot %s", ErrNotFound, lot.ID)
		}
	}
	return nil
}

func (t *pgTx) LockLot(ctx context.Context, id uuid.UUID) (*ledger.Lot, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM balance_lots WHERE id = $1 FOR UPDATE`, id)
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	return lot, err
}

// DeleteLot removes a lot; its allocations go with it through ON DELETE CASCADE.
func (t *pgTx) DeleteLot(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT transaction_id FROM lot_allocations WHERE lot_id = $1 ORDER BY transaction_id
	`, id)
	if err != nil {
		return nil, err
	}
	affected, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}

	tag, err := t.tx.Exec(ctx, `DELETE FROM balance_lots WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: lot %s", ErrNotFound, id)
	}
	return affected, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getParty(ctx context.Context, q querier, ref party.Ref) (party.Party, error) {
	if err := ref.Validate(); err != nil {
		return party.Party{}, err
	}
	switch ref.Kind {
	case party.KindBank:
		var name, currency string
		err := q.QueryRow(ctx, `SELECT name, currency FROM banks WHERE id = $1`, ref.ID).Scan(&name, &currency)
		if errors.Is(err, pgx.ErrNoRows) {
			return party.Party{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if err != nil {
			return party.Party{}, err
		}
		return party.NewBank(ref.ID, name, currency), nil
	default:
		var name, phone string
		err := q.QueryRow(ctx, `SELECT name, phone FROM customers WHERE id = $1`, ref.ID).Scan(&name, &phone)
		if errors.Is(err, pgx.ErrNoRows) {
			return party.Party{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if err != nil {
			return party.Party{}, err
		}
		return party.NewCustomer(ref.ID, name, phone), nil
	}
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]*ledger.Lot, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*ledger.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(row rowScanner) (*ledger.Lot, error) {
	var lot ledger.Lot
	var initialStr, availableStr, rateStr string
	if err := row.Scan(&lot.ID, &lot.Sequence, &lot.FundingBankID, &lot.Currency, &initialStr, &availableStr,
		&rateStr, &lot.Description, &lot.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if lot.InitialAmount, err = decimal.NewFromString(initialStr); err != nil {
		return nil, fmt.Errorf("parse initial amount: %w", err)
	}
	if lot.AvailableAmount, err = decimal.NewFromString(availableStr); err != nil {
		return nil, fmt.Errorf("parse available amount: %w", err)
	}
	if lot.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return nil, fmt.Errorf("parse lot rate: %w", err)
	}
	lot.CreatedAt = lot.CreatedAt.UTC()
	return &lot, nil
}

func listAllocations(ctx context.Context, q querier, transactionID uuid.UUID) ([]ledger.Allocation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+allocationColumns+`
		FROM lot_allocations
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Allocation
	for rows.Next() {
		var a ledger.Allocation
		var usedStr, rateStr string
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.LotID, &usedStr, &rateStr, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.AmountUsed, err = decimal.NewFromString(usedStr); err != nil {
			return nil, fmt.Errorf("parse amount used: %w", err)
		}
		if a.RateUsed, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse rate used: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var amountStr, rateStr, costRateStr, totalStr, profitStr, senderKind, receiverKind string
	var fundingBankID *uuid.UUID
	if err := row.Scan(&txn.ID, &amountStr, &rateStr, &costRateStr, &totalStr, &profitStr,
		&txn.SourceCurrency, &txn.TargetCurrency, &senderKind, &txn.Sender.ID, &receiverKind, &txn.Receiver.ID,
		&txn.CustomerID, &fundingBankID, &txn.CreatedBy, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return nil, err
	}
	txn.Sender.Kind = party.Kind(senderKind)
	txn.Receiver.Kind = party.Kind(receiverKind)
	if fundingBankID != nil {
		txn.FundingBankID = *fundingBankID
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"amount", amountStr, &txn.Amount},
		{"rate", rateStr, &txn.Rate},
		{"cost rate", costRateStr, &txn.CostRate},
		{"total", totalStr, &txn.Total},
		{"profit", profitStr, &txn.Profit},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return &txn, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

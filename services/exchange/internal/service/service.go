package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
)

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
	GetParty(ctx context.Context, ref party.Ref) (party.Party, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*storage.Transaction, error)
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) (storage.TransactionPage, error)
	TransactionStatistics(ctx context.Context, filter storage.TransactionFilter) ([]storage.PairStatistics, error)
	DailyStatistics(ctx context.Context, filter storage.TransactionFilter) ([]storage.DayStatistics, error)
	ListAllocations(ctx context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error)
	ListLots(ctx context.Context, bankID uuid.UUID, onlyFundable bool) ([]*ledger.Lot, error)
	GetLots(ctx context.Context, ids []uuid.UUID) ([]*ledger.Lot, error)
	InsertLot(ctx context.Context, lot *ledger.Lot) error
	CreateBank(ctx context.Context, bank *storage.Bank) error
	CreateCustomer(ctx context.Context, customer *storage.Customer) error
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

// SummaryCache holds rendered funding summaries keyed by transaction id.
type SummaryCache interface {
	Get(ctx context.Context, transactionID uuid.UUID) (*funding.Summary, bool, error)
	Set(ctx context.Context, summary *funding.Summary) error
	Invalidate(ctx context.Context, transactionID uuid.UUID) error
}

type Topics struct {
	Funded  string
	Deleted string
}

type Options struct {
	// DefaultFundingBankID funds transactions that do not name a funding bank.
	DefaultFundingBankID uuid.UUID
	Topics               Topics
}

type Service struct {
	store     Store
	engine    *funding.Engine
	publisher Publisher
	cache     SummaryCache
	opts      Options
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

func New(store Store, opts Options, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		engine:  funding.NewEngine(),
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher enables post-commit events. Topics left empty are skipped.
func (s *Service) WithPublisher(publisher Publisher) *Service {
	s.publisher = publisher
	return s
}

func (s *Service) WithCache(cache SummaryCache) *Service {
	s.cache = cache
	return s
}

package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/quantize"
	"github.com/ksred/mirror-api/internal/types"
)

// EngineConfig carries the execution parameters for the mirror engine.
type EngineConfig struct {
	Retry            broker.RetryPolicy
	RequestTimeout   time.Duration
	Tolerance        decimal.Decimal // fraction, e.g. 0.01
	EnforceTolerance bool
	Table            quantize.Table
	DefaultExchange  string
}

// Engine executes at-most-one mirror order per fill against the mirror
// account. Idempotency rests on a reserve-before-act discipline: the fill
// key is inserted into the reservation set under the lock before any broker
// call, and released only if the attempt ultimately fails, so a concurrent
// duplicate can never race past the check while an in-flight fill that never
// succeeds stays retryable.
type Engine struct {
	client broker.Client
	db     *Database
	cfg    EngineConfig
	logger zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	reserved map[string]struct{} // mirrored or in-flight fill keys
}

// NewEngine builds an engine seeded with the fill keys already confirmed in
// the durable ledger, so idempotency holds across restarts. The engine
// starts stopped; enabling mirroring starts it.
func NewEngine(client broker.Client, db *Database, cfg EngineConfig) (*Engine, error) {
	keys, err := db.Keys()
	if err != nil {
		return nil, err
	}
	reserved := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		reserved[key] = struct{}{}
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = "NFO"
	}
	return &Engine{
		client:   client,
		db:       db,
		cfg:      cfg,
		logger:   log.With().Str("component", "mirror_engine").Logger(),
		stopped:  true,
		reserved: reserved,
	}, nil
}

// Start allows order execution.
func (e *Engine) Start() {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()
	e.logger.Info().Msg("mirror engine started")
}

// Stop blocks further order execution. In-flight attempts complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.logger.Info().Msg("mirror engine stopped")
}

// Mirror places at most one order on the mirror account for the fill.
// It returns true when the fill is already mirrored or the order was placed,
// false when the engine is stopped or every attempt failed. Broker errors
// never propagate; they become log entries and a false result.
func (e *Engine) Mirror(ctx context.Context, fill types.Fill) bool {
	logger := e.logger.With().
		Str("fill_key", fill.FillKey).
		Str("symbol", fill.Symbol).
		Int64("quantity", fill.MirroredQuantity).
		Logger()

	// Reservation: the lock covers only the check-and-insert, never the
	// broker round trips.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		logger.Warn().Msg("mirror engine stopped, fill not executed")
		return false
	}
	if _, ok := e.reserved[fill.FillKey]; ok {
		e.mu.Unlock()
		logger.Info().Msg("fill already mirrored")
		return true
	}
	e.reserved[fill.FillKey] = struct{}{}
	e.mu.Unlock()

	if fill.MirroredQuantity <= 0 {
		e.release(fill.FillKey)
		logger.Error().Msg("fill has no mirrored quantity, refusing to place order")
		return false
	}

	logger.Info().Str("price", fill.Price.String()).Msg("attempting to mirror fill")

	exchange := fill.Exchange
	if exchange == "" {
		exchange = e.cfg.DefaultExchange
	}

	token := e.resolveToken(ctx, exchange, fill.Symbol, logger)
	if !e.withinTolerance(ctx, exchange, fill, token, logger) {
		e.release(fill.FillKey)
		return false
	}

	spec := types.OrderSpec{
		Variety:       "NORMAL",
		TradingSymbol: fill.Symbol,
		SymbolToken:   token,
		Side:          fill.Side,
		Exchange:      exchange,
		OrderType:     "MARKET",
		ProductType:   fill.ProductType,
		Duration:      "DAY",
		Quantity:      fill.MirroredQuantity,
	}

	var orderID string
	err := e.cfg.Retry.Do(ctx, logger, "place order", func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		id, err := e.client.PlaceOrder(callCtx, spec)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if err != nil {
		// Release so a later tick may retry; the fill was never durably
		// recorded as mirrored.
		e.release(fill.FillKey)
		logger.Error().Err(err).Msg("failed to mirror fill")
		return false
	}

	if err := e.db.Create(&MirroredFill{
		FillKey:    fill.FillKey,
		OrderID:    orderID,
		MirroredAt: time.Now(),
	}); err != nil {
		// The order is live; keep the in-memory reservation to prevent a
		// duplicate placement even though durability is degraded.
		logger.Error().Err(err).Str("order_id", orderID).Msg("order placed but ledger write failed")
		return true
	}

	logger.Info().Str("order_id", orderID).Msg("successfully mirrored fill")
	return true
}

// RecordSimulated writes a dry-run outcome to the ledger so simulated runs
// share the same idempotency guarantees as live ones.
func (e *Engine) RecordSimulated(fill types.Fill, orderID string) error {
	e.mu.Lock()
	if _, ok := e.reserved[fill.FillKey]; ok {
		e.mu.Unlock()
		return nil
	}
	e.reserved[fill.FillKey] = struct{}{}
	e.mu.Unlock()

	return e.db.Create(&MirroredFill{
		FillKey:    fill.FillKey,
		OrderID:    orderID,
		MirroredAt: time.Now(),
	})
}

// MirroredCount returns the number of confirmed mirrors in the ledger.
func (e *Engine) MirroredCount() int64 {
	count, err := e.db.Count()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to count mirrored fills")
		return 0
	}
	return count
}

func (e *Engine) release(fillKey string) {
	e.mu.Lock()
	delete(e.reserved, fillKey)
	e.mu.Unlock()
}

// resolveToken searches the mirror account's instrument catalog for an exact
// symbol match within a class-scoped search term. A class-level hit that is
// not an exact symbol match counts as not found. Resolution is best effort:
// when every attempt fails the order is placed on the trading symbol alone.
func (e *Engine) resolveToken(ctx context.Context, exchange, symbol string, logger zerolog.Logger) string {
	term := e.cfg.Table.ClassOf(symbol)
	if term == "" {
		term = symbol
	}

	var token string
	err := e.cfg.Retry.Do(ctx, logger, "instrument search", func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		hits, err := e.client.SearchScrip(callCtx, exchange, term)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			if hit.TradingSymbol == symbol {
				token = hit.SymbolToken
				return nil
			}
		}
		// The search itself worked; an inexact result set is final, not
		// retryable.
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("instrument search exhausted, placing order without token")
		return ""
	}
	if token == "" {
		logger.Warn().Str("search_term", term).Msg("no exact symbol match, placing order without token")
	}
	return token
}

// withinTolerance fetches the live price best-effort and compares its
// deviation from the fill price against the configured tolerance. With
// enforcement off (the default) an excursion is only a warning, since the
// mirror order is placed at market either way.
func (e *Engine) withinTolerance(ctx context.Context, exchange string, fill types.Fill, token string, logger zerolog.Logger) bool {
	var current decimal.Decimal
	err := e.cfg.Retry.Do(ctx, logger, "price fetch", func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		ltp, err := e.client.LTP(callCtx, exchange, fill.Symbol, token)
		if err != nil {
			return err
		}
		current = ltp
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("no live price available, skipping tolerance check")
		return true
	}
	if !fill.Price.IsPositive() {
		return true
	}

	deviation := current.Sub(fill.Price).Abs().Div(fill.Price)
	if deviation.LessThanOrEqual(e.cfg.Tolerance) {
		return true
	}

	logger.Warn().
		Str("fill_price", fill.Price.String()).
		Str("current_price", current.String()).
		Str("deviation", deviation.String()).
		Str("tolerance", e.cfg.Tolerance.String()).
		Msg("live price outside tolerance")
	if e.cfg.EnforceTolerance {
		return false
	}
	return true
}

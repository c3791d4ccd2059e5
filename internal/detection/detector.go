package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/types"
)

// ErrUnrecognizedShape marks a trade-book record matching neither the legacy
// nor the current broker format. Such records are dropped per record, never
// aborting the batch.
var ErrUnrecognizedShape = errors.New("unrecognized trade record shape")

// Detector polls the source account's trade book and yields fills that have
// not been processed before. It owns the dedup ledger; no other component
// touches it.
type Detector struct {
	client     broker.Client
	ledger     *Ledger
	underlying string
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewDetector creates a detector for the given source-account client.
func NewDetector(client broker.Client, ledger *Ledger, underlying string, timeout time.Duration) *Detector {
	return &Detector{
		client:     client,
		ledger:     ledger,
		underlying: underlying,
		timeout:    timeout,
		logger:     log.With().Str("component", "trade_detector").Logger(),
	}
}

// DetectNewFills performs one snapshot poll of the source trade book and
// returns the fills not seen before, marking them seen before returning so a
// fill is never yielded twice even if downstream processing fails. Fetch
// failures are logged and yield an empty batch; the next poll recovers.
func (d *Detector) DetectNewFills(ctx context.Context) []types.Fill {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	records, err := d.client.TradeBook(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to fetch trade book")
		return nil
	}
	if len(records) == 0 {
		d.logger.Debug().Msg("trade book is empty")
		return nil
	}

	var fills []types.Fill
	for _, record := range records {
		fill, err := Normalize(record)
		if err != nil {
			d.logger.Warn().Err(err).Msg("skipping malformed trade record")
			continue
		}
		if !types.IsOptionOn(d.underlying, fill.Symbol) {
			continue
		}
		if d.ledger.Seen(fill.FillKey) {
			continue
		}
		if err := d.ledger.Mark(fill.FillKey); err != nil {
			d.logger.Error().Err(err).Str("fill_key", fill.FillKey).Msg("failed to persist dedup entry")
		}

		d.logger.Info().
			Str("symbol", fill.Symbol).
			Str("side", string(fill.Side)).
			Int64("quantity", fill.Quantity).
			Str("price", fill.Price.String()).
			Msg("new fill detected")
		fills = append(fills, fill)
	}
	return fills
}

// Normalize converts one raw trade-book record into a canonical Fill. The
// broker emits two incompatible shapes; dispatch is on which fields are
// populated, with an explicit unrecognized variant. Failures are per record.
func Normalize(record broker.RawTrade) (types.Fill, error) {
	switch {
	case record.OrderTimestamp != "" && record.TradingSymbol != "":
		return normalizeLegacy(record)
	case record.Tradingsymbol != "" && record.FillSize != "":
		return normalizeCurrent(record)
	default:
		return types.Fill{}, ErrUnrecognizedShape
	}
}

func normalizeLegacy(record broker.RawTrade) (types.Fill, error) {
	quantity, err := strconv.ParseInt(strings.TrimSpace(record.Quantity), 10, 64)
	if err != nil {
		return types.Fill{}, fmt.Errorf("legacy record quantity %q: %w", record.Quantity, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record.AveragePrice))
	if err != nil {
		return types.Fill{}, fmt.Errorf("legacy record price %q: %w", record.AveragePrice, err)
	}
	side, err := parseSide(record.OrderType)
	if err != nil {
		return types.Fill{}, err
	}
	if quantity <= 0 {
		return types.Fill{}, fmt.Errorf("legacy record quantity %d not positive", quantity)
	}
	return types.Fill{
		FillKey:     types.NewFillKey(record.OrderTimestamp, record.TradingSymbol, quantity),
		Symbol:      record.TradingSymbol,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		ProductType: record.ProductTypeLegacy,
		Exchange:    record.Exchange,
		FillTime:    record.OrderTimestamp,
	}, nil
}

func normalizeCurrent(record broker.RawTrade) (types.Fill, error) {
	quantity, err := strconv.ParseInt(strings.TrimSpace(record.FillSize), 10, 64)
	if err != nil {
		return types.Fill{}, fmt.Errorf("record fill size %q: %w", record.FillSize, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record.FillPrice))
	if err != nil {
		return types.Fill{}, fmt.Errorf("record fill price %q: %w", record.FillPrice, err)
	}
	side, err := parseSide(record.TransactionType)
	if err != nil {
		return types.Fill{}, err
	}
	if quantity <= 0 {
		return types.Fill{}, fmt.Errorf("record fill size %d not positive", quantity)
	}
	return types.Fill{
		FillKey:     types.NewFillKey(record.FillTime, record.Tradingsymbol, quantity),
		Symbol:      record.Tradingsymbol,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		ProductType: record.ProductType,
		Exchange:    record.Exchange,
		FillTime:    record.FillTime,
	}, nil
}

func parseSide(raw string) (types.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return types.SideBuy, nil
	case "SELL":
		return types.SideSell, nil
	default:
		return "", fmt.Errorf("unknown transaction type %q", raw)
	}
}

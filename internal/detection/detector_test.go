package detection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/types"
)

// fakeClient serves a canned trade book.
type fakeClient struct {
	trades []broker.RawTrade
	err    error
}

func (f *fakeClient) TradeBook(ctx context.Context) ([]broker.RawTrade, error) {
	return f.trades, f.err
}

func (f *fakeClient) SearchScrip(ctx context.Context, exchange, term string) ([]broker.Instrument, error) {
	return nil, nil
}

func (f *fakeClient) LTP(ctx context.Context, exchange, symbol, token string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error) {
	return "", nil
}

func openLedgerDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SeenFill{}))
	return db
}

func newTestDetector(t *testing.T, client broker.Client, path string) *Detector {
	t.Helper()
	ledger, err := NewLedger(openLedgerDB(t, path))
	require.NoError(t, err)
	return NewDetector(client, ledger, "NIFTY", 5*time.Second)
}

func currentRecord(fillTime, symbol, size, price, side string) broker.RawTrade {
	return broker.RawTrade{
		FillTime:        fillTime,
		Tradingsymbol:   symbol,
		FillSize:        size,
		FillPrice:       price,
		TransactionType: side,
		ProductType:     "CARRYFORWARD",
		Exchange:        "NFO",
	}
}

func TestDetectNewFills(t *testing.T) {
	client := &fakeClient{trades: []broker.RawTrade{
		currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
		{
			// Legacy shape.
			OrderTimestamp:    "2026-01-07 13:45:02",
			TradingSymbol:     "NIFTY25OCT23600PE",
			Quantity:          "75",
			AveragePrice:      "62.10",
			OrderType:         "SELL",
			ProductTypeLegacy: "INTRADAY",
			Exchange:          "NFO",
		},
		currentRecord("13:45:03", "RELIANCE", "10", "2900.00", "BUY"), // not in universe
		{Exchange: "NFO"}, // unrecognized shape, skipped
		currentRecord("13:45:04", "NIFTY25OCT23400CE", "garbage", "45.50", "BUY"), // malformed, skipped
	}}

	detector := newTestDetector(t, client, filepath.Join(t.TempDir(), "ledger.db"))
	fills := detector.DetectNewFills(context.Background())

	require.Len(t, fills, 2)

	assert.Equal(t, "13:45:01_NIFTY25OCT23400CE_150", fills[0].FillKey)
	assert.Equal(t, types.SideBuy, fills[0].Side)
	assert.Equal(t, int64(150), fills[0].Quantity)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromFloat(45.50)))
	assert.Equal(t, "NFO", fills[0].Exchange)

	assert.Equal(t, "2026-01-07 13:45:02_NIFTY25OCT23600PE_75", fills[1].FillKey)
	assert.Equal(t, types.SideSell, fills[1].Side)
	assert.Equal(t, "INTRADAY", fills[1].ProductType)
}

func TestDetectDedupAcrossPolls(t *testing.T) {
	client := &fakeClient{trades: []broker.RawTrade{
		currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
	}}
	detector := newTestDetector(t, client, filepath.Join(t.TempDir(), "ledger.db"))

	first := detector.DetectNewFills(context.Background())
	require.Len(t, first, 1)

	second := detector.DetectNewFills(context.Background())
	assert.Empty(t, second)
}

func TestDetectDedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	client := &fakeClient{trades: []broker.RawTrade{
		currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
	}}

	detector := newTestDetector(t, client, path)
	require.Len(t, detector.DetectNewFills(context.Background()), 1)

	// Fresh ledger and detector over the same store simulate a restart.
	restarted := newTestDetector(t, client, path)
	assert.Empty(t, restarted.DetectNewFills(context.Background()))
}

func TestDetectFetchFailureYieldsEmpty(t *testing.T) {
	client := &fakeClient{err: errors.New("broker unreachable")}
	detector := newTestDetector(t, client, filepath.Join(t.TempDir(), "ledger.db"))

	assert.Empty(t, detector.DetectNewFills(context.Background()))

	// Recovery on the next successful poll.
	client.err = nil
	client.trades = []broker.RawTrade{
		currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
	}
	assert.Len(t, detector.DetectNewFills(context.Background()), 1)
}

func TestDetectMarksSeenEvenIfDownstreamIgnoresFills(t *testing.T) {
	client := &fakeClient{trades: []broker.RawTrade{
		currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
	}}
	detector := newTestDetector(t, client, filepath.Join(t.TempDir(), "ledger.db"))

	fills := detector.DetectNewFills(context.Background())
	require.Len(t, fills, 1)

	// The key was marked before the fills were returned; even if the caller
	// crashed here, the fill would not be surfaced again.
	assert.Empty(t, detector.DetectNewFills(context.Background()))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		record  broker.RawTrade
		wantKey string
		wantErr bool
	}{
		{
			name:    "current shape",
			record:  currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY"),
			wantKey: "13:45:01_NIFTY25OCT23400CE_150",
		},
		{
			name: "legacy shape",
			record: broker.RawTrade{
				OrderTimestamp: "2026-01-07 13:45:02",
				TradingSymbol:  "NIFTY25OCT23600PE",
				Quantity:       "75",
				AveragePrice:   "62.10",
				OrderType:      "SELL",
			},
			wantKey: "2026-01-07 13:45:02_NIFTY25OCT23600PE_75",
		},
		{
			name:    "unrecognized shape",
			record:  broker.RawTrade{Exchange: "NFO"},
			wantErr: true,
		},
		{
			name:    "malformed quantity",
			record:  currentRecord("13:45:01", "NIFTY25OCT23400CE", "x", "45.50", "BUY"),
			wantErr: true,
		},
		{
			name:    "malformed price",
			record:  currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "", "BUY"),
			wantErr: true,
		},
		{
			name:    "unknown side",
			record:  currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "HOLD"),
			wantErr: true,
		},
		{
			name:    "zero quantity",
			record:  currentRecord("13:45:01", "NIFTY25OCT23400CE", "0", "45.50", "BUY"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, err := Normalize(tt.record)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, fill.FillKey)
		})
	}
}

func TestNormalizeKeyIsStableAcrossReads(t *testing.T) {
	record := currentRecord("13:45:01", "NIFTY25OCT23400CE", "150", "45.50", "BUY")

	first, err := Normalize(record)
	require.NoError(t, err)
	second, err := Normalize(record)
	require.NoError(t, err)

	assert.Equal(t, first.FillKey, second.FillKey)
}

package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/detection"
	"github.com/ksred/mirror-api/internal/mirror"
	"github.com/ksred/mirror-api/internal/quantize"
	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/internal/types"
)

// pipelineBroker serves both sides of the pipeline in tests: the trade book
// read by the detector and the order placement done by the engine. When
// placeStarted is set, PlaceOrder signals it and blocks until placeRelease,
// recording the call context's error on the way out.
type pipelineBroker struct {
	mu           sync.Mutex
	trades       []broker.RawTrade
	placeErr     error
	placeCalls   int
	placeStarted chan struct{}
	placeRelease chan struct{}
	placeCtxErr  error
}

func (p *pipelineBroker) TradeBook(ctx context.Context) ([]broker.RawTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trades, nil
}

func (p *pipelineBroker) SearchScrip(ctx context.Context, exchange, term string) ([]broker.Instrument, error) {
	return nil, errors.New("catalog unavailable")
}

func (p *pipelineBroker) LTP(ctx context.Context, exchange, symbol, token string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("ltp unavailable")
}

func (p *pipelineBroker) PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error) {
	p.mu.Lock()
	p.placeCalls++
	err := p.placeErr
	started, release := p.placeStarted, p.placeRelease
	p.mu.Unlock()

	if err != nil {
		return "", err
	}
	if started != nil {
		started <- struct{}{}
		<-release
		p.mu.Lock()
		p.placeCtxErr = ctx.Err()
		p.mu.Unlock()
	}
	return "ORDER1", nil
}

func (p *pipelineBroker) setPlaceErr(err error) {
	p.mu.Lock()
	p.placeErr = err
	p.mu.Unlock()
}

func (p *pipelineBroker) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeCalls
}

type pipeline struct {
	client *pipelineBroker
	gate   *safety.Gate
	engine *mirror.Engine
	db     *mirror.Database
	loop   *Loop
}

// newPipeline wires a full loop against a temp database, with the clock
// pinned inside trading hours on a regular Wednesday.
func newPipeline(t *testing.T, cfg LoopConfig) *pipeline {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loop.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&detection.SeenFill{}, &mirror.MirroredFill{}))

	client := &pipelineBroker{}

	ledger, err := detection.NewLedger(db)
	require.NoError(t, err)
	detector := detection.NewDetector(client, ledger, "NIFTY", time.Second)

	gate := safety.NewGate(safety.GateConfig{
		Location:     time.UTC,
		OpenMinutes:  9*60 + 15,
		CloseMinutes: 15*60 + 30,
		Underlying:   "NIFTY",
		PriceCeiling: decimal.NewFromInt(10000),
		Now: func() time.Time {
			return time.Date(2026, time.January, 7, 11, 0, 0, 0, time.UTC)
		},
	})

	table := quantize.NewTable(map[string]int64{"NIFTY": 75}, 75)

	engine, err := mirror.NewEngine(client, mirror.NewDatabase(db), mirror.EngineConfig{
		Retry:          broker.RetryPolicy{MaxAttempts: 1, Delay: 0},
		RequestTimeout: time.Second,
		Tolerance:      decimal.NewFromFloat(0.01),
		Table:          table,
	})
	require.NoError(t, err)

	return &pipeline{
		client: client,
		gate:   gate,
		engine: engine,
		db:     mirror.NewDatabase(db),
		loop:   NewLoop(detector, gate, table, engine, cfg),
	}
}

func tradeRecord(symbol, size string) broker.RawTrade {
	return broker.RawTrade{
		FillTime:        "13:45:01",
		Tradingsymbol:   symbol,
		FillSize:        size,
		FillPrice:       "45.50",
		TransactionType: "BUY",
		ProductType:     "CARRYFORWARD",
		Exchange:        "NFO",
	}
}

func TestTickDryRunAuditsWithoutPlacing(t *testing.T) {
	p := newPipeline(t, LoopConfig{DryRun: true, RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	p.loop.Tick(context.Background())

	assert.Zero(t, p.client.calls())

	status := p.loop.Status()
	assert.Equal(t, int64(1), status.DetectionCount)
	assert.Equal(t, int64(1), status.MirroredCount)
	assert.Zero(t, status.FailedCount)

	audit := p.loop.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, "NIFTY25OCT23400CE", audit[0].Symbol)
	assert.Equal(t, int64(150), audit[0].MirroredQuantity)

	// The simulated outcome is durable in the mirror ledger.
	count, err := p.db.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTickRequeuesFailedMirror(t *testing.T) {
	p := newPipeline(t, LoopConfig{RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.engine.Start()
	p.client.setPlaceErr(errors.New("exchange down"))
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	p.loop.Tick(context.Background())

	status := p.loop.Status()
	assert.Equal(t, int64(1), status.FailedCount)
	assert.Equal(t, 1, status.PendingRetries)
	assert.Zero(t, status.MirroredCount)

	// The dedup ledger will not yield the fill again; only the requeue path
	// can complete it once the broker recovers.
	p.client.setPlaceErr(nil)
	p.loop.Tick(context.Background())

	status = p.loop.Status()
	assert.Equal(t, int64(1), status.MirroredCount)
	assert.Zero(t, status.PendingRetries)
	assert.Equal(t, int64(1), status.DetectionCount)
}

func TestTickGivesUpAfterRequeueLimit(t *testing.T) {
	p := newPipeline(t, LoopConfig{RequeueMaxAttempts: 2})
	require.NoError(t, p.gate.Enable())
	p.engine.Start()
	p.client.setPlaceErr(errors.New("exchange down"))
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	p.loop.Tick(context.Background())
	require.Equal(t, 1, p.loop.Status().PendingRetries)

	p.loop.Tick(context.Background())

	status := p.loop.Status()
	assert.Zero(t, status.PendingRetries)
	assert.Equal(t, int64(2), status.FailedCount)
	assert.Zero(t, status.MirroredCount)
}

func TestTickSkipsFillsBlockedByGate(t *testing.T) {
	p := newPipeline(t, LoopConfig{DryRun: true, RequeueMaxAttempts: 3})
	// Gate left Disabled.
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	p.loop.Tick(context.Background())

	status := p.loop.Status()
	assert.Equal(t, int64(1), status.DetectionCount)
	assert.Zero(t, status.MirroredCount)
	assert.Empty(t, p.loop.AuditLog())
}

func TestTickSkipsFillsBelowOneLot(t *testing.T) {
	p := newPipeline(t, LoopConfig{DryRun: true, RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.client.trades = []broker.RawTrade{
		tradeRecord("NIFTY25OCT23400CE", "50"),
		tradeRecord("NIFTY25OCT23500PE", "75"),
	}

	p.loop.Tick(context.Background())

	status := p.loop.Status()
	assert.Equal(t, int64(2), status.DetectionCount)
	assert.Equal(t, int64(1), status.MirroredCount)

	audit := p.loop.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, "NIFTY25OCT23500PE", audit[0].Symbol)
}

func TestStartStopLifecycle(t *testing.T) {
	p := newPipeline(t, LoopConfig{Interval: time.Hour, DryRun: true, RequeueMaxAttempts: 3})

	require.NoError(t, p.loop.Start())
	assert.True(t, p.loop.Running())
	assert.ErrorIs(t, p.loop.Start(), ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.loop.Stop(ctx))
	assert.False(t, p.loop.Running())
	assert.ErrorIs(t, p.loop.Stop(ctx), ErrNotRunning)
}

func TestStopDoesNotInterruptInFlightMirror(t *testing.T) {
	p := newPipeline(t, LoopConfig{Interval: time.Hour, RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.engine.Start()
	p.client.placeStarted = make(chan struct{})
	p.client.placeRelease = make(chan struct{})
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	require.NoError(t, p.loop.Start())
	<-p.client.placeStarted // first tick is now blocked inside the broker

	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopDone <- p.loop.Stop(ctx)
	}()

	// Give the stop request time to land while the placement is in flight,
	// then let the broker call finish.
	time.Sleep(100 * time.Millisecond)
	close(p.client.placeRelease)

	require.NoError(t, <-stopDone)

	// The placement's context was never cancelled and the mirror completed.
	p.client.mu.Lock()
	ctxErr := p.client.placeCtxErr
	p.client.mu.Unlock()
	assert.NoError(t, ctxErr)

	status := p.loop.Status()
	assert.Equal(t, int64(1), status.MirroredCount)
	assert.Zero(t, status.FailedCount)
	assert.Zero(t, status.PendingRetries)
}

func TestControllerStopTimeoutStillStopsEngine(t *testing.T) {
	p := newPipeline(t, LoopConfig{Interval: time.Hour, RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.engine.Start()
	p.client.placeStarted = make(chan struct{})
	p.client.placeRelease = make(chan struct{})
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	controller := NewController(p.loop, p.gate, p.engine)
	controller.stopTimeout = 20 * time.Millisecond

	require.NoError(t, controller.Start())
	<-p.client.placeStarted

	// The join times out behind the blocked placement, but the engine must
	// reject new work anyway.
	err := controller.Stop()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.engine.Mirror(context.Background(), types.Fill{
		FillKey: "14:00:00_NIFTY25OCT23600PE_75",
		Symbol:  "NIFTY25OCT23600PE",
	}))

	close(p.client.placeRelease)
	require.Eventually(t, func() bool {
		return p.loop.Status().MirroredCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTicksImmediately(t *testing.T) {
	p := newPipeline(t, LoopConfig{Interval: time.Hour, DryRun: true, RequeueMaxAttempts: 3})
	require.NoError(t, p.gate.Enable())
	p.client.trades = []broker.RawTrade{tradeRecord("NIFTY25OCT23400CE", "150")}

	require.NoError(t, p.loop.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.loop.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		return p.loop.Status().MirroredCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/database"
	"github.com/ksred/mirror-api/internal/detection"
	"github.com/ksred/mirror-api/internal/mirror"
	"github.com/ksred/mirror-api/internal/monitor"
	"github.com/ksred/mirror-api/internal/quantize"
	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/internal/types"
)

const (
	simTicks    = 20
	minLatency  = 5   // milliseconds
	maxLatency  = 60
	successRate = 0.85
)

var strikes = []int{23000, 23200, 23400, 23600, 23800}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// simSource is an in-memory source account that accrues random option fills
// over time, mixing current- and legacy-shape records the way the real
// trade book does.
type simSource struct {
	mu     sync.Mutex
	trades []broker.RawTrade
}

func (s *simSource) addRandomFill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	side := "BUY"
	if rand.Float64() < 0.4 {
		side = "SELL"
	}
	symbol := fmt.Sprintf("NIFTY25OCT%d%s", strikes[rand.Intn(len(strikes))], []string{"CE", "PE"}[rand.Intn(2)])
	qty := fmt.Sprintf("%d", 75*(1+rand.Intn(4)))
	price := fmt.Sprintf("%.2f", 20+rand.Float64()*180)
	now := time.Now().Format("15:04:05")

	if rand.Float64() < 0.25 {
		// Legacy shape still shows up on some sessions.
		s.trades = append(s.trades, broker.RawTrade{
			OrderTimestamp:    time.Now().Format("2006-01-02 15:04:05"),
			TradingSymbol:     symbol,
			Quantity:          qty,
			AveragePrice:      price,
			OrderType:         side,
			ProductTypeLegacy: "CARRYFORWARD",
			Exchange:          "NFO",
		})
		return
	}
	s.trades = append(s.trades, broker.RawTrade{
		FillTime:        now,
		Tradingsymbol:   symbol,
		FillSize:        qty,
		FillPrice:       price,
		TransactionType: side,
		ProductType:     "CARRYFORWARD",
		Exchange:        "NFO",
	})
}

func (s *simSource) snapshot() []broker.RawTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.RawTrade, len(s.trades))
	copy(out, s.trades)
	return out
}

// simBroker implements broker.Client for one account role against the shared
// simulated market. Order placement carries the latency and failure behavior
// of a real venue.
type simBroker struct {
	role   broker.AccountRole
	source *simSource

	mu     sync.Mutex
	placed []types.OrderSpec
}

func (b *simBroker) TradeBook(ctx context.Context) ([]broker.RawTrade, error) {
	if b.role != broker.RoleSource {
		return nil, nil
	}
	return b.source.snapshot(), nil
}

func (b *simBroker) SearchScrip(ctx context.Context, exchange, term string) ([]broker.Instrument, error) {
	var hits []broker.Instrument
	for _, strike := range strikes {
		for _, marker := range []string{"CE", "PE"} {
			symbol := fmt.Sprintf("NIFTY25OCT%d%s", strike, marker)
			hits = append(hits, broker.Instrument{
				Exchange:      exchange,
				TradingSymbol: symbol,
				SymbolToken:   fmt.Sprintf("%d", 40000+strike+len(marker)),
			})
		}
	}
	return hits, nil
}

func (b *simBroker) LTP(ctx context.Context, exchange, symbol, token string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(20 + rand.Float64()*180), nil
}

func (b *simBroker) PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error) {
	latency := time.Duration(minLatency+rand.Intn(maxLatency-minLatency+1)) * time.Millisecond
	time.Sleep(latency)

	if rand.Float64() > successRate {
		return "", fmt.Errorf("order rejected by venue")
	}

	b.mu.Lock()
	b.placed = append(b.placed, spec)
	b.mu.Unlock()
	return uuid.New().String(), nil
}

func (b *simBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func main() {
	dir, err := os.MkdirTemp("", "mirror-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(filepath.Join(dir, "sim.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ledger store")
	}

	market := &simSource{}
	sourceClient := &simBroker{role: broker.RoleSource, source: market}
	mirrorClient := &simBroker{role: broker.RoleMirror, source: market}

	dedupLedger, err := detection.NewLedger(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load dedup ledger")
	}
	detector := detection.NewDetector(sourceClient, dedupLedger, "NIFTY", 5*time.Second)

	location, _ := time.LoadLocation("Asia/Kolkata")
	gate := safety.NewGate(safety.GateConfig{
		Location:     location,
		OpenMinutes:  0,
		CloseMinutes: 24*60 - 1, // the simulation never sleeps
		Underlying:   "NIFTY",
		PriceCeiling: decimal.NewFromInt(10000),
	})

	table := quantize.NewTable(map[string]int64{"NIFTY": 75, "BANKNIFTY": 35}, 75)

	engine, err := mirror.NewEngine(mirrorClient, mirror.NewDatabase(db), mirror.EngineConfig{
		Retry:          broker.RetryPolicy{MaxAttempts: 3, Delay: 50 * time.Millisecond},
		RequestTimeout: 5 * time.Second,
		Tolerance:      decimal.NewFromFloat(0.01),
		Table:          table,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load mirror ledger")
	}

	loop := monitor.NewLoop(detector, gate, table, engine, monitor.LoopConfig{
		Interval:           time.Second,
		DryRun:             false,
		RequeueMaxAttempts: 3,
	})
	controller := monitor.NewController(loop, gate, engine)

	if err := controller.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitoring")
	}
	if err := controller.EnableMirroring(); err != nil {
		log.Fatal().Err(err).Msg("failed to enable mirroring")
	}

	log.Info().Int("ticks", simTicks).Msg("simulation running")
	// Weekend runs would trip the non-trading-day check; the simulation is
	// about the pipeline, so note it rather than fight the calendar.
	if wd := time.Now().In(location).Weekday(); wd == time.Saturday || wd == time.Sunday {
		log.Warn().Msg("weekend run: safety gate will reject every fill")
	}

	for i := 0; i < simTicks; i++ {
		if rand.Float64() < 0.7 {
			market.addRandomFill()
		}
		time.Sleep(time.Second)
	}

	if err := controller.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop monitoring")
	}

	status := controller.Status()
	log.Info().
		Int64("detected", status.DetectionCount).
		Int64("mirrored", status.MirroredCount).
		Int64("failed", status.FailedCount).
		Int("pending_retries", status.PendingRetries).
		Int("orders_placed", mirrorClient.placedCount()).
		Int64("ledger_seen", dedupLedger.Count()).
		Int64("ledger_mirrored", engine.MirroredCount()).
		Msg("simulation complete")
}

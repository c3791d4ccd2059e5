package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/mirror-api/internal/detection"
	"github.com/ksred/mirror-api/internal/mirror"
	"github.com/ksred/mirror-api/internal/quantize"
	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
)

// LoopConfig carries the supervisory loop parameters.
type LoopConfig struct {
	Interval           time.Duration
	DryRun             bool
	MaxTradeQty        int64
	RequeueMaxAttempts int
}

// pendingFill is a fill whose mirror attempt exhausted retries and is
// waiting to be retried on a later tick.
type pendingFill struct {
	fill     types.Fill
	attempts int
}

// Loop is the single supervisory task: each tick it detects new fills and
// drives each one through the safety gate, the quantizer and the mirror
// engine. A failure in any stage for one fill never aborts the remaining
// fills or the loop itself.
type Loop struct {
	detector *detection.Detector
	gate     *safety.Gate
	table    quantize.Table
	engine   *mirror.Engine
	cfg      LoopConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	detected int64
	mirrored int64
	failed   int64
	lastTick time.Time
	pending  []pendingFill
	audit    []types.Fill // dry-run simulated mirrors
}

// NewLoop wires the pipeline stages together.
func NewLoop(detector *detection.Detector, gate *safety.Gate, table quantize.Table, engine *mirror.Engine, cfg LoopConfig) *Loop {
	return &Loop{
		detector: detector,
		gate:     gate,
		table:    table,
		engine:   engine,
		cfg:      cfg,
		logger:   log.With().Str("component", "monitoring_loop").Logger(),
	}
}

// Start launches the background loop. The loop's lifetime is owned by the
// loop itself, not by any caller context; use Stop to end it.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}

	l.stop = make(chan struct{})
	l.running = true

	l.wg.Add(1)
	go l.run(l.stop)

	l.logger.Info().
		Dur("interval", l.cfg.Interval).
		Bool("dry_run", l.cfg.DryRun).
		Msg("monitoring started")
	return nil
}

// Stop asks the loop to exit after the current tick completes and waits for
// it, bounded by ctx. The stop signal only ends the scheduling loop; work in
// flight inside a tick keeps its own context, so an order placement that has
// already gone out is never aborted mid-call.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.running = false
	stop := l.stop
	l.mu.Unlock()

	close(stop)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info().Msg("monitoring stopped")
		return nil
	case <-ctx.Done():
		l.logger.Error().Msg("monitoring loop did not stop in time")
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Status aggregates the operator-facing counters.
func (l *Loop) Status() types.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return types.Status{
		Running:        l.running,
		SafetyState:    l.gate.State().String(),
		DetectionCount: l.detected,
		MirroredCount:  l.mirrored,
		FailedCount:    l.failed,
		PendingRetries: len(l.pending),
		DryRun:         l.cfg.DryRun,
		LastTick:       l.lastTick,
	}
}

// AuditLog returns a copy of the dry-run audit list.
func (l *Loop) AuditLog() []types.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Fill, len(l.audit))
	copy(out, l.audit)
	return out
}

func (l *Loop) run(stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	// First tick immediately; subsequent ticks on the interval. Each tick
	// gets a fresh root context: broker calls are bounded by their own
	// request timeouts, not by the loop's shutdown.
	l.Tick(context.Background())

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Tick(context.Background())
		}
	}
}

// Tick runs one detection-and-mirroring pass. Requeued fills from earlier
// failed mirror attempts are processed first, in their original order, then
// freshly detected fills in detector order.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	l.lastTick = time.Now()
	requeued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, p := range requeued {
		l.safeProcess(ctx, p.fill, p.attempts)
	}

	fills := l.detector.DetectNewFills(ctx)
	if len(fills) > 0 {
		l.mu.Lock()
		l.detected += int64(len(fills))
		l.mu.Unlock()
		mtxFillsDetected.Add(float64(len(fills)))
	}

	for _, fill := range fills {
		l.safeProcess(ctx, fill, 0)
	}

	mtxTicks.Inc()
}

// safeProcess isolates one fill: a panic in any stage is logged and the
// remaining fills in the tick still run.
func (l *Loop) safeProcess(ctx context.Context, fill types.Fill, attempts int) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Str("symbol", fill.Symbol).
				Msg("fill processing panicked")
		}
	}()
	l.processFill(ctx, fill, attempts)
}

func (l *Loop) processFill(ctx context.Context, fill types.Fill, attempts int) {
	ok, reason := l.gate.CanMirror(fill)
	if !ok {
		l.logger.Warn().
			Str("symbol", fill.Symbol).
			Str("reason", reason).
			Msg("skipping fill")
		mtxFillsRejected.WithLabelValues("safety").Inc()
		return
	}

	result, err := l.table.Quantize(fill.Symbol, fill.Quantity, l.cfg.MaxTradeQty)
	if err != nil {
		l.logger.Warn().
			Str("symbol", fill.Symbol).
			Int64("quantity", fill.Quantity).
			Str("reason", err.Error()).
			Msg("skipping fill")
		mtxFillsRejected.WithLabelValues("quantize").Inc()
		return
	}
	fill.MirroredQuantity = result.MirroredQuantity

	l.logger.Info().
		Str("symbol", fill.Symbol).
		Int64("quantity", fill.Quantity).
		Int64("mirrored_quantity", result.MirroredQuantity).
		Int64("lots", result.Lots).
		Int64("lot_size", result.LotSize).
		Msg("fill ready to mirror")

	if l.cfg.DryRun {
		orderID := "DRY-" + uuid.New().String()
		if err := l.engine.RecordSimulated(fill, orderID); err != nil {
			l.logger.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to record simulated mirror")
		}
		l.mu.Lock()
		l.mirrored++
		l.audit = append(l.audit, fill)
		l.mu.Unlock()
		mtxMirrorOutcomes.WithLabelValues("dry_run").Inc()
		l.logger.Info().
			Str("symbol", fill.Symbol).
			Str("order_id", orderID).
			Msg("dry-run: simulated mirror")
		return
	}

	if l.engine.Mirror(ctx, fill) {
		l.mu.Lock()
		l.mirrored++
		l.mu.Unlock()
		mtxMirrorOutcomes.WithLabelValues("success").Inc()
		return
	}

	l.mu.Lock()
	l.failed++
	if attempts+1 < l.cfg.RequeueMaxAttempts {
		l.pending = append(l.pending, pendingFill{fill: fill, attempts: attempts + 1})
	} else {
		l.logger.Error().
			Str("symbol", fill.Symbol).
			Int("attempts", attempts+1).
			Msg("giving up on fill after requeue limit")
	}
	l.mu.Unlock()
	mtxMirrorOutcomes.WithLabelValues("failure").Inc()
}

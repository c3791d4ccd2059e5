package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/types"
)

var (
	ErrEmergencyActive    = errors.New("emergency stop is active")
	ErrEmergencyNotActive = errors.New("emergency stop is not active")
	ErrAlreadyEnabled     = errors.New("mirroring already enabled")
)

// State is the mirroring safety state.
type State int

const (
	Disabled State = iota
	Enabled
	EmergencyStopped
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case EmergencyStopped:
		return "emergency_stopped"
	default:
		return "unknown"
	}
}

// Rejection reasons surfaced by CanMirror.
const (
	ReasonDisabled       = "mirroring disabled"
	ReasonEmergency      = "emergency stop is active"
	ReasonOutsideHours   = "outside trading hours"
	ReasonNonTradingDay  = "non-trading day"
	ReasonNotTradable    = "not a tradable option instrument"
	ReasonInvalidPrice   = "non-positive price"
	ReasonPriceTooHigh   = "price above sanity ceiling"
	ReasonOK             = "ok"
)

// GateConfig carries the stateless per-fill check parameters.
type GateConfig struct {
	Location     *time.Location
	OpenMinutes  int // minutes since midnight, exchange local time
	CloseMinutes int
	Holidays     map[string]struct{} // YYYY-MM-DD in exchange local time
	Underlying   string
	PriceCeiling decimal.Decimal

	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// Gate is the safety state machine gating whether mirroring may proceed.
// State is mutated only by operator commands; every fill-processing decision
// reads it. Emergency stop forces disabled and blocks re-enable until an
// explicit reset.
type Gate struct {
	cfg    GateConfig
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	lastCheck time.Time

	now func() time.Time
}

// NewGate creates a gate in the Disabled state.
func NewGate(cfg GateConfig) *Gate {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		cfg:    cfg,
		logger: log.With().Str("component", "safety_gate").Logger(),
		state:  Disabled,
		now:    now,
	}
}

// Enable turns mirroring on. It succeeds only from Disabled: it is rejected
// while emergency-stopped, and a redundant call while already enabled is
// rejected too.
func (g *Gate) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case EmergencyStopped:
		g.logger.Error().Msg("cannot enable mirroring, emergency stop is active")
		return ErrEmergencyActive
	case Enabled:
		return ErrAlreadyEnabled
	}
	g.state = Enabled
	g.logger.Info().Msg("mirroring enabled")
	return nil
}

// Disable turns mirroring off. Always succeeds.
func (g *Gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != EmergencyStopped {
		g.state = Disabled
	}
	g.logger.Info().Msg("mirroring disabled")
}

// EmergencyStop forces the gate into EmergencyStopped from any state.
func (g *Gate) EmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = EmergencyStopped
	g.logger.Error().Msg("emergency stop activated, all mirroring stopped")
}

// ResetEmergency clears the emergency flag, leaving the gate Disabled.
// It never auto-re-enables mirroring.
func (g *Gate) ResetEmergency() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != EmergencyStopped {
		return ErrEmergencyNotActive
	}
	g.state = Disabled
	g.logger.Warn().Msg("emergency stop reset, mirroring can be enabled")
	return nil
}

// State returns the current safety state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastCheck returns when a fill last passed all safety checks.
func (g *Gate) LastCheck() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCheck
}

// CanMirror evaluates the per-fill safety checks in fixed order, short
// circuiting on the first failure. It never mutates the safety state beyond
// recording the check timestamp on success.
func (g *Gate) CanMirror(fill types.Fill) (bool, string) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	switch state {
	case EmergencyStopped:
		return false, ReasonEmergency
	case Disabled:
		return false, ReasonDisabled
	}

	now := g.now().In(g.cfg.Location)
	if g.isHoliday(now) || now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false, ReasonNonTradingDay
	}
	minutes := now.Hour()*60 + now.Minute()
	if minutes < g.cfg.OpenMinutes || minutes > g.cfg.CloseMinutes {
		return false, ReasonOutsideHours
	}

	if !types.IsOptionOn(g.cfg.Underlying, fill.Symbol) {
		return false, ReasonNotTradable
	}

	if !fill.Price.IsPositive() {
		return false, ReasonInvalidPrice
	}
	if fill.Price.GreaterThanOrEqual(g.cfg.PriceCeiling) {
		return false, ReasonPriceTooHigh
	}

	g.mu.Lock()
	g.lastCheck = g.now()
	g.mu.Unlock()
	return true, ReasonOK
}

func (g *Gate) isHoliday(now time.Time) bool {
	if len(g.cfg.Holidays) == 0 {
		return false
	}
	_, ok := g.cfg.Holidays[now.Format("2006-01-02")]
	return ok
}

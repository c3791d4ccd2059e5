package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/mirror-api/internal/mirror"
	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/internal/types"
)

// defaultStopTimeout bounds how long a stop request waits for the current tick.
const defaultStopTimeout = 30 * time.Second

// Controller is the operator control surface over the monitoring loop, the
// safety gate and the mirror engine. Monitoring (detection) and mirroring
// (execution) are controlled independently: the loop can run with mirroring
// disabled, observing fills without acting on them.
type Controller struct {
	loop        *Loop
	gate        *safety.Gate
	engine      *mirror.Engine
	stopTimeout time.Duration
	logger      zerolog.Logger
}

func NewController(loop *Loop, gate *safety.Gate, engine *mirror.Engine) *Controller {
	return &Controller{
		loop:        loop,
		gate:        gate,
		engine:      engine,
		stopTimeout: defaultStopTimeout,
		logger:      log.With().Str("component", "controller").Logger(),
	}
}

// Start launches the monitoring loop. Mirroring stays disabled until
// explicitly enabled.
func (c *Controller) Start() error {
	return c.loop.Start()
}

// Stop halts the monitoring loop after the current tick, bounded by the stop
// timeout, and stops the engine. The engine is stopped even when the join
// times out: once the operator has been told the system is stopping, no new
// mirror executions may begin.
func (c *Controller) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	err := c.loop.Stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return err
	}
	c.engine.Stop()
	return err
}

// EnableMirroring opens the safety gate and starts the engine.
func (c *Controller) EnableMirroring() error {
	if err := c.gate.Enable(); err != nil {
		return err
	}
	c.engine.Start()
	return nil
}

// DisableMirroring stops the engine and closes the gate.
func (c *Controller) DisableMirroring() {
	c.engine.Stop()
	c.gate.Disable()
}

// EmergencyStop halts all mirroring immediately from any state.
func (c *Controller) EmergencyStop() {
	c.engine.Stop()
	c.gate.EmergencyStop()
	c.logger.Error().Msg("emergency stop engaged")
}

// ResetEmergency clears the emergency flag; mirroring stays disabled until
// explicitly re-enabled.
func (c *Controller) ResetEmergency() error {
	return c.gate.ResetEmergency()
}

// Status returns the aggregate operator-facing state.
func (c *Controller) Status() types.Status {
	return c.loop.Status()
}

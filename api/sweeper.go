/*
sweeper.go - Automated charge sweeper

PURPOSE:
  Periodically scans confirmed bookings and charges the ones whose
  cancellation window has closed. Charging reserves the seat and debits
  the member's card, so running it automatically keeps the capacity
  and ledger numbers honest without manual intervention.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates the actual sweep to Coordinator.ChargeDueBookings
  - Failures on individual bookings are logged and do not stop the run

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewChargeSweeper(coordinator, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - booking/coordinator.go: ChargeDueBookings
  - handlers.go: ChargeBooking endpoint (manual charge)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/booking-engine/booking"
)

// ChargeSweeper charges confirmed bookings once their cutoff passes.
type ChargeSweeper struct {
	Coordinator   *booking.Coordinator
	Log           zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewChargeSweeper creates a new sweeper.
func NewChargeSweeper(c *booking.Coordinator, log zerolog.Logger) *ChargeSweeper {
	return &ChargeSweeper{
		Coordinator:   c,
		Log:           log,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (cs *ChargeSweeper) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Log.Info().Msg("charge sweeper disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.Log.Info().Dur("interval", cs.CheckInterval).Msg("charge sweeper started")
}

// Stop stops the sweeper.
func (cs *ChargeSweeper) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.Log.Info().Msg("charge sweeper stopped")
	}
}

func (cs *ChargeSweeper) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.sweep()

	for {
		select {
		case <-cs.ticker.C:
			cs.sweep()
		case <-cs.stop:
			return
		}
	}
}

func (cs *ChargeSweeper) sweep() {
	ctx := context.Background()

	charged, failures := cs.Coordinator.ChargeDueBookings(ctx)

	for _, err := range failures {
		cs.Log.Warn().Err(err).Msg("charge sweep failure")
	}
	if charged > 0 || len(failures) > 0 {
		cs.Log.Info().
			Int("charged", charged).
			Int("failed", len(failures)).
			Msg("charge sweep completed")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (cs *ChargeSweeper) RunNow() {
	cs.sweep()
}

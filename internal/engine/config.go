package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeScale is the number of fractional digits quantities, prices and fees
// are carried at. Commission rounds half-to-even at this scale.
const FeeScale = 10

// Config carries the engine's tunables.
type Config struct {
	// FeeRate is the commission charged per side on the received asset.
	// Default 0.001 (10 bps).
	FeeRate decimal.Decimal
	// FeeAccount receives all commission.
	FeeAccount uuid.UUID
	// SlippageCap bounds a market buy's pre-locked quote amount at
	// bestAsk * SlippageCap * qty, and stops the matching walk at levels
	// beyond bestAsk * SlippageCap. Default 1.05.
	SlippageCap decimal.Decimal
	// QueueSize bounds each symbol's command queue. Default 10000.
	QueueSize int
	// CommandTimeout bounds each balance-store wait. Default 2s.
	CommandTimeout time.Duration
	// DrainGrace bounds how long a worker keeps processing queued commands
	// after shutdown begins. Default 5s.
	DrainGrace time.Duration
	// DepthLevels is the number of levels per side in published depth
	// events. Default 20.
	DepthLevels int
	// HydrationLimit caps how many resting orders are loaded per symbol at
	// startup. Default 100000.
	HydrationLimit int
}

// withDefaults fills in zero values.
func (c Config) withDefaults() Config {
	if c.FeeRate.IsZero() {
		c.FeeRate = decimal.New(1, -3) // 0.1%
	}
	if c.SlippageCap.IsZero() {
		c.SlippageCap = decimal.New(105, -2) // 1.05
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = 5 * time.Second
	}
	if c.DepthLevels == 0 {
		c.DepthLevels = 20
	}
	if c.HydrationLimit == 0 {
		c.HydrationLimit = 100000
	}
	return c
}

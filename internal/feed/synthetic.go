package feed

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/market"
)

// Synthetic generates a deterministic walking price series for a fixed
// instrument set. Used by dry-run mode so the whole pipeline can be driven
// without live endpoints.
type Synthetic struct {
	sink     Sink
	interval time.Duration
	insts    []market.Instrument
}

// NewSynthetic creates a generator over the given instruments.
func NewSynthetic(sink Sink, interval time.Duration, insts []market.Instrument) *Synthetic {
	if interval <= 0 {
		interval = time.Second
	}
	return &Synthetic{sink: sink, interval: interval, insts: insts}
}

// Run emits ticks until ctx ends. Venues drift slightly apart so the
// cross-venue rule periodically finds divergence.
func (s *Synthetic) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step++
			now := time.Now()
			for i, inst := range s.insts {
				phase := float64(step)/10 + float64(i)
				price := 170 * (1 + 0.01*math.Sin(phase))
				liquidity := 500 + 100*math.Cos(phase/2)
				apr := 0.05 + 0.02*math.Sin(phase/3)
				if err := s.sink.IngestUpdate(inst, price, liquidity, apr, now); err != nil {
					log.Debug().Err(err).Str("instrument", inst.String()).
						Msg("synthetic update rejected")
				}
			}
		}
	}
}

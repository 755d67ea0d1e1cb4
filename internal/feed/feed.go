package feed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/market"
)

// Sink receives validated feed updates. *market.View satisfies it.
type Sink interface {
	IngestUpdate(inst market.Instrument, price, liquidity, apr float64, ts time.Time) error
}

// Frame is the wire shape of one market update.
type Frame struct {
	Symbol    string  `json:"symbol"` // "SOL/USDC"
	Venue     string  `json:"venue"`
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
	APR       float64 `json:"apr"`
	TsMillis  int64   `json:"ts"`
}

// Instrument parses the frame's symbol/venue into an instrument.
func (f Frame) Instrument() (market.Instrument, bool) {
	parts := strings.SplitN(f.Symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || f.Venue == "" {
		return market.Instrument{}, false
	}
	return market.Instrument{Base: parts[0], Quote: parts[1], Venue: f.Venue}, true
}

// WSFeed streams market updates from a websocket endpoint into the sink.
// Stale updates are dropped by the view and only logged here; transport
// failures trigger reconnects with backoff.
type WSFeed struct {
	url       string
	sink      Sink
	dialer    *websocket.Dialer
	retryBase time.Duration
}

// NewWSFeed creates a feed for the given endpoint.
func NewWSFeed(url string, sink Sink) *WSFeed {
	return &WSFeed{
		url:       url,
		sink:      sink,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retryBase: time.Second,
	}
}

// Run consumes the stream until ctx ends.
func (f *WSFeed) Run(ctx context.Context) error {
	wait := f.retryBase
	for {
		if err := f.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("retry_in", wait).Msg("market feed dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", f.url).Msg("market feed connected")

	// Unblock the read on cancellation; done reaps the watcher when this
	// connection ends so reconnects don't accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		f.apply(frame)
	}
}

func (f *WSFeed) apply(frame Frame) {
	inst, ok := frame.Instrument()
	if !ok {
		log.Debug().Str("symbol", frame.Symbol).Str("venue", frame.Venue).
			Msg("dropping malformed feed frame")
		return
	}
	ts := time.UnixMilli(frame.TsMillis)
	if err := f.sink.IngestUpdate(inst, frame.Price, frame.Liquidity, frame.APR, ts); err != nil {
		if errors.Is(err, market.ErrStaleUpdate) {
			log.Debug().Str("instrument", inst.String()).Msg("dropping stale feed update")
			return
		}
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("feed update rejected")
	}
}

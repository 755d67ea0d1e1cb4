package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/chain"
	"github.com/sawpanic/solrun/internal/exposure"
	"github.com/sawpanic/solrun/internal/ledger"
	"github.com/sawpanic/solrun/internal/scan"
)

// Config bounds the coordinator's retry and deadline policy.
type Config struct {
	MinEdgeBps      float64 `yaml:"min_edge_bps"`      // re-validation threshold at submit time
	SlippageBps     int     `yaml:"slippage_bps"`      // tolerance requested from the aggregator
	QuoteRetries    int     `yaml:"quote_retries"`     // re-quotes on expiry or transient failure
	SubmitRetries   int     `yaml:"submit_retries"`    // resubmits on network failure
	SubmitBackoffMS int     `yaml:"submit_backoff_ms"` // base backoff between submit retries
	DeadlineSecs    int     `yaml:"deadline_secs"`     // global per-opportunity wall clock
}

// SubmitBackoff returns the base delay between submit retries.
func (c Config) SubmitBackoff() time.Duration {
	return time.Duration(c.SubmitBackoffMS) * time.Millisecond
}

// Deadline returns the per-opportunity wall clock bound.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineSecs) * time.Second
}

// Coordinator drives approved opportunities through quote → sign → submit →
// confirm to a definite terminal outcome. Distinct keys run concurrently;
// the only shared state is the exposure ledger and the per-key active
// registry. Exposure is committed exactly once at the quoted→submitted
// transition and released exactly once at terminal entry.
type Coordinator struct {
	cfg      Config
	agg      Aggregator
	wallet   Wallet
	notifier chain.Notifier
	exposure *exposure.Ledger
	outcomes *ledger.Ledger
	sink     TransitionSink // optional

	mu        sync.Mutex
	active    map[string]*Execution               // by opportunity key
	waiting   map[string]chan chain.FinalityEvent // by submission handle
	unclaimed map[string]chain.FinalityEvent      // finality that beat the waiter registration
	resolved  map[string]time.Time                // handles whose terminal transition already won
}

// New wires a coordinator. sink may be nil.
func New(cfg Config, agg Aggregator, wallet Wallet, notifier chain.Notifier,
	exp *exposure.Ledger, outcomes *ledger.Ledger, sink TransitionSink) *Coordinator {
	if cfg.DeadlineSecs <= 0 {
		cfg.DeadlineSecs = 120
	}
	return &Coordinator{
		cfg:       cfg,
		agg:       agg,
		wallet:    wallet,
		notifier:  notifier,
		exposure:  exp,
		outcomes:  outcomes,
		sink:      sink,
		active:    make(map[string]*Execution),
		waiting:   make(map[string]chan chain.FinalityEvent),
		unclaimed: make(map[string]chain.FinalityEvent),
		resolved:  make(map[string]time.Time),
	}
}

// Run pumps finality events to waiting executions until the stream closes
// or ctx ends. An event for a handle nobody waits on (a duplicate signal
// after the first terminal transition won, or a late signal after
// abandonment) is logged and discarded.
func (c *Coordinator) Run(ctx context.Context) error {
	events := c.notifier.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.dispatch(ev)
		}
	}
}

func (c *Coordinator) dispatch(ev chain.FinalityEvent) {
	c.mu.Lock()
	if _, done := c.resolved[ev.Handle]; done {
		c.mu.Unlock()
		log.Debug().Str("handle", ev.Handle).Str("outcome", string(ev.Outcome)).
			Msg("discarding duplicate finality signal")
		return
	}
	ch, ok := c.waiting[ev.Handle]
	if ok {
		delete(c.waiting, ev.Handle)
	} else if _, parked := c.unclaimed[ev.Handle]; !parked {
		// Finality can land between submission acceptance and the waiter
		// registering; park the first signal so the execution claims it.
		c.unclaimed[ev.Handle] = ev
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	ch <- ev
}

// Active reports whether a non-terminal execution holds the key. Satisfies
// the risk filter's ActiveSet.
func (c *Coordinator) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key]
	return ok
}

// ActiveCount returns the number of in-flight executions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Execute drives one approved opportunity to a terminal state. It blocks
// until terminal (callers run it in its own goroutine per key). The
// returned execution is always terminal on return; the error reports fatal
// collaborator failures for the caller to escalate; the execution itself
// still terminates as abandoned.
func (c *Coordinator) Execute(ctx context.Context, opp scan.Opportunity, size float64) (*Execution, error) {
	ex := newExecution(opp, size)
	if !c.acquire(ex) {
		return nil, fmt.Errorf("key %s: %w", opp.Key, ErrDuplicateActive)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline())
	defer cancel()

	log.Info().Str("execution", ex.ID).Str("key", ex.Key).Str("kind", string(opp.Kind)).
		Float64("size", ex.Size).Float64("edge_bps", opp.EdgeBps).Msg("execution started")

	err := c.run(runCtx, ex)
	if !ex.State().Terminal() {
		// Defensive: every path out of run must have finalized.
		c.abandon(ctx, ex, "execution exited without terminal state")
	}
	return ex, err
}

func (c *Coordinator) run(runCtx context.Context, ex *Execution) error {
	remaining := c.cfg.QuoteRetries

	// reQuote spends one unit of the quote budget for a quote that aged out
	// after acceptance. False means the budget is gone and the execution was
	// abandoned.
	reQuote := func(stage string) bool {
		if remaining == 0 {
			c.abandon(runCtx, ex, fmt.Sprintf("quote retries exhausted (%d)", c.cfg.QuoteRetries))
			return false
		}
		remaining--
		log.Debug().Str("execution", ex.ID).Str("stage", stage).Msg("quote expired in flight, re-quoting")
		return true
	}

	for {
		q, err := c.quotePhase(runCtx, ex, &remaining)
		if q == nil {
			return err
		}

		// Re-validate that the edge survived quoting: the quote's worst-case
		// proceeds must still clear the minimum edge, otherwise the
		// opportunity evaporated and must not be chased.
		edgeBps := (q.WorstOut - ex.Notional) / ex.Notional * 1e4
		if edgeBps < c.cfg.MinEdgeBps {
			c.abandon(runCtx, ex, fmt.Sprintf("edge degraded to %.1f bps (min %.1f)", edgeBps, c.cfg.MinEdgeBps))
			return nil
		}

		// The quote must still be live when capital goes at risk.
		if q.Expired(time.Now()) {
			if !reQuote("commit") {
				return nil
			}
			continue
		}

		// Quoted → Submitted is the single exposure commit point. The hold
		// survives a re-quote: the notional is fixed for the execution's life.
		ex.mu.Lock()
		committed := ex.committed
		ex.mu.Unlock()
		if !committed {
			if err := c.exposure.Commit(ex.Key, ex.Opp.Legs[0], ex.Notional); err != nil {
				c.abandon(runCtx, ex, "exposure commit refused: "+err.Error())
				return nil
			}
			ex.mu.Lock()
			ex.committed = true
			ex.mu.Unlock()
		}

		tx, err := c.wallet.BuildAndSign(runCtx, q)
		if err != nil {
			c.abandon(runCtx, ex, "build/sign failed: "+err.Error())
			if errors.Is(err, ErrAuthFailure) {
				return fmt.Errorf("execution %s: %w", ex.ID, err)
			}
			return nil
		}

		handle, expired, err := c.submitPhase(runCtx, ex, q, tx)
		if expired {
			if !reQuote("submit") {
				return nil
			}
			continue
		}
		if handle == "" {
			return err
		}

		ch := c.registerWaiter(handle)
		c.transition(ex, StateSubmitted, handle)
		c.transition(ex, StateConfirming, "")

		select {
		case ev, ok := <-ch:
			if !ok {
				c.abandon(runCtx, ex, "finality stream closed")
				return nil
			}
			c.resolve(runCtx, ex, ev)
		case <-runCtx.Done():
			c.unregisterWaiter(handle)
			c.abandon(runCtx, ex, "per-opportunity deadline exceeded while confirming")
		}
		return nil
	}
}

// quotePhase obtains a fresh, unexpired quote, re-quoting against the shared
// budget on expiry or transient aggregator failure. Returns nil after
// finalizing the execution when no usable quote could be had.
func (c *Coordinator) quotePhase(runCtx context.Context, ex *Execution, remaining *int) (*Quote, error) {
	req := RouteRequest{Legs: ex.Opp.Legs, Size: ex.Size, SlippageBps: c.cfg.SlippageBps}

	for {
		if runCtx.Err() != nil {
			c.abandon(runCtx, ex, "deadline exceeded before quote")
			return nil, nil
		}

		q, err := c.agg.GetQuote(runCtx, req)
		ex.mu.Lock()
		ex.attempts++
		ex.mu.Unlock()

		switch {
		case err == nil && !q.Expired(time.Now()):
			ex.mu.Lock()
			ex.quoteRef = q.Ref
			ex.mu.Unlock()
			c.transition(ex, StateQuoted, q.Ref)
			return q, nil
		case err == nil:
			// Expired on arrival; counts against the retry budget.
		case errors.Is(err, ErrNoRoute):
			c.abandon(runCtx, ex, "aggregator has no route")
			return nil, nil
		case errors.Is(err, ErrServiceUnavailable):
		case runCtx.Err() != nil:
			c.abandon(runCtx, ex, "deadline exceeded during quote")
			return nil, nil
		default:
			c.abandon(runCtx, ex, "quote failed: "+err.Error())
			return nil, err
		}

		if *remaining == 0 {
			c.abandon(runCtx, ex, fmt.Sprintf("quote retries exhausted (%d)", c.cfg.QuoteRetries))
			return nil, nil
		}
		*remaining--
		log.Debug().Str("execution", ex.ID).Int("remaining", *remaining).Msg("re-quoting")
	}
}

// submitPhase submits the signed transaction, retrying network failures up
// to the configured bound with backoff. The expired return asks the caller
// for a fresh quote; an empty handle with expired false means the execution
// was finalized here.
func (c *Coordinator) submitPhase(runCtx context.Context, ex *Execution, q *Quote, tx SignedTx) (string, bool, error) {
	for attempt := 0; attempt <= c.cfg.SubmitRetries; attempt++ {
		// A quote that aged out while the wallet signed or during backoff
		// must not reach the chain.
		if q.Expired(time.Now()) {
			return "", true, nil
		}

		handle, err := c.wallet.Submit(runCtx, tx)
		ex.mu.Lock()
		ex.attempts++
		ex.mu.Unlock()

		if err == nil {
			return handle, false, nil
		}
		if !errors.Is(err, ErrNetwork) {
			c.abandon(runCtx, ex, "submission rejected: "+err.Error())
			return "", false, err
		}
		if attempt == c.cfg.SubmitRetries {
			break
		}

		wait := Backoff(c.cfg.SubmitBackoff(), attempt)
		log.Warn().Str("execution", ex.ID).Int("attempt", attempt+1).
			Dur("backoff", wait).Msg("submission failed, retrying")
		select {
		case <-time.After(wait):
		case <-runCtx.Done():
			c.abandon(runCtx, ex, "deadline exceeded during submission")
			return "", false, nil
		}
	}
	c.abandon(runCtx, ex, fmt.Sprintf("submission retries exhausted (%d)", c.cfg.SubmitRetries))
	return "", false, nil
}

// resolve applies a finality signal. Partial fills are a distinct terminal
// state only for multi-leg routes; a single atomic route cannot
// half-settle, so a partial signal there is treated as a fill with revised
// proceeds.
func (c *Coordinator) resolve(ctx context.Context, ex *Execution, ev chain.FinalityEvent) {
	var state State
	var outcome ledger.Outcome
	fraction := ev.FilledFraction

	switch ev.Outcome {
	case chain.OutcomeFilled:
		state, outcome, fraction = StateFilled, ledger.OutcomeFilled, 1.0
	case chain.OutcomeReverted:
		state, outcome, fraction = StateReverted, ledger.OutcomeReverted, 0
	case chain.OutcomePartiallyFilled:
		if ex.Opp.MultiLeg {
			state, outcome = StatePartiallyFilled, ledger.OutcomePartiallyFilled
		} else {
			state, outcome = StateFilled, ledger.OutcomeFilled
		}
	default:
		c.abandon(ctx, ex, "unrecognized finality outcome "+string(ev.Outcome))
		return
	}
	c.finalize(ctx, ex, state, outcome, fraction, "finality: "+string(ev.Outcome))
}

func (c *Coordinator) abandon(ctx context.Context, ex *Execution, reason string) {
	c.finalize(ctx, ex, StateAbandoned, ledger.OutcomeAbandoned, 0, reason)
}

// finalize performs the single authoritative terminal transition. The first
// caller wins; later callers are logged and discarded. Exposure held by the
// execution is released here and nowhere else.
func (c *Coordinator) finalize(ctx context.Context, ex *Execution, state State, outcome ledger.Outcome, fraction float64, note string) bool {
	ex.mu.Lock()
	if ex.state.Terminal() {
		ex.mu.Unlock()
		log.Debug().Str("execution", ex.ID).Str("state", state.String()).
			Msg("duplicate terminal transition discarded")
		return false
	}
	from := ex.state
	ex.state = state
	ex.outcome = outcome
	ex.filledFraction = fraction
	ex.transitions = append(ex.transitions, Transition{From: from, To: state, At: time.Now(), Note: note})
	committed := ex.committed
	handle := ex.handle
	ex.mu.Unlock()

	if committed {
		if amount, ok := c.exposure.Release(ex.Key); ok {
			log.Debug().Str("key", ex.Key).Float64("amount", amount).Msg("exposure released")
		}
	}

	now := time.Now()
	c.mu.Lock()
	delete(c.active, ex.Key)
	if handle != "" {
		delete(c.waiting, handle)
		delete(c.unclaimed, handle)
		c.resolved[handle] = now
	}
	for h, at := range c.resolved {
		if now.Sub(at) > time.Hour {
			delete(c.resolved, h)
		}
	}
	c.mu.Unlock()

	// Terminal outcomes must land even when the trigger was the deadline or
	// a cancellation, so recording runs on a detached context.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	c.outcomes.Record(recordCtx, ex.record())
	cancel()
	c.notifySink(ex, from, state)

	log.Info().Str("execution", ex.ID).Str("key", ex.Key).
		Str("from", from.String()).Str("to", state.String()).
		Str("note", note).Msg("execution terminal")
	return true
}

// transition applies a non-terminal state change. Skipped if a concurrent
// terminal transition already won.
func (c *Coordinator) transition(ex *Execution, to State, note string) {
	ex.mu.Lock()
	if ex.state.Terminal() {
		ex.mu.Unlock()
		return
	}
	from := ex.state
	ex.state = to
	if to == StateSubmitted && note != "" {
		ex.handle = note
	}
	ex.transitions = append(ex.transitions, Transition{From: from, To: to, At: time.Now(), Note: note})
	ex.mu.Unlock()

	c.notifySink(ex, from, to)
	log.Debug().Str("execution", ex.ID).Str("key", ex.Key).
		Str("from", from.String()).Str("to", to.String()).Msg("execution transition")
}

func (c *Coordinator) notifySink(ex *Execution, from, to State) {
	if c.sink != nil {
		c.sink.ExecutionTransition(ex.ID, ex.Key, from, to)
	}
}

func (c *Coordinator) acquire(ex *Execution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.active[ex.Key]; held {
		return false
	}
	c.active[ex.Key] = ex
	return true
}

func (c *Coordinator) registerWaiter(handle string) chan chain.FinalityEvent {
	ch := make(chan chain.FinalityEvent, 1)
	c.mu.Lock()
	if ev, ok := c.unclaimed[handle]; ok {
		delete(c.unclaimed, handle)
		c.mu.Unlock()
		ch <- ev
		return ch
	}
	c.waiting[handle] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) unregisterWaiter(handle string) {
	c.mu.Lock()
	delete(c.waiting, handle)
	c.mu.Unlock()
}

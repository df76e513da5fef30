package consensus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Kubuxu/go-broadcast"
	"github.com/cmwaters/chorus/internal/clock"
	"github.com/cmwaters/chorus/pkg/group"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

// Outcome is the result of a single prediction round. Outcomes handed to
// subscribers are shared and must not be modified.
type Outcome struct {
	Round uint64 `json:"round"`
	// Decided is false when no peer produced a usable vote. In that case
	// Label is -1 and the standing of every peer is unchanged.
	Decided bool      `json:"decided"`
	Label   int       `json:"label"`
	Sum     []float64 `json:"sum,omitempty"`
	Votes   []Vote    `json:"votes"`
	Absent  []Absence `json:"absent"`
	// Excluded lists the peers excluded by this round
	Excluded []string           `json:"excluded,omitempty"`
	Weights  map[string]float64 `json:"weights"`
	Balances map[string]int64   `json:"balances"`

	Trace *Trace `json:"-"`
}

// Engine runs prediction rounds over a registry of peers. Rounds are strictly
// sequential: a round reads the registry, queries the peers, decides and
// settles before the next one may start.
type Engine struct {
	registry   *group.Registry
	dispatcher *Dispatcher
	ledger     *Ledger
	parameters Parameters

	// roundMtx serializes rounds. The registry has its own lock for readers.
	roundMtx sync.Mutex
	round    uint64

	outcomes broadcast.Channel[*Outcome]

	tracing bool
	clock   clock.Clock
	logger  zerolog.Logger
}

// New creates a new engine. store may be nil, in which case the standing of
// the peers is not persisted.
func New(registry *group.Registry, predictor Predictor, store Store, parameters Parameters, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if predictor == nil {
		return nil, errors.New("predictor is required")
	}
	if err := parameters.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		registry:   registry,
		parameters: parameters,
		logger:     zerolog.New(os.Stdout),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.dispatcher = NewDispatcher(predictor, parameters.QueryTimeout, e.logger)
	e.dispatcher.clock = e.clock
	e.ledger = NewLedger(registry, store, parameters, e.logger)
	return e, nil
}

// Predict runs one round: the features are sent to every eligible peer, the
// votes are combined into a consensus label and the standing of the voters
// is updated.
//
// Failing peers never fail the round. The round deadline and cancellation of
// ctx only bound the queries: once the votes are in, the round is settled and
// saved regardless. The only error returned together with an outcome wraps
// ErrPersistence, meaning the round was decided and applied in memory but
// could not be saved.
func (e *Engine) Predict(ctx context.Context, features []float64) (*Outcome, error) {
	e.roundMtx.Lock()
	defer e.roundMtx.Unlock()

	clk := e.clock
	if clk == nil {
		clk = clock.GetClock(ctx)
	}
	start := clk.Now()

	e.round++
	outcome := &Outcome{Round: e.round, Label: -1}
	if e.tracing {
		outcome.Trace = NewTrace(e.round)
	}

	peers := e.registry.Eligible()
	votes, absent := e.collect(ctx, clk, peers, features, outcome.Trace)

	verifier := NewVerifier(e.parameters.Classes)
	votes, rejected := verifier.Filter(votes)
	for _, r := range rejected {
		e.logger.Debug().Uint64("round", e.round).Str("peer", r.PeerID).Str("reason", r.Reason).Msg("vote rejected")
	}
	outcome.Absent = mergeAbsences(absent, rejected)

	weights := make(map[string]float64, len(peers))
	for _, p := range peers {
		weights[p.ID] = p.Weight
	}
	tally := NewTally(verifier.Classes())
	for _, v := range votes {
		if err := tally.Add(v, weights[v.PeerID]); err != nil {
			// unreachable once the verifier accepted the vote
			outcome.Absent = mergeAbsences(outcome.Absent, []Absence{{PeerID: v.PeerID, Reason: err.Error()}})
		}
	}

	decision, ok := tally.Decide()
	if !ok {
		outcome.Votes = []Vote{}
		outcome.Weights = e.registry.Weights()
		outcome.Balances = e.registry.Balances()
		metrics.rounds.Add(ctx, 1, metric.WithAttributes(attrNoVotes))
		metrics.roundLatency.Record(ctx, clk.Since(start).Seconds())
		e.logger.Info().Uint64("round", e.round).Int("absent", len(outcome.Absent)).Msg("no consensus: no votes received")
		e.outcomes.Publish(outcome)
		return outcome, nil
	}

	// the decision is final at this point. Settling must not be cut short by
	// the round deadline or the caller, or memory and disk would disagree.
	settlement, err := e.ledger.Settle(context.WithoutCancel(ctx), decision)
	if err != nil && !errors.Is(err, ErrPersistence) {
		metrics.rounds.Add(ctx, 1, metric.WithAttributes(attrFailed))
		return nil, fmt.Errorf("settling round %d: %w", e.round, err)
	}

	outcome.Decided = true
	outcome.Label = decision.Label
	outcome.Sum = decision.Sum
	outcome.Votes = decision.Votes
	outcome.Excluded = settlement.Excluded
	outcome.Weights = settlement.Weights
	outcome.Balances = settlement.Balances

	metrics.rounds.Add(ctx, 1, metric.WithAttributes(attrDecided))
	metrics.roundLatency.Record(ctx, clk.Since(start).Seconds())
	e.logger.Info().
		Uint64("round", e.round).
		Int("label", decision.Label).
		Int("votes", len(decision.Votes)).
		Int("absent", len(outcome.Absent)).
		Interface("weights", outcome.Weights).
		Interface("balances", outcome.Balances).
		Msg("consensus reached")

	e.outcomes.Publish(outcome)
	return outcome, err
}

// collect runs the dispatch phase of a round under the round deadline.
func (e *Engine) collect(ctx context.Context, clk clock.Clock, peers []group.Peer, features []float64, trace *Trace) ([]Vote, []Absence) {
	if e.parameters.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clk.WithTimeout(ctx, e.parameters.RoundTimeout)
		defer cancel()
	}
	return e.dispatcher.Collect(ctx, peers, features, trace)
}

// Round returns the number of rounds run so far.
func (e *Engine) Round() uint64 {
	e.roundMtx.Lock()
	defer e.roundMtx.Unlock()
	return e.round
}

// Standing returns the current standing of every peer in its persisted form.
func (e *Engine) Standing() group.Snapshot {
	return e.registry.Snapshot()
}

// Peers returns a copy of every peer ordered by id.
func (e *Engine) Peers() []group.Peer {
	return e.registry.Peers()
}

// Latest returns the outcome of the last round, or nil if no round has run.
func (e *Engine) Latest() *Outcome {
	return e.outcomes.Last()
}

// Subscribe delivers the outcome of every subsequent round to ch. If ch is
// full when an outcome is published, it is dropped from the subscription and
// closed. It returns the latest outcome and a function to unsubscribe.
func (e *Engine) Subscribe(ch chan<- *Outcome) (*Outcome, func()) {
	return e.outcomes.Subscribe(ch)
}

func mergeAbsences(a, b []Absence) []Absence {
	if len(b) == 0 {
		return a
	}
	merged := make([]Absence, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].PeerID <= b[j].PeerID {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	return append(merged, b[j:]...)
}

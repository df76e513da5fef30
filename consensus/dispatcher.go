package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cmwaters/chorus/internal/clock"
	"github.com/cmwaters/chorus/internal/measurements"
	"github.com/cmwaters/chorus/pkg/group"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

// Dispatcher sends the features of a round to every eligible peer at once and
// collects whatever comes back before the deadline.
//
// A peer that errors, times out or answers with a malformed vector is
// recorded as absent. None of these fail the round.
type Dispatcher struct {
	predictor Predictor

	// queryTimeout bounds each query independently of the others
	queryTimeout time.Duration

	// clock overrides the clock carried by the context when set
	clock clock.Clock

	logger zerolog.Logger
}

func NewDispatcher(predictor Predictor, queryTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		predictor:    predictor,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// Collect queries the peers concurrently and waits for every query to settle.
// Votes and absences are returned ordered by peer id. Peers that are not
// eligible at dispatch time are skipped and appear in neither list. trace may
// be nil.
func (d *Dispatcher) Collect(ctx context.Context, peers []group.Peer, features []float64, trace *Trace) ([]Vote, []Absence) {
	clk := d.clock
	if clk == nil {
		clk = clock.GetClock(ctx)
	}

	b := newBallot(len(peers))
	var wg sync.WaitGroup
	for _, peer := range peers {
		if !peer.Eligible() {
			continue
		}
		wg.Add(1)
		go func(peer group.Peer) {
			defer wg.Done()
			d.query(ctx, clk, peer, features, b, trace)
		}(peer)
	}
	wg.Wait()
	return b.sorted()
}

func (d *Dispatcher) query(ctx context.Context, clk clock.Clock, peer group.Peer, features []float64, b *ballot, trace *Trace) {
	ctx, cancel := clk.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	// each peer gets its own copy so that a misbehaving predictor cannot
	// change what the others see
	input := make([]float64, len(features))
	copy(input, features)

	start := clk.Now()
	probabilities, err := d.predictor.Predict(ctx, peer, input)
	latency := clk.Since(start)

	vote := Vote{PeerID: peer.ID, Probabilities: probabilities}
	if err == nil {
		err = vote.ValidateForm()
	}

	status := measurements.Status(ctx, err)
	if errors.Is(err, ErrMalformedPrediction) {
		status = measurements.AttrStatusMalformed
	}
	metrics.queryLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(status))
	trace.add(Query{PeerID: peer.ID, Probabilities: probabilities, Err: err, Latency: latency})

	if err != nil {
		d.logger.Debug().Str("peer", peer.ID).Err(err).Dur("latency", latency).Msg("peer did not vote")
		metrics.absences.Add(ctx, 1, metric.WithAttributes(status))
		b.addAbsence(peer.ID, err.Error())
		return
	}
	b.addVote(vote)
}

// Query is the result of asking a single peer for its prediction.
type Query struct {
	PeerID        string
	Probabilities []float64
	Err           error
	Latency       time.Duration
}

func (q Query) String() string {
	if q.Err != nil {
		return fmt.Sprintf("%s -> error: %v (%s)", q.PeerID, q.Err, q.Latency)
	}
	return fmt.Sprintf("%s -> %v (%s)", q.PeerID, q.Probabilities, q.Latency)
}

// Trace is an optional record of every query made in a round, used for
// observability and debugging. A nil trace records nothing.
type Trace struct {
	Round uint64

	mtx     sync.Mutex
	queries []Query
}

func NewTrace(round uint64) *Trace {
	return &Trace{Round: round}
}

func (t *Trace) add(q Query) {
	if t == nil {
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.queries = append(t.queries, q)
}

// Queries returns the recorded queries in the order they completed.
func (t *Trace) Queries() []Query {
	if t == nil {
		return nil
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	queries := make([]Query, len(t.queries))
	copy(queries, t.queries)
	return queries
}

func (t *Trace) String() string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "round %d\n", t.Round)
	for _, q := range t.Queries() {
		sb.WriteString(q.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

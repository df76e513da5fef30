package consensus_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cmwaters/chorus/consensus"
	"github.com/cmwaters/chorus/internal/clock"
	"github.com/cmwaters/chorus/pkg/group"
	"github.com/cmwaters/chorus/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var features = []float64{5.1, 3.5, 1.4, 0.2}

func newEngine(t *testing.T, r *group.Registry, predictor consensus.Predictor, store consensus.Store, opts ...consensus.Option) *consensus.Engine {
	t.Helper()
	opts = append([]consensus.Option{consensus.WithLogger(zerolog.Nop())}, opts...)
	e, err := consensus.New(r, predictor, store, consensus.DefaultParameters(), opts...)
	require.NoError(t, err)
	return e
}

func TestNewValidatesParameters(t *testing.T) {
	r := registry(t, "a")
	params := consensus.DefaultParameters()
	params.Alpha = 1.5
	_, err := consensus.New(r, newTable(), nil, params)
	require.ErrorIs(t, err, consensus.ErrInvalidParameters)

	params = consensus.DefaultParameters()
	params.QueryTimeout = 0
	_, err = consensus.New(r, newTable(), nil, params)
	require.ErrorIs(t, err, consensus.ErrInvalidParameters)

	params = consensus.DefaultParameters()
	params.RoundTimeout = params.QueryTimeout
	_, err = consensus.New(r, newTable(), nil, params)
	require.ErrorIs(t, err, consensus.ErrInvalidParameters)

	params.RoundTimeout = 0
	_, err = consensus.New(r, newTable(), nil, params)
	require.NoError(t, err)

	_, err = consensus.New(nil, newTable(), nil, consensus.DefaultParameters())
	require.Error(t, err)
}

func TestUnanimousRound(t *testing.T) {
	r := registry(t, "a", "b", "c")
	predictor := newTable().
		set("a", 0.9, 0.05, 0.05).
		set("b", 0.9, 0.05, 0.05).
		set("c", 0.9, 0.05, 0.05)
	store := &memStore{}
	e := newEngine(t, r, predictor, store)

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.True(t, outcome.Decided)
	require.EqualValues(t, 1, outcome.Round)
	require.Equal(t, 0, outcome.Label)
	require.InDeltaSlice(t, []float64{0.9, 0.05, 0.05}, outcome.Sum, epsilon)
	require.Len(t, outcome.Votes, 3)
	require.Empty(t, outcome.Absent)
	for _, id := range []string{"a", "b", "c"} {
		require.InDelta(t, 1.0/3, outcome.Weights[id], epsilon)
		require.EqualValues(t, 110, outcome.Balances[id])
	}
	require.Equal(t, e.Standing(), store.snapshot)
}

func TestDisagreementRound(t *testing.T) {
	r := registryWith(t, group.Snapshot{
		"a": {Balance: 100, Weight: weight(0.5)},
		"b": {Balance: 100, Weight: weight(0.3)},
		"c": {Balance: 100, Weight: weight(0.2)},
	})
	predictor := newTable().
		set("a", 0.8, 0.1, 0.1).
		set("b", 0.1, 0.1, 0.8).
		set("c", 0.2, 0.3, 0.5)
	e := newEngine(t, r, predictor, nil)

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.Equal(t, 0, outcome.Label)
	require.InDeltaSlice(t, []float64{0.47, 0.14, 0.39}, outcome.Sum, epsilon)
	require.EqualValues(t, 110, outcome.Balances["a"])
	require.EqualValues(t, 50, outcome.Balances["b"])
	require.EqualValues(t, 50, outcome.Balances["c"])
	// 0.55 + 0.27 + 0.18 already sums to one
	require.InDelta(t, 0.55, outcome.Weights["a"], epsilon)
	require.InDelta(t, 0.27, outcome.Weights["b"], epsilon)
	require.InDelta(t, 0.18, outcome.Weights["c"], epsilon)
}

func TestExcludedPeerLeavesTheRound(t *testing.T) {
	third := 1.0 / 3
	r := registryWith(t, group.Snapshot{
		"a": {Balance: 100, Weight: weight(third)},
		"b": {Balance: 100, Weight: weight(third)},
		"c": {Balance: consensus.DefaultPenalty - 1, Weight: weight(third)},
	})
	predictor := newTable().
		set("a", 0.9, 0.1).
		set("b", 0.9, 0.1).
		set("c", 0.1, 0.9)
	e := newEngine(t, r, predictor, nil)

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, outcome.Excluded)
	require.Equal(t, 1, predictor.called("c"))

	for _, p := range r.Eligible() {
		require.NotEqual(t, "c", p.ID)
	}

	outcome, err = e.Predict(testCtx, features)
	require.NoError(t, err)
	require.Equal(t, 1, predictor.called("c"), "excluded peer must not be queried")
	require.Len(t, outcome.Votes, 2)
	require.Empty(t, outcome.Excluded)
	require.InDelta(t, 0.5, outcome.Weights["a"], epsilon)
	require.InDelta(t, 0.5, outcome.Weights["b"], epsilon)
}

func TestTotalUnavailabilityChangesNothing(t *testing.T) {
	r := registry(t, "a", "b", "c")
	predictor := newTable().
		fail("a", errors.New("down")).
		fail("b", context.DeadlineExceeded).
		fail("c", errors.New("503"))
	store := &memStore{}
	e := newEngine(t, r, predictor, store)
	before := r.Peers()

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.False(t, outcome.Decided)
	require.Equal(t, -1, outcome.Label)
	require.Empty(t, outcome.Votes)
	require.Len(t, outcome.Absent, 3)
	require.Equal(t, before, r.Peers())
	require.Zero(t, store.saves)
}

func TestAbsentPeerIsNotPenalized(t *testing.T) {
	r := registry(t, "a", "b", "c")
	predictor := newTable().
		set("a", 0.9, 0.1).
		set("b", 0.8, 0.2).
		fail("c", errors.New("timeout"))
	e := newEngine(t, r, predictor, nil)

	for i := 0; i < 5; i++ {
		outcome, err := e.Predict(testCtx, features)
		require.NoError(t, err)
		require.Equal(t, []consensus.Absence{{PeerID: "c", Reason: "timeout"}}, outcome.Absent)
		require.EqualValues(t, 100, outcome.Balances["c"])
	}
	c, _ := r.Get("c")
	require.Equal(t, group.Active, c.Status)
}

func TestMismatchedVoteIsTreatedAsAbsent(t *testing.T) {
	r := registry(t, "a", "b", "c")
	predictor := newTable().
		set("a", 0.9, 0.1).
		set("b", 0.2, 0.3, 0.5).
		set("c", 0.7, 0.3)
	e := newEngine(t, r, predictor, nil)

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.Len(t, outcome.Votes, 2)
	require.Len(t, outcome.Absent, 1)
	require.Equal(t, "b", outcome.Absent[0].PeerID)
	require.EqualValues(t, 100, outcome.Balances["b"])
}

func TestRoundsAreCommutative(t *testing.T) {
	responses := map[string][]float64{
		"a": {0.7, 0.2, 0.1},
		"b": {0.1, 0.6, 0.3},
		"c": {0.3, 0.3, 0.4},
		"d": {0.2, 0.5, 0.3},
	}
	run := func(delays map[string]time.Duration) *consensus.Outcome {
		r := registry(t, "a", "b", "c", "d")
		predictor := consensus.PredictorFunc(func(ctx context.Context, peer group.Peer, _ []float64) ([]float64, error) {
			time.Sleep(delays[peer.ID])
			return responses[peer.ID], nil
		})
		e := newEngine(t, r, predictor, nil)
		outcome, err := e.Predict(testCtx, features)
		require.NoError(t, err)
		return outcome
	}

	first := run(map[string]time.Duration{"a": 0, "b": 5 * time.Millisecond, "c": 10 * time.Millisecond, "d": 15 * time.Millisecond})
	second := run(map[string]time.Duration{"a": 15 * time.Millisecond, "b": 10 * time.Millisecond, "c": 5 * time.Millisecond, "d": 0})
	require.Equal(t, first.Label, second.Label)
	require.Equal(t, first.Sum, second.Sum)
	require.Equal(t, first.Weights, second.Weights)
	require.Equal(t, first.Balances, second.Balances)
}

func TestWeightsStayNormalized(t *testing.T) {
	r := registry(t, "a", "b", "c", "d")
	predictor := newTable().
		set("a", 0.9, 0.1).
		set("b", 0.6, 0.4).
		set("c", 0.3, 0.7).
		fail("d", errors.New("down"))
	e := newEngine(t, r, predictor, nil)

	for i := 0; i < 20; i++ {
		_, err := e.Predict(testCtx, features)
		require.NoError(t, err)
		require.InDelta(t, 1, group.WeightSum(r.Peers()), 1e-9)
	}
	c, _ := r.Get("c")
	require.Equal(t, group.Excluded, c.Status)
}

func TestPersistenceFailureStillReturnsOutcome(t *testing.T) {
	r := registry(t, "a", "b")
	predictor := newTable().set("a", 0.9, 0.1).set("b", 0.9, 0.1)
	e := newEngine(t, r, predictor, &memStore{err: errors.New("read-only file system")})

	outcome, err := e.Predict(testCtx, features)
	require.ErrorIs(t, err, consensus.ErrPersistence)
	require.NotNil(t, outcome)
	require.True(t, outcome.Decided)
	require.EqualValues(t, 110, r.Balances()["a"])
}

func TestRoundsAreSerialized(t *testing.T) {
	r := registry(t, "a", "b")
	var mtx sync.Mutex
	inflight, maxInflight := 0, 0
	predictor := consensus.PredictorFunc(func(ctx context.Context, peer group.Peer, _ []float64) ([]float64, error) {
		if peer.ID == "a" {
			mtx.Lock()
			inflight++
			if inflight > maxInflight {
				maxInflight = inflight
			}
			mtx.Unlock()
			time.Sleep(2 * time.Millisecond)
			mtx.Lock()
			inflight--
			mtx.Unlock()
		}
		return []float64{0.9, 0.1}, nil
	})
	e := newEngine(t, r, predictor, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Predict(testCtx, features)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInflight)
	require.EqualValues(t, 8, e.Round())
	require.EqualValues(t, 100+8*consensus.DefaultReward, r.Balances()["a"])
}

func TestSubscribeReceivesOutcomes(t *testing.T) {
	r := registry(t, "a")
	e := newEngine(t, r, newTable().set("a", 0.2, 0.8), nil, consensus.WithTracing())
	require.Nil(t, e.Latest())

	ch := make(chan *consensus.Outcome, 4)
	last, unsubscribe := e.Subscribe(ch)
	defer unsubscribe()
	require.Nil(t, last)

	outcome, err := e.Predict(testCtx, features)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Label)
	require.NotNil(t, outcome.Trace)
	require.Len(t, outcome.Trace.Queries(), 1)

	select {
	case received := <-ch:
		require.Equal(t, outcome, received)
	case <-time.After(time.Second):
		t.Fatal("outcome was not published")
	}
	require.Equal(t, outcome, e.Latest())
}

// hanging answers for every peer in the table except the ones listed in hang,
// which block until their query is canceled. started is closed once every
// hanging peer has been queried.
func hanging(tb *table, hang ...string) (consensus.Predictor, <-chan struct{}) {
	var mtx sync.Mutex
	waiting := len(hang)
	started := make(chan struct{})
	hangs := make(map[string]bool, len(hang))
	for _, id := range hang {
		hangs[id] = true
	}
	return consensus.PredictorFunc(func(ctx context.Context, peer group.Peer, features []float64) ([]float64, error) {
		if !hangs[peer.ID] {
			return tb.Predict(ctx, peer, features)
		}
		mtx.Lock()
		waiting--
		if waiting == 0 {
			close(started)
		}
		mtx.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}), started
}

func TestRoundDeadlineDoesNotAbortPersistence(t *testing.T) {
	r := registry(t, "a", "b", "slow")
	predictor, started := hanging(newTable().set("a", 0.9, 0.1).set("b", 0.8, 0.2), "slow")
	ledger := store.NewFile(filepath.Join(t.TempDir(), "ledger.json"))

	params := consensus.DefaultParameters()
	params.QueryTimeout = 5 * time.Second
	params.RoundTimeout = 6 * time.Second
	clk := clock.NewMock()
	e, err := consensus.New(r, predictor, ledger, params, consensus.WithLogger(zerolog.Nop()), consensus.WithClock(clk))
	require.NoError(t, err)

	type result struct {
		outcome *consensus.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := e.Predict(testCtx, features)
		done <- result{outcome, err}
	}()

	<-started
	// runs the query deadline of slow and then the round deadline
	clk.Add(params.RoundTimeout)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("round outlived its deadline")
	}
	require.NoError(t, res.err)
	require.True(t, res.outcome.Decided)
	require.Len(t, res.outcome.Absent, 1)
	require.Equal(t, "slow", res.outcome.Absent[0].PeerID)

	persisted, err := ledger.Load(testCtx)
	require.NoError(t, err)
	require.Equal(t, e.Standing(), persisted)
	require.EqualValues(t, 110, persisted["a"].Balance)
	require.EqualValues(t, 110, persisted["b"].Balance)
	require.EqualValues(t, 100, persisted["slow"].Balance)
}

func TestCanceledRoundIsStillPersisted(t *testing.T) {
	r := registry(t, "a", "slow")
	predictor, started := hanging(newTable().set("a", 0.9, 0.1), "slow")
	ledger := store.NewFile(filepath.Join(t.TempDir(), "ledger.json"))
	e := newEngine(t, r, predictor, ledger)

	ctx, cancel := context.WithCancel(testCtx)
	go func() {
		<-started
		cancel()
	}()
	outcome, err := e.Predict(ctx, features)
	require.NoError(t, err)
	require.True(t, outcome.Decided)

	persisted, err := ledger.Load(testCtx)
	require.NoError(t, err)
	require.EqualValues(t, 110, persisted["a"].Balance)
	require.Equal(t, e.Standing(), persisted)
}

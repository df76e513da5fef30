package consensus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cmwaters/chorus/consensus"
	"github.com/cmwaters/chorus/pkg/group"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-9

var testCtx = context.Background()

// table is a predictor that answers from a fixed table of responses keyed by
// peer id. Peers without an entry fail.
type table struct {
	mtx       sync.Mutex
	responses map[string][]float64
	failures  map[string]error
	calls     map[string]int
}

func newTable() *table {
	return &table{
		responses: make(map[string][]float64),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (tb *table) set(id string, probabilities ...float64) *table {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	tb.responses[id] = probabilities
	delete(tb.failures, id)
	return tb
}

func (tb *table) fail(id string, err error) *table {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	tb.failures[id] = err
	return tb
}

func (tb *table) called(id string) int {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	return tb.calls[id]
}

func (tb *table) Predict(ctx context.Context, peer group.Peer, _ []float64) ([]float64, error) {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	tb.calls[peer.ID]++
	if err, ok := tb.failures[peer.ID]; ok {
		return nil, err
	}
	probs, ok := tb.responses[peer.ID]
	if !ok {
		return nil, errors.New("unreachable")
	}
	out := make([]float64, len(probs))
	copy(out, probs)
	return out, nil
}

// memStore keeps the snapshot in memory and can be made to fail.
type memStore struct {
	mtx      sync.Mutex
	snapshot group.Snapshot
	saves    int
	err      error
}

func (s *memStore) Load(context.Context) (group.Snapshot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.snapshot, nil
}

func (s *memStore) Save(_ context.Context, snapshot group.Snapshot) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snapshot = snapshot
	s.saves++
	return nil
}

func registry(t *testing.T, ids ...string) *group.Registry {
	t.Helper()
	members := make([]group.Member, len(ids))
	for i, id := range ids {
		members[i] = group.Member{ID: id}
	}
	r, err := group.NewRegistry(members, consensus.DefaultBaseBalance, nil)
	require.NoError(t, err)
	return r
}

func registryWith(t *testing.T, persisted group.Snapshot) *group.Registry {
	t.Helper()
	members := make([]group.Member, 0, len(persisted))
	for id := range persisted {
		members = append(members, group.Member{ID: id})
	}
	r, err := group.NewRegistry(members, consensus.DefaultBaseBalance, persisted)
	require.NoError(t, err)
	return r
}

func weight(w float64) *float64 {
	return &w
}

package group

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoPeers       = errors.New("registry must have at least one peer")
	ErrDuplicatePeer = errors.New("duplicate peer id")
	ErrUnknownPeer   = errors.New("unknown peer id")
	ErrInvalidStake  = errors.New("base balance must be positive")
)

// Registry holds the static set of participating peers and their mutable
// standing: weight, balance and status.
//
// The registry guards its own state so that readers can observe it at any
// time, but it does not serialize rounds. Read-modify-write sequences across
// a round are the caller's responsibility (see consensus.Engine). All values
// returned are copies.
//
// Exclusion is a one-way gate. Once a peer is excluded, Commit never touches
// it again, and any committed balance at or below zero pins the peer to
// Excluded regardless of what status the caller asked for.
type Registry struct {
	mtx   sync.RWMutex
	peers map[string]*Peer
	// ids sorted lexicographically. Gives every iteration a deterministic order
	ids []string
}

// NewRegistry creates a registry from the configured members. Balances are
// taken from the persisted snapshot when a record exists for the peer,
// otherwise every peer is seeded with baseBalance. A persisted balance at or
// below zero (or a persisted exclusion) loads the peer as Excluded.
//
// Weights start uniform unless every active peer has a persisted weight, in
// which case those are used. Either way the weights of active peers are
// normalized to sum to one.
//
// baseBalance must be positive: a fresh peer that starts without stake could
// never be queried nor excluded.
func NewRegistry(members []Member, baseBalance int64, persisted Snapshot) (*Registry, error) {
	if len(members) == 0 {
		return nil, ErrNoPeers
	}
	if baseBalance <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidStake, baseBalance)
	}

	r := &Registry{
		peers: make(map[string]*Peer, len(members)),
		ids:   make([]string, 0, len(members)),
	}
	for idx, m := range members {
		if m.ID == "" {
			return nil, fmt.Errorf("member %d has an empty id", idx)
		}
		if _, ok := r.peers[m.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePeer, m.ID)
		}
		p := &Peer{
			ID:       m.ID,
			Endpoint: m.Endpoint,
			Weight:   1,
			Balance:  baseBalance,
			Status:   Active,
		}
		r.peers[m.ID] = p
		r.ids = append(r.ids, m.ID)
	}
	r.sort()

	// only trust persisted weights if all active peers have one. Mixing
	// persisted and fresh weights would skew the newly added peers.
	persistedWeights := true
	for _, id := range r.ids {
		p := r.peers[id]
		rec, ok := persisted[id]
		if ok {
			p.Balance = rec.Balance
			if rec.Excluded || rec.Balance <= 0 {
				p.Status = Excluded
			}
		}
		if p.Status == Active && (!ok || rec.Weight == nil) {
			persistedWeights = false
		}
	}
	for _, id := range r.ids {
		p := r.peers[id]
		switch rec, ok := persisted[id]; {
		case ok && rec.Weight != nil && (persistedWeights || p.Status == Excluded):
			p.Weight = *rec.Weight
		case p.Status == Active:
			p.Weight = 1
		}
	}

	r.normalize()
	return r, nil
}

// Size returns the total number of peers, excluded ones included.
func (r *Registry) Size() int {
	return len(r.ids)
}

// Get returns a copy of the peer with the given id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a copy of every peer ordered by id.
func (r *Registry) Peers() []Peer {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	peers := make([]Peer, 0, len(r.ids))
	for _, id := range r.ids {
		peers = append(peers, *r.peers[id])
	}
	return peers
}

// Eligible returns the peers that may be queried this round: active and with
// a positive balance, ordered by id.
func (r *Registry) Eligible() []Peer {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	peers := make([]Peer, 0, len(r.ids))
	for _, id := range r.ids {
		if p := r.peers[id]; p.Eligible() {
			peers = append(peers, *p)
		}
	}
	return peers
}

// Weights returns the current weight of every peer.
func (r *Registry) Weights() map[string]float64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	weights := make(map[string]float64, len(r.ids))
	for id, p := range r.peers {
		weights[id] = p.Weight
	}
	return weights
}

// Balances returns the current balance of every peer.
func (r *Registry) Balances() map[string]int64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	balances := make(map[string]int64, len(r.ids))
	for id, p := range r.peers {
		balances[id] = p.Balance
	}
	return balances
}

// Snapshot exports the standing of every peer in its persisted form.
func (r *Registry) Snapshot() Snapshot {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	snapshot := make(Snapshot, len(r.ids))
	for id, p := range r.peers {
		weight := p.Weight
		snapshot[id] = Record{
			Balance:  p.Balance,
			Weight:   &weight,
			Excluded: p.Status == Excluded,
		}
	}
	return snapshot
}

// Commit atomically writes the weight, balance and status of the given peers.
// Either every update is applied or, if any id is unknown, none is.
//
// Excluded peers are frozen and their updates are dropped. A committed
// balance at or below zero always results in Excluded. Commit returns the ids
// of peers that transitioned to Excluded.
func (r *Registry) Commit(updates []Peer) ([]string, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	// validate first. We cannot mutate state until we know that it can't
	// possibly fail.
	for _, u := range updates {
		if _, ok := r.peers[u.ID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, u.ID)
		}
	}

	var excluded []string
	for _, u := range updates {
		p := r.peers[u.ID]
		if p.Status == Excluded {
			continue
		}
		p.Weight = u.Weight
		p.Balance = u.Balance
		if u.Status == Excluded || u.Balance <= 0 {
			p.Status = Excluded
			excluded = append(excluded, p.ID)
		}
	}
	sort.Strings(excluded)
	return excluded, nil
}

// ------------------ PRIVATE FUNCTIONS ---------------------

func (r *Registry) sort() {
	sort.Strings(r.ids)
}

func (r *Registry) normalize() {
	active := make([]*Peer, 0, len(r.ids))
	for _, id := range r.ids {
		if p := r.peers[id]; p.Status == Active {
			active = append(active, p)
		}
	}
	normalizeWeights(active)
}

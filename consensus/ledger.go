package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmwaters/chorus/pkg/group"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

// ErrPersistence is returned alongside a valid outcome when the new standing
// could not be saved. The in-memory standing has already been updated.
var ErrPersistence = errors.New("failed to persist ledger")

// Settlement is the standing of every peer after a round has been settled.
type Settlement struct {
	// Excluded lists the peers excluded by this round, ordered by id
	Excluded []string
	Weights  map[string]float64
	Balances map[string]int64
	// Reset is true if the active weights collapsed and were reset to uniform
	Reset bool
}

// Ledger applies the reputation rules to the registry after every decided
// round and persists the result.
type Ledger struct {
	registry   *group.Registry
	store      Store
	parameters Parameters
	logger     zerolog.Logger
}

// NewLedger creates a ledger. store may be nil, in which case the standing is
// only kept in memory.
func NewLedger(registry *group.Registry, store Store, parameters Parameters, logger zerolog.Logger) *Ledger {
	return &Ledger{
		registry:   registry,
		store:      store,
		parameters: parameters,
		logger:     logger,
	}
}

// Settle rewards the peers that voted with the decision and penalizes the
// ones that voted against it. Peers that did not vote are not touched apart
// from renormalization.
//
// The steps are applied in a fixed order: update weights and balances,
// exclude every peer whose balance dropped to zero or below, renormalize the
// weights of the peers that are still active, commit to the registry and
// finally save the full snapshot. If saving fails the returned error wraps
// ErrPersistence and the settlement is still valid.
func (l *Ledger) Settle(ctx context.Context, decision Decision) (Settlement, error) {
	if len(decision.Votes) == 0 {
		return l.settlement(nil, false), nil
	}

	voted := make(map[string]Vote, len(decision.Votes))
	for _, v := range decision.Votes {
		voted[v.PeerID] = v
	}

	peers := l.registry.Peers()
	for i := range peers {
		p := &peers[i]
		if p.Status == group.Excluded {
			continue
		}
		vote, ok := voted[p.ID]
		if !ok {
			continue
		}
		if vote.Predicted() == decision.Label {
			p.Weight *= 1 + l.parameters.Alpha
			p.Balance += l.parameters.Reward
			metrics.votes.Add(ctx, 1, metric.WithAttributes(attrAgreed))
		} else {
			p.Weight *= 1 - l.parameters.Alpha
			p.Balance -= l.parameters.Penalty
			metrics.votes.Add(ctx, 1, metric.WithAttributes(attrDisagreed))
		}
		if p.Balance <= 0 {
			p.Status = group.Excluded
		}
	}

	reset := !group.Normalize(peers)
	if reset {
		l.logger.Warn().Msg("active weights collapsed, reset to uniform")
	}

	excluded, err := l.registry.Commit(peers)
	if err != nil {
		return Settlement{}, fmt.Errorf("committing standing: %w", err)
	}
	for _, id := range excluded {
		l.logger.Warn().Str("peer", id).Msg("peer excluded: balance exhausted")
	}
	metrics.exclusions.Add(ctx, int64(len(excluded)))

	settlement := l.settlement(excluded, reset)
	if l.store == nil {
		return settlement, nil
	}
	if err := l.store.Save(ctx, l.registry.Snapshot()); err != nil {
		metrics.persistenceFailures.Add(ctx, 1)
		l.logger.Error().Err(err).Msg("failed to persist ledger")
		return settlement, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return settlement, nil
}

func (l *Ledger) settlement(excluded []string, reset bool) Settlement {
	return Settlement{
		Excluded: excluded,
		Weights:  l.registry.Weights(),
		Balances: l.registry.Balances(),
		Reset:    reset,
	}
}

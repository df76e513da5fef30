// Package chorus combines the predictions of independently operated
// model-serving peers into one consensus label per query and keeps track of
// how much each peer can be trusted.
//
// The engine lives in the consensus package. This package wires it to a
// configuration and a persisted ledger.
package chorus

import (
	"context"
	"fmt"

	"github.com/cmwaters/chorus/consensus"
	"github.com/cmwaters/chorus/pkg/group"
)

// New restores the standing of the configured peers from the store and
// returns an engine ready to run rounds. store may be nil, in which case
// every peer starts from the base balance and nothing is persisted.
func New(ctx context.Context, cfg *Config, predictor consensus.Predictor, store consensus.Store, opts ...consensus.Option) (*consensus.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var persisted group.Snapshot
	if store != nil {
		var err error
		persisted, err = store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading ledger: %w", err)
		}
	}

	registry, err := group.NewRegistry(cfg.Members(), cfg.Parameters.BaseBalance, persisted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return consensus.New(registry, predictor, store, cfg.Parameters, opts...)
}

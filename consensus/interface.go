package consensus

import (
	"context"

	"github.com/cmwaters/chorus/pkg/group"
)

type (
	// Predictor is the capability every peer offers: given a feature vector
	// it returns a probability vector over a fixed set of classes, or fails.
	// The transport decides how the peer's endpoint is interpreted.
	//
	// Any error, including a context deadline, is treated by the dispatcher
	// as the peer not voting this round.
	Predictor interface {
		Predict(ctx context.Context, peer group.Peer, features []float64) ([]float64, error)
	}

	// Store persists the standing of every peer between restarts. Save must
	// replace the previously stored snapshot atomically: after a crash, Load
	// returns either the old or the new snapshot, never a mix of the two.
	// Load returns an empty snapshot if nothing was stored yet.
	Store interface {
		Load(ctx context.Context) (group.Snapshot, error)
		Save(ctx context.Context, snapshot group.Snapshot) error
	}
)

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, peer group.Peer, features []float64) ([]float64, error)

func (f PredictorFunc) Predict(ctx context.Context, peer group.Peer, features []float64) ([]float64, error) {
	return f(ctx, peer, features)
}

package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmwaters/chorus/pkg/group"
)

// Local is an in-process transport. Each peer id maps directly to a model, so
// rounds can be run without any network in between.
type Local struct {
	mtx    sync.RWMutex
	models map[string]Model
}

func NewLocal() *Local {
	return &Local{
		models: make(map[string]Model),
	}
}

// Register binds a model to a peer id, replacing any previous binding.
func (l *Local) Register(peerID string, model Model) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.models[peerID] = model
}

// Unregister removes the peer. Subsequent queries to it fail.
func (l *Local) Unregister(peerID string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	delete(l.models, peerID)
}

func (l *Local) Predict(ctx context.Context, peer group.Peer, features []float64) ([]float64, error) {
	l.mtx.RLock()
	model, ok := l.models[peer.ID]
	l.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return model.Predict(ctx, features)
}

// Package network provides the request/response transports between the
// orchestrator and the model-serving peers: JSON over HTTP and an in-process
// table for tests and simulations.
package network

import (
	"context"
	"errors"
)

// DefaultModelName is the model a serving peer is asked for when none is
// configured.
const DefaultModelName = "iris_model"

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrUnknownPeer  = errors.New("unknown peer")
)

// Model is the capability a serving peer exposes: it turns a feature vector
// into a probability vector over a fixed set of classes.
type Model interface {
	Predict(ctx context.Context, features []float64) ([]float64, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, features []float64) ([]float64, error)

func (f ModelFunc) Predict(ctx context.Context, features []float64) ([]float64, error) {
	return f(ctx, features)
}

// PredictRequest is the body posted to a serving peer.
type PredictRequest struct {
	ModelName string    `json:"model_name"`
	Features  []float64 `json:"features"`
}

// PredictResponse carries either a prediction or an error.
type PredictResponse struct {
	Prediction []float64 `json:"prediction,omitempty"`
	Error      string    `json:"error,omitempty"`
}

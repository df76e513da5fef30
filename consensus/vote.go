package consensus

import (
	"errors"
	"fmt"
	"math"
)

var ErrMalformedPrediction = errors.New("malformed prediction")

// tieTolerance is the absolute difference under which two entries of a
// probability or weighted-sum vector are considered tied.
const tieTolerance = 1e-12

// Vote is the answer of a single peer in a single round.
type Vote struct {
	PeerID        string    `json:"peer_id"`
	Probabilities []float64 `json:"probabilities"`
}

// ValidateForm checks the shape of the vote independently of any other vote
// in the round.
func (v Vote) ValidateForm() error {
	if v.PeerID == "" {
		return fmt.Errorf("%w: vote has no peer id", ErrMalformedPrediction)
	}
	if len(v.Probabilities) == 0 {
		return fmt.Errorf("%w: empty probability vector from %s", ErrMalformedPrediction, v.PeerID)
	}
	for i, p := range v.Probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return fmt.Errorf("%w: invalid probability %v at class %d from %s", ErrMalformedPrediction, p, i, v.PeerID)
		}
	}
	return nil
}

// Predicted returns the class the peer itself voted for.
func (v Vote) Predicted() int {
	return Argmax(v.Probabilities)
}

func (v Vote) String() string {
	return fmt.Sprintf("vote{%s -> %d}", v.PeerID, v.Predicted())
}

// Argmax returns the index of the largest element. Ties go to the lowest
// index, and elements within 1e-12 of each other are tied: an element has to
// exceed the current best by more than that to win. Argmax of an empty
// vector is -1.
func Argmax(vector []float64) int {
	if len(vector) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(vector); i++ {
		if vector[i] > vector[best]+tieTolerance {
			best = i
		}
	}
	return best
}

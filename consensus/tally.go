package consensus

import (
	"fmt"
	"math"
)

// Decision is the result of combining the votes of a round.
type Decision struct {
	// Label is the index of the winning class
	Label int
	// Sum is the weighted sum of the probability vectors
	Sum []float64
	// Votes are the votes that contributed to the sum, ordered by peer id
	Votes []Vote
}

// Tally accumulates weighted probability vectors and decides on the class
// with the highest combined score.
//
// Addition is commutative up to floating point rounding. Callers that need
// bit-for-bit reproducible sums add votes in peer id order.
type Tally struct {
	classes int
	sum     []float64
	votes   []Vote
}

// NewTally creates a tally over the given number of classes. A class count of
// zero is taken from the first vote that is added.
func NewTally(classes int) *Tally {
	t := &Tally{classes: classes}
	if classes > 0 {
		t.sum = make([]float64, classes)
	}
	return t
}

// Add includes the vote in the weighted sum. The weight must be a finite
// non-negative number.
func (t *Tally) Add(vote Vote, weight float64) error {
	if err := vote.ValidateForm(); err != nil {
		return err
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("invalid weight %v for %s", weight, vote.PeerID)
	}
	if t.classes == 0 {
		t.classes = len(vote.Probabilities)
		t.sum = make([]float64, t.classes)
	}
	if len(vote.Probabilities) != t.classes {
		return fmt.Errorf("%w: expected %d classes, got %d from %s",
			ErrMalformedPrediction, t.classes, len(vote.Probabilities), vote.PeerID)
	}
	for i, p := range vote.Probabilities {
		t.sum[i] += weight * p
	}
	t.votes = append(t.votes, vote)
	return nil
}

// Size returns the number of votes added so far.
func (t *Tally) Size() int {
	return len(t.votes)
}

// Decide returns the consensus decision. ok is false when no vote was added,
// in which case there is no consensus.
//
// The label is the lowest index whose score is within 1e-12 of the maximum.
// Scores closer than that are treated as tied, so a class that leads by less
// than 1e-12 loses to a lower index. Rounding in the weighted sum is well
// above that scale, and exact ties must not depend on it.
func (t *Tally) Decide() (Decision, bool) {
	if len(t.votes) == 0 {
		return Decision{Label: -1}, false
	}
	sum := make([]float64, len(t.sum))
	copy(sum, t.sum)
	votes := make([]Vote, len(t.votes))
	copy(votes, t.votes)
	return Decision{
		Label: Argmax(sum),
		Sum:   sum,
		Votes: votes,
	}, true
}

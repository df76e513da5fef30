package consensus

import "fmt"

// Verifier checks that the votes of a round agree on the number of classes.
// The class count is either fixed up front or taken from the first vote that
// is verified. Votes must therefore be passed in peer id order for the
// outcome to be independent of response arrival order.
type Verifier struct {
	classes int
}

func NewVerifier(classes int) *Verifier {
	return &Verifier{classes: classes}
}

// Verify returns an error wrapping ErrMalformedPrediction if the vote is not
// well formed or its length differs from the class count of the round.
func (v *Verifier) Verify(vote Vote) error {
	if err := vote.ValidateForm(); err != nil {
		return err
	}
	if v.classes == 0 {
		v.classes = len(vote.Probabilities)
		return nil
	}
	if len(vote.Probabilities) != v.classes {
		return fmt.Errorf("%w: expected %d classes, got %d from %s",
			ErrMalformedPrediction, v.classes, len(vote.Probabilities), vote.PeerID)
	}
	return nil
}

// Classes returns the class count of the round, or zero if it is not known yet.
func (v *Verifier) Classes() int {
	return v.classes
}

// Filter verifies every vote in order and splits them into accepted votes and
// absences.
func (v *Verifier) Filter(votes []Vote) ([]Vote, []Absence) {
	accepted := make([]Vote, 0, len(votes))
	var rejected []Absence
	for _, vote := range votes {
		if err := v.Verify(vote); err != nil {
			rejected = append(rejected, Absence{PeerID: vote.PeerID, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, vote)
	}
	return accepted, rejected
}

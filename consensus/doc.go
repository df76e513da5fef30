// Package consensus implements the consensus and reputation engine of an
// ensemble of independently operated model-serving peers.
//
// Each round the same feature vector is sent to every eligible peer. The
// probability vectors that come back are combined into a weighted sum whose
// argmax is the consensus label. Peers that voted with the consensus gain
// weight and stake, peers that voted against it lose both, and a peer whose
// stake runs out is excluded for good. Peers that did not answer are left
// untouched: absence is not disagreement.
//
// A round is split across four parts:
//   - Dispatcher: queries the peers concurrently and collects the votes
//   - Tally: validates the votes and computes the consensus label
//   - Ledger: settles weights and balances and persists the new standing
//   - Engine: serializes rounds and ties the other three together
package consensus

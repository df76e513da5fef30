package group

import "fmt"

// Status is the participation state of a peer. The only transition is
// Active -> Excluded.
type Status uint8

const (
	Active Status = iota
	Excluded
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Excluded:
		return "excluded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Member is the static description of a participant as it appears in
// configuration.
type Member struct {
	ID       string
	Endpoint string
}

// Peer is a participating voter together with its mutable standing.
type Peer struct {
	// ID is unique within a registry and never changes
	ID string
	// Endpoint is how the prediction transport reaches the peer. It is opaque
	// to the registry.
	Endpoint string
	// Weight is the peer's influence on the weighted sum of a round
	Weight float64
	// Balance is the peer's stake. Once it reaches zero or below the peer is
	// excluded for good.
	Balance int64
	Status  Status
}

// Eligible reports whether the peer may be queried in a round.
func (p Peer) Eligible() bool {
	return p.Status == Active && p.Balance > 0
}

func (p Peer) String() string {
	return fmt.Sprintf("peer{%s w=%.6f b=%d %s}", p.ID, p.Weight, p.Balance, p.Status)
}

// Record is the persisted form of a peer's standing.
type Record struct {
	Balance int64 `json:"balance"`
	// Weight is optional. When absent the registry starts the peer at a
	// uniform weight.
	Weight   *float64 `json:"weight,omitempty"`
	Excluded bool     `json:"excluded,omitempty"`
}

// Snapshot maps peer ids to their persisted standing.
type Snapshot map[string]Record

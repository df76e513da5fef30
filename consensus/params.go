package consensus

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidParameters = errors.New("invalid consensus parameters")

// Parameters are the knobs of the consensus and reputation engine. They are
// validated once when the engine is created and never at round time.
type Parameters struct {
	// Alpha is the learning rate of the weights. A peer that agrees with the
	// consensus has its weight multiplied by 1 + Alpha, a peer that disagrees
	// by 1 - Alpha. Must be within [0, 1].
	Alpha float64 `json:"alpha" yaml:"alpha"`

	// Reward is added to the balance of every peer that agrees with the
	// consensus and Penalty is subtracted from every peer that disagrees.
	Reward  int64 `json:"reward" yaml:"reward"`
	Penalty int64 `json:"penalty" yaml:"penalty"`

	// BaseBalance is the stake a peer starts with when there is no persisted
	// balance for it
	BaseBalance int64 `json:"base_balance" yaml:"base_balance"`

	// Classes fixes the length of a valid probability vector. When zero, the
	// first vote of a round (in peer id order) sets the length.
	Classes int `json:"classes,omitempty" yaml:"classes,omitempty"`

	// QueryTimeout bounds a single query to a peer. A peer that does not
	// answer in time is treated as if it failed.
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`

	// RoundTimeout bounds the queries of a round as a whole. Settling and
	// persisting the outcome are not subject to it. Zero means rounds are only
	// bounded by the query timeout and the caller's context. When set it must
	// exceed QueryTimeout.
	RoundTimeout time.Duration `json:"round_timeout,omitempty" yaml:"round_timeout,omitempty"`
}

const (
	DefaultAlpha        = 0.1
	DefaultReward       = 10
	DefaultPenalty      = 50
	DefaultBaseBalance  = 100
	DefaultQueryTimeout = 5 * time.Second
	DefaultRoundTimeout = 10 * time.Second
)

func DefaultParameters() Parameters {
	return Parameters{
		Alpha:        DefaultAlpha,
		Reward:       DefaultReward,
		Penalty:      DefaultPenalty,
		BaseBalance:  DefaultBaseBalance,
		QueryTimeout: DefaultQueryTimeout,
		RoundTimeout: DefaultRoundTimeout,
	}
}

func (p Parameters) Validate() error {
	switch {
	case p.Alpha < 0 || p.Alpha > 1 || p.Alpha != p.Alpha:
		return fmt.Errorf("%w: alpha must be within [0, 1], got %v", ErrInvalidParameters, p.Alpha)
	case p.Reward <= 0:
		return fmt.Errorf("%w: reward must be positive, got %d", ErrInvalidParameters, p.Reward)
	case p.Penalty <= 0:
		return fmt.Errorf("%w: penalty must be positive, got %d", ErrInvalidParameters, p.Penalty)
	case p.BaseBalance <= 0:
		return fmt.Errorf("%w: base balance must be positive, got %d", ErrInvalidParameters, p.BaseBalance)
	case p.Classes < 0:
		return fmt.Errorf("%w: classes must not be negative, got %d", ErrInvalidParameters, p.Classes)
	case p.QueryTimeout <= 0:
		return fmt.Errorf("%w: query timeout must be positive, got %s", ErrInvalidParameters, p.QueryTimeout)
	case p.RoundTimeout < 0:
		return fmt.Errorf("%w: round timeout must not be negative, got %s", ErrInvalidParameters, p.RoundTimeout)
	case p.RoundTimeout > 0 && p.RoundTimeout <= p.QueryTimeout:
		return fmt.Errorf("%w: round timeout %s must exceed query timeout %s", ErrInvalidParameters, p.RoundTimeout, p.QueryTimeout)
	}
	return nil
}

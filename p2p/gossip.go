package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cmwaters/chorus/consensus"
	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const defaultPublishTimeout = 10 * time.Second

var errAnnouncerClosed = errors.New("announcer closed")

// Announcement is the summary of a round outcome gossiped to observers.
type Announcement struct {
	// Session identifies one run of an orchestrator. Round numbers restart
	// with every session.
	Session  string             `json:"session"`
	Round    uint64             `json:"round"`
	Decided  bool               `json:"decided"`
	Label    int                `json:"label"`
	Voters   []string           `json:"voters"`
	Absent   []string           `json:"absent"`
	Excluded []string           `json:"excluded,omitempty"`
	Weights  map[string]float64 `json:"weights"`
	Balances map[string]int64   `json:"balances"`
}

func (a *Announcement) validate() error {
	if a.Session == "" {
		return errors.New("announcement without session")
	}
	if a.Round == 0 {
		return errors.New("announcement without round")
	}
	if a.Decided != (a.Label >= 0) {
		return errors.New("label does not match decision")
	}
	return nil
}

// NewAnnouncement summarizes an outcome.
func NewAnnouncement(session string, outcome *consensus.Outcome) *Announcement {
	a := &Announcement{
		Session:  session,
		Round:    outcome.Round,
		Decided:  outcome.Decided,
		Label:    outcome.Label,
		Voters:   make([]string, 0, len(outcome.Votes)),
		Absent:   make([]string, 0, len(outcome.Absent)),
		Excluded: outcome.Excluded,
		Weights:  outcome.Weights,
		Balances: outcome.Balances,
	}
	for _, v := range outcome.Votes {
		a.Voters = append(a.Voters, v.PeerID)
	}
	for _, ab := range outcome.Absent {
		a.Absent = append(a.Absent, ab.PeerID)
	}
	return a
}

// Received is an announcement together with the peer that published it.
type Received struct {
	From peer.ID
	*Announcement
}

// Announcer gossips round outcomes on a pubsub topic and receives the
// outcomes published by others. Publishing alone never subscribes to the
// topic; the subscription is only taken by Subscribe or Next.
type Announcer struct {
	ps *pubsub.PubSub
	tp *pubsub.Topic

	subMtx sync.Mutex
	sub    *pubsub.Subscription
	closed bool

	session string
	// PublishTimeout bounds how long an announcement waits for the topic to
	// have at least one other peer.
	PublishTimeout time.Duration

	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewAnnouncer(ps *pubsub.PubSub, topic string, logger zerolog.Logger) (*Announcer, error) {
	if err := ps.RegisterTopicValidator(topic, validate); err != nil {
		return nil, err
	}
	tp, err := ps.Join(topic)
	if err != nil {
		return nil, multierr.Append(err, ps.UnregisterTopicValidator(topic))
	}
	return &Announcer{
		ps:             ps,
		tp:             tp,
		session:        uuid.NewString(),
		PublishTimeout: defaultPublishTimeout,
		logger:         logger,
	}, nil
}

// Session returns the id stamped on every announcement of this announcer.
func (a *Announcer) Session() string {
	return a.session
}

// Announce publishes the outcome. It blocks until at least one peer has
// joined the topic or the context expires.
func (a *Announcer) Announce(ctx context.Context, outcome *consensus.Outcome) error {
	data, err := json.Marshal(NewAnnouncement(a.session, outcome))
	if err != nil {
		return err
	}
	// so that we publish when we have at least one peer
	opt := pubsub.WithReadiness(pubsub.MinTopicSize(1))
	return a.tp.Publish(ctx, data, opt)
}

// Subscribe starts receiving announcements. Next subscribes on first use;
// observers call Subscribe up front so that nothing published before their
// first Next is lost. Calling it again is a no-op.
func (a *Announcer) Subscribe() error {
	_, err := a.subscription()
	return err
}

func (a *Announcer) subscription() (*pubsub.Subscription, error) {
	a.subMtx.Lock()
	defer a.subMtx.Unlock()
	if a.closed {
		return nil, errAnnouncerClosed
	}
	if a.sub == nil {
		sub, err := a.tp.Subscribe()
		if err != nil {
			return nil, err
		}
		a.sub = sub
	}
	return a.sub, nil
}

// Next blocks until the next announcement arrives, including the ones this
// announcer published itself after subscribing.
func (a *Announcer) Next(ctx context.Context) (*Received, error) {
	sub, err := a.subscription()
	if err != nil {
		return nil, err
	}
	msg, err := sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	// the validator already checked the payload
	var ann Announcement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		return nil, err
	}
	return &Received{From: msg.GetFrom(), Announcement: &ann}, nil
}

// Run announces every outcome the engine produces until the context is
// canceled. A failed announcement is logged and skipped.
func (a *Announcer) Run(ctx context.Context, engine *consensus.Engine) error {
	ch := make(chan *consensus.Outcome, 16)
	_, unsubscribe := engine.Subscribe(ch)
	defer func() { unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case outcome, ok := <-ch:
			if !ok {
				// the subscription was dropped because we fell behind
				a.logger.Warn().Msg("announcer fell behind, resubscribing")
				ch = make(chan *consensus.Outcome, 16)
				_, unsubscribe = engine.Subscribe(ch)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, a.PublishTimeout)
			if err := a.Announce(pctx, outcome); err != nil {
				a.logger.Warn().Err(err).Uint64("round", outcome.Round).Msg("failed to announce outcome")
			}
			cancel()
		}
	}
}

func (a *Announcer) Close() (err error) {
	a.closeOnce.Do(func() {
		a.subMtx.Lock()
		a.closed = true
		if a.sub != nil {
			a.sub.Cancel()
		}
		a.subMtx.Unlock()
		err = multierr.Combine(
			a.ps.UnregisterTopicValidator(a.tp.String()),
			a.tp.Close(),
		)
	})
	return err
}

func validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	var ann Announcement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		return pubsub.ValidationReject
	}
	if err := ann.validate(); err != nil {
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

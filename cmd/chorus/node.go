package main

import (
	"context"
	"os"

	"github.com/cmwaters/chorus"
	"github.com/cmwaters/chorus/consensus"
	"github.com/cmwaters/chorus/network"
	"github.com/cmwaters/chorus/p2p"
	"github.com/cmwaters/chorus/store"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

// node holds everything a command needs and the resources to release.
type node struct {
	cfg       *chorus.Config
	logger    zerolog.Logger
	store     consensus.Store
	engine    *consensus.Engine
	announcer *p2p.Announcer

	closers []func() error
}

func newLogger(c *cli.Context) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return zerolog.Logger{}, xerrors.Errorf("parsing log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger(), nil
}

// openStore opens the configured ledger store.
func openStore(cfg *chorus.Config, n *node) (consensus.Store, error) {
	switch cfg.Store.Kind {
	case chorus.StoreFile:
		return store.NewFile(cfg.Store.Path), nil
	case chorus.StoreLevelDB:
		ds, err := leveldb.NewDatastore(cfg.Store.Path, nil)
		if err != nil {
			return nil, xerrors.Errorf("opening leveldb at %s: %w", cfg.Store.Path, err)
		}
		n.closers = append(n.closers, ds.Close)
		return store.NewDatastore(ds), nil
	default:
		return store.NewMemory(), nil
	}
}

// setupNode loads the configuration and builds the engine. withEngine is
// false for commands that only need the store.
func setupNode(c *cli.Context, withEngine bool, opts ...consensus.Option) (_ *node, _err error) {
	ctx := c.Context
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}
	cfg, err := chorus.LoadConfig(c.String("config"))
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}

	n := &node{cfg: cfg, logger: logger}
	defer func() {
		if _err != nil {
			_err = multierr.Append(_err, n.Close())
		}
	}()

	n.store, err = openStore(cfg, n)
	if err != nil {
		return nil, err
	}
	if !withEngine {
		return n, nil
	}

	var predictor consensus.Predictor
	switch cfg.Transport {
	case chorus.TransportLibp2p:
		h, err := newHost(cfg)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, h.Close)
		logger.Info().Str("peer_id", h.ID().String()).Msg("libp2p host started")
		predictor = &p2p.Client{
			Host:        h,
			NetworkName: cfg.NetworkName,
			ModelName:   cfg.ModelName,
			Logger:      logger,
		}
		if cfg.Libp2p.AnnounceTopic != "" {
			if err := n.setupAnnouncer(ctx, h); err != nil {
				return nil, err
			}
		}
	default:
		predictor = network.NewHTTPClient(cfg.ModelName)
	}

	opts = append([]consensus.Option{consensus.WithLogger(logger)}, opts...)
	n.engine, err = chorus.New(ctx, cfg, predictor, n.store, opts...)
	if err != nil {
		return nil, xerrors.Errorf("creating engine: %w", err)
	}
	return n, nil
}

func newHost(cfg *chorus.Config) (host.Host, error) {
	var opts []libp2p.Option
	if len(cfg.Libp2p.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.Libp2p.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, xerrors.Errorf("creating libp2p host: %w", err)
	}
	return h, nil
}

func (n *node) setupAnnouncer(ctx context.Context, h host.Host) error {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return xerrors.Errorf("creating gossipsub: %w", err)
	}
	n.announcer, err = p2p.NewAnnouncer(ps, n.cfg.Libp2p.AnnounceTopic, n.logger)
	if err != nil {
		return xerrors.Errorf("joining announce topic: %w", err)
	}
	// the announcer must go before the host it runs on
	n.closers = append(n.closers, n.announcer.Close)
	return nil
}

// Close releases the resources in reverse order of acquisition.
func (n *node) Close() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	n.closers = nil
	return err
}

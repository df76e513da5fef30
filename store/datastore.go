// Package store persists the standing of the peers between restarts.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/cmwaters/chorus/pkg/group"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"golang.org/x/xerrors"
)

var peersPrefix = datastore.NewKey("/peers")

// entry is the stored form of a single peer.
type entry struct {
	ID string `json:"id"`
	group.Record
}

// Datastore keeps one key per peer in a datastore. Every save is written as a
// single batch, which leveldb and the other batching backends apply
// atomically.
type Datastore struct {
	ds datastore.Batching
}

// NewDatastore wraps the given datastore. The passed datastore has to be
// thread safe.
func NewDatastore(ds datastore.Batching) *Datastore {
	return &Datastore{
		ds: namespace.Wrap(ds, datastore.NewKey("/ledger")),
	}
}

// NewMemory returns a store that lives only as long as the process.
func NewMemory() *Datastore {
	return NewDatastore(ds_sync.MutexWrap(datastore.NewMapDatastore()))
}

func (s *Datastore) Load(ctx context.Context) (group.Snapshot, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: peersPrefix.String()})
	if err != nil {
		return nil, xerrors.Errorf("querying ledger: %w", err)
	}
	defer res.Close()

	snapshot := make(group.Snapshot)
	for r := range res.Next() {
		if r.Error != nil {
			return nil, xerrors.Errorf("reading ledger: %w", r.Error)
		}
		var e entry
		if err := json.Unmarshal(r.Value, &e); err != nil {
			return nil, xerrors.Errorf("decoding ledger entry %s: %w", r.Key, err)
		}
		if e.ID == "" {
			return nil, xerrors.Errorf("ledger entry %s has no peer id", r.Key)
		}
		snapshot[e.ID] = e.Record
	}
	return snapshot, nil
}

func (s *Datastore) Save(ctx context.Context, snapshot group.Snapshot) error {
	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return xerrors.Errorf("creating batch: %w", err)
	}

	// peers that are no longer part of the snapshot are removed in the same
	// batch so that the store always holds exactly one snapshot
	res, err := s.ds.Query(ctx, query.Query{Prefix: peersPrefix.String(), KeysOnly: true})
	if err != nil {
		return xerrors.Errorf("querying ledger: %w", err)
	}
	stale := make(map[datastore.Key]struct{})
	for r := range res.Next() {
		if r.Error != nil {
			_ = res.Close()
			return xerrors.Errorf("reading ledger: %w", r.Error)
		}
		stale[datastore.NewKey(r.Key)] = struct{}{}
	}
	_ = res.Close()

	for id, record := range snapshot {
		value, err := json.Marshal(entry{ID: id, Record: record})
		if err != nil {
			return xerrors.Errorf("encoding ledger entry for %s: %w", id, err)
		}
		key := keyForPeer(id)
		delete(stale, key)
		if err := batch.Put(ctx, key, value); err != nil {
			return xerrors.Errorf("putting ledger entry for %s: %w", id, err)
		}
	}
	for key := range stale {
		if err := batch.Delete(ctx, key); err != nil {
			return xerrors.Errorf("deleting stale ledger entry %s: %w", key, err)
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return xerrors.Errorf("committing ledger: %w", err)
	}
	return nil
}

// peer ids are free form, hex keeps them from being split into key segments
func keyForPeer(id string) datastore.Key {
	return peersPrefix.ChildString(hex.EncodeToString([]byte(id)))
}

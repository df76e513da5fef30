package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cmwaters/chorus/pkg/group"
	"golang.org/x/xerrors"
)

const fileVersion = 1

type fileFormat struct {
	Version int            `json:"version"`
	Peers   group.Snapshot `json:"peers"`
}

// File keeps the snapshot in a single JSON file. A save writes a temporary
// file next to the target, syncs it and renames it over the target, so a
// crash leaves either the old or the new snapshot behind.
type File struct {
	path string
	mtx  sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (f *File) Load(ctx context.Context) (group.Snapshot, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return group.Snapshot{}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("reading ledger file: %w", err)
	}

	var content fileFormat
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, xerrors.Errorf("decoding ledger file %s: %w", f.path, err)
	}
	if content.Version != fileVersion {
		return nil, xerrors.Errorf("ledger file %s has unsupported version %d", f.path, content.Version)
	}
	if content.Peers == nil {
		content.Peers = group.Snapshot{}
	}
	return content.Peers, nil
}

func (f *File) Save(ctx context.Context, snapshot group.Snapshot) (_err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileFormat{Version: fileVersion, Peers: snapshot}, "", "  ")
	if err != nil {
		return xerrors.Errorf("encoding ledger: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("creating ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return xerrors.Errorf("creating temporary ledger file: %w", err)
	}
	defer func() {
		if _err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("writing ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("syncing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("closing ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return xerrors.Errorf("replacing ledger: %w", err)
	}

	// make the rename itself durable
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/event-pipeline/internal/entity"
)

// SnapshotRepoImpl stores local incremental state as one JSON file per prefix.
type SnapshotRepoImpl struct {
	dir string
}

// NewSnapshotRepo creates a repository writing to dir/<prefix>.json.
func NewSnapshotRepo(dir string) *SnapshotRepoImpl {
	return &SnapshotRepoImpl{dir: dir}
}

func (r *SnapshotRepoImpl) path(prefix string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(prefix)
	return filepath.Join(r.dir, name+".json")
}

// Load returns an empty snapshot when none exists yet.
func (r *SnapshotRepoImpl) Load(_ context.Context, prefix string) (*entity.Snapshot, error) {
	data, err := os.ReadFile(r.path(prefix))
	if errors.Is(err, fs.ErrNotExist) {
		return &entity.Snapshot{Prefix: prefix, Items: map[string]*entity.ItemState{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var snap entity.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.path(prefix), err)
	}
	if snap.Items == nil {
		snap.Items = map[string]*entity.ItemState{}
	}
	snap.Prefix = prefix
	return &snap, nil
}

// Save replaces the snapshot file atomically.
func (r *SnapshotRepoImpl) Save(_ context.Context, snap *entity.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(r.path(snap.Prefix), data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

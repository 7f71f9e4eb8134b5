package repository

import (
	"context"

	"github.com/user/event-pipeline/internal/entity"
)

// SeenRepository is a set of identity hashes observed by previous runs.
type SeenRepository interface {
	WasSeen(ctx context.Context, hash string) (bool, error)
	// MarkSeen adds hashes to the set. It is an append-only union.
	MarkSeen(ctx context.Context, hashes []string) error
	Meta(ctx context.Context) (entity.StateMeta, error)
}

// SnapshotRepository persists the local incremental state between runs.
type SnapshotRepository interface {
	// Load returns an empty snapshot when none has been saved for prefix.
	Load(ctx context.Context, prefix string) (*entity.Snapshot, error)
	Save(ctx context.Context, snapshot *entity.Snapshot) error
}

package dedup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
)

type Kind string

const (
	KindNew       Kind = "new"
	KindUpdated   Kind = "updated"
	KindUnchanged Kind = "unchanged"
)

// Item is one classified row.
type Item struct {
	Hash    string
	Kind    Kind
	Row     *entity.ExtractedRow
	Changes []entity.ChangeRecord
}

// Classification partitions the rows of one run.
type Classification struct {
	New       []Item
	Updated   []Item
	Unchanged []Item
	// Duplicates counts rows repeating a hash already classified in this run.
	Duplicates int
}

// Output returns the rows that move on to normalization: new rows followed by
// updated rows.
func (c *Classification) Output() []Item {
	out := make([]Item, 0, len(c.New)+len(c.Updated))
	out = append(out, c.New...)
	return append(out, c.Updated...)
}

func (c *Classification) all() []Item {
	out := c.Output()
	return append(out, c.Unchanged...)
}

// Tracker classifies rows against incremental state. The backing store is
// chosen at construction and fixed for the run.
type Tracker struct {
	policy entity.IncrementalPolicy
	seen   repository.SeenRepository
	local  *LocalState
	logger *zap.Logger
	now    func() time.Time
}

// NewLocalTracker tracks state in a local snapshot, which also keeps last
// known rows for change detection.
func NewLocalTracker(policy entity.IncrementalPolicy, state *LocalState, logger *zap.Logger) *Tracker {
	return &Tracker{policy: policy, seen: state, local: state, logger: logger, now: time.Now}
}

// NewRemoteTracker tracks state in a shared remote set. The remote set holds
// hashes only, so previously seen rows are always classified unchanged.
func NewRemoteTracker(policy entity.IncrementalPolicy, seen repository.SeenRepository, logger *zap.Logger) *Tracker {
	if policy.TrackChanges || policy.UpdateExisting {
		logger.Warn("change tracking needs local state; seen rows will be treated as unchanged")
	}
	return &Tracker{policy: policy, seen: seen, logger: logger, now: time.Now}
}

// Identity returns the identity hash of row under the tracker's policy.
func (t *Tracker) Identity(row *entity.ExtractedRow) (string, error) {
	return ComputeIdentity(row, t.policy.IdentityFields, t.policy.Hash)
}

// seenBatcher is implemented by stores that answer membership for many
// hashes in one round trip.
type seenBatcher interface {
	SeenMany(ctx context.Context, hashes []string) (map[string]bool, error)
}

// Classify splits rows into new, updated and unchanged. With incremental
// tracking disabled every row is new.
func (t *Tracker) Classify(ctx context.Context, rows []*entity.ExtractedRow) (*Classification, error) {
	c := &Classification{}
	inRun := make(map[string]struct{}, len(rows))
	now := t.now().UTC()

	hashes := make([]string, 0, len(rows))
	unique := make([]*entity.ExtractedRow, 0, len(rows))
	for _, row := range rows {
		hash, err := t.Identity(row)
		if err != nil {
			return nil, err
		}
		if _, dup := inRun[hash]; dup {
			c.Duplicates++
			continue
		}
		inRun[hash] = struct{}{}
		hashes = append(hashes, hash)
		unique = append(unique, row)
	}
	if c.Duplicates > 0 {
		t.logger.Debug("duplicate rows within run", zap.Int("duplicates", c.Duplicates))
	}

	if !t.policy.Enabled {
		for i, row := range unique {
			c.New = append(c.New, Item{Hash: hashes[i], Kind: KindNew, Row: row})
		}
		return c, nil
	}

	seen, err := t.lookup(ctx, hashes)
	if err != nil {
		return nil, err
	}

	for i, row := range unique {
		hash := hashes[i]
		if !seen[hash] {
			c.New = append(c.New, Item{Hash: hash, Kind: KindNew, Row: row})
			continue
		}

		item := Item{Hash: hash, Kind: KindUnchanged, Row: row}
		if t.local != nil && t.wantsDiff() {
			if prev, ok := t.local.LastKnown(hash); ok {
				item.Changes = Diff(prev, row, t.policy.IdentityFields, now)
			}
		}
		if len(item.Changes) > 0 {
			switch {
			case t.policy.UpdateExisting:
				item.Kind = KindUpdated
			case t.policy.FoldMinorUpdates && onlyFillsFields(item.Changes, t.policy.MinorUpdateFields):
				item.Kind = KindUpdated
			}
		}
		if item.Kind == KindUpdated {
			c.Updated = append(c.Updated, item)
		} else {
			c.Unchanged = append(c.Unchanged, item)
		}
	}
	return c, nil
}

func (t *Tracker) lookup(ctx context.Context, hashes []string) (map[string]bool, error) {
	if b, ok := t.seen.(seenBatcher); ok {
		seen, err := b.SeenMany(ctx, hashes)
		if err != nil {
			return nil, fmt.Errorf("check seen: %w", err)
		}
		return seen, nil
	}
	seen := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		ok, err := t.seen.WasSeen(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("check seen %s: %w", hash, err)
		}
		seen[hash] = ok
	}
	return seen, nil
}

func (t *Tracker) wantsDiff() bool {
	return t.policy.TrackChanges || t.policy.UpdateExisting || t.policy.FoldMinorUpdates
}

// Commit marks every classified hash seen and, for local state, records the
// last known rows and change history before saving the snapshot. Call it only
// after the output rows were delivered.
func (t *Tracker) Commit(ctx context.Context, c *Classification) error {
	if !t.policy.Enabled {
		return nil
	}
	items := c.all()
	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	if err := t.seen.MarkSeen(ctx, hashes); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if t.local == nil {
		return nil
	}

	for _, it := range items {
		var history []entity.ChangeRecord
		if t.policy.TrackChanges {
			history = it.Changes
		}
		t.local.Record(it.Hash, it.Row, history)
	}
	if err := t.local.Save(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

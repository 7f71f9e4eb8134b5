package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
)

// LocalState is incremental state held in a snapshot persisted between runs.
// It implements repository.SeenRepository.
type LocalState struct {
	mu   sync.Mutex
	snap *entity.Snapshot
	repo repository.SnapshotRepository
	now  func() time.Time
}

// LoadLocalState reads the snapshot for prefix from repo.
func LoadLocalState(ctx context.Context, repo repository.SnapshotRepository, prefix string) (*LocalState, error) {
	snap, err := repo.Load(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", prefix, err)
	}
	if snap.Items == nil {
		snap.Items = make(map[string]*entity.ItemState)
	}
	snap.Prefix = prefix
	return &LocalState{snap: snap, repo: repo, now: time.Now}, nil
}

func (s *LocalState) WasSeen(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snap.Items[hash]
	return ok, nil
}

func (s *LocalState) MarkSeen(_ context.Context, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, h := range hashes {
		item, ok := s.snap.Items[h]
		if !ok {
			item = &entity.ItemState{FirstSeen: now}
			s.snap.Items[h] = item
		}
		item.LastSeen = now
	}
	s.snap.Meta = entity.StateMeta{LastUpdate: now, TotalItems: int64(len(s.snap.Items))}
	return nil
}

func (s *LocalState) Meta(context.Context) (entity.StateMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Meta, nil
}

// LastKnown returns the row last recorded for hash.
func (s *LocalState) LastKnown(hash string) (*entity.ExtractedRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.snap.Items[hash]
	if !ok || item.Row == nil {
		return nil, false
	}
	return item.Row, true
}

// History returns the change records kept for hash.
func (s *LocalState) History(hash string) []entity.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.snap.Items[hash]; ok {
		return append([]entity.ChangeRecord(nil), item.History...)
	}
	return nil
}

// Record merges row over the last known value of hash and appends changes to
// its history. Fields missing from row keep their previous value.
func (s *LocalState) Record(hash string, row *entity.ExtractedRow, changes []entity.ChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.snap.Items[hash]
	if !ok {
		now := s.now().UTC()
		item = &entity.ItemState{FirstSeen: now, LastSeen: now}
		s.snap.Items[hash] = item
	}
	if item.Row == nil {
		item.Row = row.Clone()
	} else {
		merged := item.Row.Clone()
		merged.Merge(row)
		item.Row = merged
	}
	item.History = append(item.History, changes...)
}

// Save persists the snapshot.
func (s *LocalState) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Save(ctx, s.snap)
}

package repository

import (
	"context"

	"github.com/user/event-pipeline/internal/entity"
)

// EventStoreRepository is the downstream persistence used by the consumer.
type EventStoreRepository interface {
	ListVenues(ctx context.Context) ([]entity.NamedEntity, error)
	ListCategories(ctx context.Context) ([]entity.NamedEntity, error)
	// UpsertVenue returns the id of the venue named name, creating it if absent.
	UpsertVenue(ctx context.Context, name string) (int64, error)
	UpsertCategory(ctx context.Context, name string) (int64, error)
	// BulkUpsertEvents writes events keyed by external id. Re-applying an
	// identical event is a no-op change.
	BulkUpsertEvents(ctx context.Context, events []entity.StoredEvent) (int64, error)
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/event-pipeline/internal/entity"
)

const upsertEventQuery = `
	INSERT INTO events (external_id, title, description, category_id, venue_id, starts_at, ends_at, price_from, source_url)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (external_id) DO UPDATE SET
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		category_id = COALESCE(EXCLUDED.category_id, events.category_id),
		venue_id = COALESCE(EXCLUDED.venue_id, events.venue_id),
		starts_at = EXCLUDED.starts_at,
		ends_at = EXCLUDED.ends_at,
		price_from = EXCLUDED.price_from,
		source_url = EXCLUDED.source_url,
		updated_at = now()
	WHERE (events.title, events.description, events.category_id, events.venue_id,
	       events.starts_at, events.ends_at, events.price_from, events.source_url)
	      IS DISTINCT FROM
	      (EXCLUDED.title, EXCLUDED.description, COALESCE(EXCLUDED.category_id, events.category_id),
	       COALESCE(EXCLUDED.venue_id, events.venue_id), EXCLUDED.starts_at, EXCLUDED.ends_at,
	       EXCLUDED.price_from, EXCLUDED.source_url);
`

// EventStoreRepoImpl is the downstream event store on PostgreSQL.
type EventStoreRepoImpl struct {
	db *pgxpool.Pool
}

// NewEventStoreRepo creates a new instance of EventStoreRepoImpl.
func NewEventStoreRepo(db *pgxpool.Pool) *EventStoreRepoImpl {
	return &EventStoreRepoImpl{db: db}
}

func (r *EventStoreRepoImpl) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *EventStoreRepoImpl) ListVenues(ctx context.Context) ([]entity.NamedEntity, error) {
	return r.listNamed(ctx, `SELECT id, name FROM venues ORDER BY id`)
}

func (r *EventStoreRepoImpl) ListCategories(ctx context.Context) ([]entity.NamedEntity, error) {
	return r.listNamed(ctx, `SELECT id, name FROM categories ORDER BY id`)
}

func (r *EventStoreRepoImpl) listNamed(ctx context.Context, query string) ([]entity.NamedEntity, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.NamedEntity, error) {
		var e entity.NamedEntity
		err := row.Scan(&e.ID, &e.Name)
		return e, err
	})
}

// UpsertVenue returns the id of the venue, creating it if absent. The no-op
// update makes RETURNING yield the existing row on conflict.
func (r *EventStoreRepoImpl) UpsertVenue(ctx context.Context, name string) (int64, error) {
	return r.upsertNamed(ctx, `
		INSERT INTO venues (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id;
	`, name)
}

func (r *EventStoreRepoImpl) UpsertCategory(ctx context.Context, name string) (int64, error) {
	return r.upsertNamed(ctx, `
		INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id;
	`, name)
}

func (r *EventStoreRepoImpl) upsertNamed(ctx context.Context, query, name string) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, query, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// BulkUpsertEvents writes all events in one transaction and returns the
// number of rows inserted or actually changed.
func (r *EventStoreRepoImpl) BulkUpsertEvents(ctx context.Context, events []entity.StoredEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(upsertEventQuery,
			ev.ExternalID,
			ev.Title,
			ev.Description,
			ev.CategoryID,
			ev.VenueID,
			ev.StartsAt,
			ev.EndsAt,
			ev.PriceFrom,
			ev.SourceURL,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var affected int64
	for _, ev := range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("upsert event %s: %w", ev.ExternalID, err)
		}
		affected += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return affected, nil
}

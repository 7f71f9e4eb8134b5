package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/event-pipeline/internal/entity"
)

const (
	fieldLastUpdate = "lastUpdate"
	fieldTotalItems = "totalItems"
)

// SeenRepoImpl keeps the identity hashes of one state prefix in a Redis set,
// with aggregate metadata in a hash next to it.
type SeenRepoImpl struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewSeenRepo creates a seen set under {prefix}:hashes and {prefix}:meta.
func NewSeenRepo(client *redis.Client, prefix string) *SeenRepoImpl {
	return &SeenRepoImpl{client: client, prefix: prefix, now: time.Now}
}

func (r *SeenRepoImpl) hashesKey() string { return r.prefix + ":hashes" }
func (r *SeenRepoImpl) metaKey() string   { return r.prefix + ":meta" }

// WasSeen checks a single hash with SISMEMBER.
func (r *SeenRepoImpl) WasSeen(ctx context.Context, hash string) (bool, error) {
	return r.client.SIsMember(ctx, r.hashesKey(), hash).Result()
}

// SeenMany checks all hashes in one SMISMEMBER round trip.
func (r *SeenRepoImpl) SeenMany(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	found, err := r.client.SMIsMember(ctx, r.hashesKey(), members(hashes)...).Result()
	if err != nil {
		return nil, err
	}
	for i, h := range hashes {
		out[h] = found[i]
	}
	return out, nil
}

// MarkSeen adds hashes to the set and refreshes the metadata.
func (r *SeenRepoImpl) MarkSeen(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.hashesKey(), members(hashes)...)
		card = pipe.SCard(ctx, r.hashesKey())
		return nil
	})
	if err != nil {
		return err
	}
	// Single writer per prefix, so the count read in the transaction is current.
	return r.client.HSet(ctx, r.metaKey(), metaValues(r.now(), card.Val())).Err()
}

func (r *SeenRepoImpl) Meta(ctx context.Context) (entity.StateMeta, error) {
	raw, err := r.client.HGetAll(ctx, r.metaKey()).Result()
	if err != nil {
		return entity.StateMeta{}, err
	}
	return parseMeta(raw), nil
}

func members(hashes []string) []interface{} {
	out := make([]interface{}, len(hashes))
	for i, h := range hashes {
		out[i] = h
	}
	return out
}

func metaValues(now time.Time, total int64) map[string]interface{} {
	return map[string]interface{}{
		fieldLastUpdate: now.UTC().Format(time.RFC3339),
		fieldTotalItems: total,
	}
}

// parseMeta tolerates missing or malformed fields, which read as zero.
func parseMeta(raw map[string]string) entity.StateMeta {
	var meta entity.StateMeta
	if v, ok := raw[fieldLastUpdate]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			meta.LastUpdate = t
		}
	}
	if v, ok := raw[fieldTotalItems]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.TotalItems = n
		}
	}
	return meta
}

package consumer

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/metrics"
)

// minFuzzyLen keeps short keys like "клуб" from matching half the catalogue.
const minFuzzyLen = 5

var translit = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "h", 'ґ': "g", 'д': "d", 'е': "e", 'є': "ie",
	'ж': "zh", 'з': "z", 'и': "y", 'і': "i", 'ї': "i", 'й': "i", 'к': "k", 'л': "l",
	'м': "m", 'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "kh", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "shch", 'ь': "", 'ю': "iu",
	'я': "ia", 'ё': "e", 'ы': "y", 'э': "e", 'ъ': "", '\'': "", '’': "", 'ʼ': "",
}

// FoldName reduces a venue or category name to a comparison key: lower case,
// no diacritics, Cyrillic transliterated, punctuation dropped.
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, strings.ToLower(name))
	if err != nil {
		s = strings.ToLower(name)
	}

	var b strings.Builder
	for _, r := range s {
		if lat, ok := translit[r]; ok {
			b.WriteString(lat)
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

type entry struct {
	key string
	id  int64
}

type index struct {
	loaded  bool
	exact   map[string]int64
	entries []entry
}

func (ix *index) add(name string, id int64) {
	key := FoldName(name)
	if key == "" {
		return
	}
	if _, ok := ix.exact[key]; !ok {
		ix.entries = append(ix.entries, entry{key: key, id: id})
	}
	ix.exact[key] = id
}

// fuzzy returns the entry whose key contains key or is contained in it,
// preferring the closest length.
func (ix *index) fuzzy(key string) (int64, bool) {
	if len(key) < minFuzzyLen {
		return 0, false
	}
	best, bestDiff := int64(0), -1
	for _, e := range ix.entries {
		if len(e.key) < minFuzzyLen {
			continue
		}
		if !strings.Contains(e.key, key) && !strings.Contains(key, e.key) {
			continue
		}
		diff := len(e.key) - len(key)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = e.id, diff
		}
	}
	return best, bestDiff >= 0
}

type kind struct {
	label  string
	list   func(ctx context.Context) ([]entity.NamedEntity, error)
	upsert func(ctx context.Context, name string) (int64, error)
}

// Resolver maps free-text venue and category names to store ids. Known names
// are cached per process; unknown names are created in the store.
type Resolver struct {
	logger *zap.Logger

	mu      sync.Mutex
	kinds   map[string]kind
	indexes map[string]*index
}

func NewResolver(store repository.EventStoreRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		logger: logger,
		kinds: map[string]kind{
			"venue":    {label: "venue", list: store.ListVenues, upsert: store.UpsertVenue},
			"category": {label: "category", list: store.ListCategories, upsert: store.UpsertCategory},
		},
		indexes: map[string]*index{
			"venue":    {exact: map[string]int64{}},
			"category": {exact: map[string]int64{}},
		},
	}
}

// Venue returns the id for name, or nil when it cannot be resolved.
func (r *Resolver) Venue(ctx context.Context, name string) *int64 {
	return r.resolve(ctx, "venue", name)
}

// Category returns the id for name, or nil when it cannot be resolved.
func (r *Resolver) Category(ctx context.Context, name string) *int64 {
	return r.resolve(ctx, "category", name)
}

func (r *Resolver) resolve(ctx context.Context, which, name string) *int64 {
	key := FoldName(name)
	if key == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k, ix := r.kinds[which], r.indexes[which]
	if !ix.loaded {
		r.load(ctx, k, ix)
	}

	if id, ok := ix.exact[key]; ok {
		metrics.EntityResolutionsTotal.WithLabelValues(k.label, "exact").Inc()
		return &id
	}
	if id, ok := ix.fuzzy(key); ok {
		metrics.EntityResolutionsTotal.WithLabelValues(k.label, "fuzzy").Inc()
		return &id
	}

	id, err := k.upsert(ctx, strings.TrimSpace(name))
	if err != nil {
		metrics.EntityResolutionsTotal.WithLabelValues(k.label, "failed").Inc()
		r.logger.Warn("entity upsert failed", zap.String("entity", k.label), zap.String("name", name), zap.Error(err))
		return nil
	}
	ix.add(name, id)
	metrics.EntityResolutionsTotal.WithLabelValues(k.label, "upsert").Inc()
	return &id
}

func (r *Resolver) load(ctx context.Context, k kind, ix *index) {
	known, err := k.list(ctx)
	if err != nil {
		// Retried on the next lookup.
		r.logger.Warn("load entities failed", zap.String("entity", k.label), zap.Error(err))
		return
	}
	for _, e := range known {
		ix.add(e.Name, e.ID)
	}
	ix.loaded = true
	r.logger.Debug("entities loaded", zap.String("entity", k.label), zap.Int("count", len(known)))
}

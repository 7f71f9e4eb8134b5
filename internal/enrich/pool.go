// Package enrich fetches detail pages for extracted rows and merges their fields.
package enrich

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/extractor"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/metrics"
	"github.com/user/event-pipeline/pkg/utils"
)

// MaxWorkers caps the configured concurrency.
const MaxWorkers = 10

// Pool enriches rows with fields from their detail pages. Enrichment is best
// effort: a failed fetch leaves the row without the detail fields.
type Pool struct {
	fetcher repository.DetailFetcher
	policy  entity.DetailPolicy
	baseURL string
	logger  *zap.Logger
}

func NewPool(fetcher repository.DetailFetcher, policy entity.DetailPolicy, baseURL string, logger *zap.Logger) *Pool {
	return &Pool{
		fetcher: fetcher,
		policy:  policy,
		baseURL: baseURL,
		logger:  logger,
	}
}

// Workers returns the effective worker count for n items.
func (p *Pool) Workers(n int) int {
	w := p.policy.Concurrency
	if w < 1 {
		w = 1
	}
	if w > MaxWorkers {
		w = MaxWorkers
	}
	if w > n {
		w = n
	}
	return w
}

// Enrich merges detail fields into rows in place and returns how many rows
// were enriched. Click-to-open references use the row index.
func (p *Pool) Enrich(ctx context.Context, rows []*entity.ExtractedRow) int {
	return p.EnrichAt(ctx, rows, nil)
}

// EnrichAt is Enrich with the listing position of every row, which click-to-open
// references use to find the row's trigger element.
func (p *Pool) EnrichAt(ctx context.Context, rows []*entity.ExtractedRow, positions []int) int {
	if !p.policy.Enabled() || len(rows) == 0 {
		return 0
	}

	var (
		next     atomic.Int64
		enriched atomic.Int64
		wg       sync.WaitGroup
	)
	workers := p.Workers(len(rows))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(rows) || ctx.Err() != nil {
					return
				}
				pos := i
				if i < len(positions) {
					pos = positions[i]
				}
				if p.enrichOne(ctx, pos, rows[i]) {
					enriched.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	p.logger.Info("detail enrichment finished",
		zap.Int("rows", len(rows)),
		zap.Int64("enriched", enriched.Load()),
		zap.Int("workers", workers),
	)
	return int(enriched.Load())
}

func (p *Pool) enrichOne(ctx context.Context, index int, row *entity.ExtractedRow) bool {
	ref, ok := p.refFor(index, row)
	if !ok {
		return false
	}

	itemCtx := ctx
	if p.policy.Timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, p.policy.Timeout)
		defer cancel()
	}

	html, err := p.fetcher.FetchDetail(itemCtx, ref)
	if err != nil {
		metrics.DetailFetchesTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("detail fetch failed", zap.Int("index", index), zap.String("url", ref.URL), zap.Error(err))
		return false
	}
	detail, err := extractor.ExtractRow(html, p.policy.Selectors)
	if err != nil {
		metrics.DetailFetchesTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("detail extraction failed", zap.Int("index", index), zap.String("url", ref.URL), zap.Error(err))
		return false
	}

	row.Merge(detail)
	metrics.DetailFetchesTotal.WithLabelValues("ok").Inc()
	return true
}

func (p *Pool) refFor(index int, row *entity.ExtractedRow) (entity.DetailRef, bool) {
	if p.policy.URLField != "" {
		raw, ok := row.Get(p.policy.URLField)
		if !ok || raw == "" {
			return entity.DetailRef{}, false
		}
		abs, err := utils.ResolveURL(p.baseURL, raw)
		if err != nil {
			p.logger.Debug("invalid detail url", zap.String("url", raw), zap.Error(err))
			return entity.DetailRef{}, false
		}
		return entity.DetailRef{URL: abs, ListURL: p.baseURL}, true
	}
	if p.policy.ClickSelector != "" {
		return entity.DetailRef{ListURL: p.baseURL, Selector: p.policy.ClickSelector, Index: index}, true
	}
	return entity.DetailRef{}, false
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/dedup"
	"github.com/user/event-pipeline/internal/enrich"
	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/normalize"
	"github.com/user/event-pipeline/internal/pagination"
	"github.com/user/event-pipeline/internal/proxy"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/config"
	"github.com/user/event-pipeline/pkg/metrics"
)

const notifyTimeout = 15 * time.Second

// Crawler runs one configured source end to end.
type Crawler interface {
	Run(ctx context.Context) (entity.RunReport, error)
}

// EventPublisher delivers normalized messages to the queue.
type EventPublisher interface {
	PublishMany(ctx context.Context, msgs []entity.OutboundEventMessage) error
}

type crawlerUseCase struct {
	source     *config.Source
	browser    repository.CrawlerRepository
	tracker    *dedup.Tracker
	normalizer *normalize.Normalizer
	publisher  EventPublisher
	proxies    *proxy.Manager
	logger     *zap.Logger

	notifier   repository.NotifierRepository
	results    repository.ResultRepository
	dryRun     bool
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	pagination []pagination.Option

	notes sync.WaitGroup
}

type Option func(*crawlerUseCase)

// WithNotifier reports run status to operators.
func WithNotifier(n repository.NotifierRepository) Option {
	return func(uc *crawlerUseCase) { uc.notifier = n }
}

// WithResults writes the published rows after each run.
func WithResults(r repository.ResultRepository) Option {
	return func(uc *crawlerUseCase) { uc.results = r }
}

// WithDryRun runs everything except publishing and the state commit.
func WithDryRun(dry bool) Option {
	return func(uc *crawlerUseCase) { uc.dryRun = dry }
}

// WithSleep replaces the backoff delay, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(uc *crawlerUseCase) { uc.sleep = fn }
}

// WithPaginationOptions is passed to every pagination engine the run creates.
func WithPaginationOptions(opts ...pagination.Option) Option {
	return func(uc *crawlerUseCase) { uc.pagination = append(uc.pagination, opts...) }
}

// NewCrawlerUseCase creates the crawl use case for one source.
func NewCrawlerUseCase(
	source *config.Source,
	browser repository.CrawlerRepository,
	tracker *dedup.Tracker,
	normalizer *normalize.Normalizer,
	publisher EventPublisher,
	proxies *proxy.Manager,
	logger *zap.Logger,
	opts ...Option,
) Crawler {
	uc := &crawlerUseCase{
		source:     source,
		browser:    browser,
		tracker:    tracker,
		normalizer: normalizer,
		publisher:  publisher,
		proxies:    proxies,
		logger:     logger,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Run scrapes the source with the run-level retry loop, then classifies,
// normalizes and publishes the rows. The state is committed only after the
// publish succeeded.
func (uc *crawlerUseCase) Run(ctx context.Context) (entity.RunReport, error) {
	defer uc.notes.Wait()

	report := entity.RunReport{
		RunID:     uuid.NewString(),
		Source:    uc.source.Name,
		StartedAt: uc.now().UTC(),
	}
	log := uc.logger.With(zap.String("source", uc.source.Name), zap.String("run_id", report.RunID))
	log.Info("crawl started", zap.String("url", uc.source.URL), zap.Bool("dry_run", uc.dryRun))
	uc.notify(repository.NotifyInfo, fmt.Sprintf("Crawl of %s started", uc.source.Name))

	rows, err := uc.scrapeWithRetry(ctx, &report, log)
	if err != nil {
		return uc.fail(report, log, err)
	}
	report.Extracted = len(rows)
	uc.notify(repository.NotifyProgress, fmt.Sprintf("%s: extracted %d rows", uc.source.Name, len(rows)))

	if err := uc.deliver(ctx, rows, &report, log); err != nil {
		return uc.fail(report, log, err)
	}

	report.Status = entity.RunStatusSucceeded
	report.FinishedAt = uc.now().UTC()
	log.Info("crawl finished",
		zap.Int("attempts", report.Attempts),
		zap.Int("extracted", report.Extracted),
		zap.Int("new", report.New),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("published", report.Published),
	)
	uc.notify(repository.NotifySuccess, fmt.Sprintf("%s: %d new, %d updated, %d published",
		uc.source.Name, report.New, report.Updated, report.Published))
	return report, nil
}

func (uc *crawlerUseCase) fail(report entity.RunReport, log *zap.Logger, err error) (entity.RunReport, error) {
	report.Status = entity.RunStatusFailed
	report.FinishedAt = uc.now().UTC()
	log.Error("crawl failed", zap.Int("attempts", report.Attempts), zap.Error(err))
	uc.notify(repository.NotifyCritical, fmt.Sprintf("%s failed: %v", uc.source.Name, err))
	return report, err
}

// scrapeWithRetry makes up to retry.attempts attempts with linear backoff,
// rotating the identity before each one.
func (uc *crawlerUseCase) scrapeWithRetry(ctx context.Context, report *entity.RunReport, log *zap.Logger) ([]*entity.ExtractedRow, error) {
	attempts := uc.source.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * uc.source.Retry.Delay
			log.Info("retrying crawl", zap.Int("attempt", attempt), zap.Duration("backoff", delay))
			if err := uc.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		report.Attempts = attempt

		identity := uc.proxies.Rotate()
		startTime := time.Now()
		rows, enriched, err := uc.scrape(ctx, identity, log)
		metrics.CrawlDuration.WithLabelValues(uc.source.Name).Observe(time.Since(startTime).Seconds())

		if err == nil {
			if identity.Proxy != nil {
				uc.proxies.MarkSucceeded(*identity.Proxy)
			}
			metrics.CrawlRunsTotal.WithLabelValues("success", "").Inc()
			report.Enriched = enriched
			return rows, nil
		}

		lastErr = err
		metrics.CrawlRunsTotal.WithLabelValues("failure", errorType(err)).Inc()
		log.Warn("crawl attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.String("proxy", identityLabel(identity)),
			zap.Error(err),
		)

		var navErr *repository.NavigationError
		isNav := errors.As(err, &navErr)
		if identity.Proxy != nil && isNav && navErr.ProxyRelated() {
			uc.proxies.MarkFailed(*identity.Proxy)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNav && !navErr.Retryable() {
			log.Warn("navigation failure is not retryable", zap.Int("status", navErr.Status))
			break
		}
		if attempt < attempts {
			uc.notify(repository.NotifyProgress, fmt.Sprintf("%s: attempt %d/%d failed: %v", uc.source.Name, attempt, attempts, err))
		}
	}
	return nil, fmt.Errorf("crawl %s: %d attempt(s) failed: %w", uc.source.Name, report.Attempts, lastErr)
}

// scrape runs one attempt: navigation, pagination interleaved with
// extraction, then detail enrichment, all in one browser session.
func (uc *crawlerUseCase) scrape(ctx context.Context, identity entity.Identity, log *zap.Logger) ([]*entity.ExtractedRow, int, error) {
	session, err := uc.browser.Open(ctx, identity)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("close browser session", zap.Error(err))
		}
	}()

	page, err := session.Navigate(ctx, uc.source.URL)
	if err != nil {
		return nil, 0, err
	}
	if uc.source.WaitSelector != "" {
		if err := page.WaitVisible(ctx, uc.source.WaitSelector); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", repository.ErrExtractionFailed, err)
		}
	}

	col := newCollector(uc.source.Selectors, uc.source.MaxItems)
	engine := pagination.New(uc.source.Pagination, log, uc.pagination...)
	if _, err := engine.Run(ctx, page, func(ctx context.Context, step int) bool {
		return col.stop(ctx, page, step)
	}); err != nil {
		return nil, 0, err
	}
	if col.err != nil {
		return nil, 0, col.err
	}
	if err := col.collect(ctx, page); err != nil {
		return nil, 0, err
	}

	rows, positions := col.result()
	metrics.RowsExtractedTotal.WithLabelValues(uc.source.Name).Add(float64(len(rows)))
	log.Info("rows extracted", zap.Int("rows", len(rows)))

	pool := enrich.NewPool(session, uc.source.Detail, uc.source.URL, log)
	enriched := pool.EnrichAt(ctx, rows, positions)
	return rows, enriched, nil
}

// deliver classifies rows, publishes the new and updated ones and commits the
// incremental state.
func (uc *crawlerUseCase) deliver(ctx context.Context, rows []*entity.ExtractedRow, report *entity.RunReport, log *zap.Logger) error {
	class, err := uc.tracker.Classify(ctx, rows)
	if err != nil {
		return fmt.Errorf("classify rows: %w", err)
	}
	report.New = len(class.New)
	report.Updated = len(class.Updated)
	report.Unchanged = len(class.Unchanged)
	metrics.RowsClassifiedTotal.WithLabelValues(uc.source.Name, string(dedup.KindNew)).Add(float64(report.New))
	metrics.RowsClassifiedTotal.WithLabelValues(uc.source.Name, string(dedup.KindUpdated)).Add(float64(report.Updated))
	metrics.RowsClassifiedTotal.WithLabelValues(uc.source.Name, string(dedup.KindUnchanged)).Add(float64(report.Unchanged))

	items := class.Output()
	msgs := make([]entity.OutboundEventMessage, 0, len(items))
	published := make([]repository.ResultRow, 0, len(items))
	for _, it := range items {
		msg, err := uc.normalizer.ToMessage(it.Hash, it.Row)
		if err != nil {
			report.Skipped++
			log.Debug("row skipped", zap.String("hash", it.Hash), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
		published = append(published, repository.ResultRow{
			Hash:    it.Hash,
			Kind:    string(it.Kind),
			Row:     it.Row,
			Changes: it.Changes,
		})
	}

	if uc.dryRun {
		log.Info("dry run, nothing published", zap.Int("messages", len(msgs)))
	} else {
		if len(msgs) > 0 {
			if err := uc.publisher.PublishMany(ctx, msgs); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
		report.Published = len(msgs)
		if err := uc.tracker.Commit(ctx, class); err != nil {
			return fmt.Errorf("commit incremental state: %w", err)
		}
	}

	if uc.results != nil {
		snapshot := *report
		snapshot.FinishedAt = uc.now().UTC()
		if err := uc.results.WriteResult(ctx, snapshot, published); err != nil {
			log.Warn("failed to write result file", zap.Error(err))
		}
	}
	return nil
}

// notify sends text without blocking the run. Failures are only logged.
func (uc *crawlerUseCase) notify(level repository.NotifyLevel, text string) {
	if uc.notifier == nil {
		return
	}
	uc.notes.Add(1)
	go func() {
		defer uc.notes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := uc.notifier.Notify(ctx, level, text); err != nil {
			uc.logger.Warn("notification failed", zap.String("level", string(level)), zap.Error(err))
		}
	}()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, repository.ErrCrawlTimeout):
		return "timeout"
	case errors.Is(err, repository.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, repository.ErrContentRestricted):
		return "restricted"
	case errors.Is(err, repository.ErrProxyFailed):
		return "proxy"
	case errors.Is(err, repository.ErrExtractionFailed):
		return "extraction"
	case errors.Is(err, repository.ErrNavigationFailed):
		return "navigation"
	default:
		return "unknown"
	}
}

func identityLabel(id entity.Identity) string {
	if id.Proxy == nil {
		return "direct"
	}
	return id.Proxy.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/adapter/chromedp_crawler"
	"github.com/user/event-pipeline/internal/adapter/file"
	"github.com/user/event-pipeline/internal/adapter/rabbitmq"
	redis_adapter "github.com/user/event-pipeline/internal/adapter/redis"
	"github.com/user/event-pipeline/internal/adapter/webhook"
	"github.com/user/event-pipeline/internal/dedup"
	"github.com/user/event-pipeline/internal/normalize"
	"github.com/user/event-pipeline/internal/proxy"
	"github.com/user/event-pipeline/internal/publisher"
	"github.com/user/event-pipeline/internal/usecase"
	"github.com/user/event-pipeline/pkg/config"
)

func newCrawlCommand(a *app) *cobra.Command {
	var (
		sourcePath string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Scrape one source and publish its new and changed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := config.LoadSource(sourcePath)
			if err != nil {
				return err
			}
			return a.crawl(cmd.Context(), src, dryRun)
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", "", "source configuration file (YAML)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scrape and classify without publishing or saving state")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func (a *app) crawl(ctx context.Context, src *config.Source, dryRun bool) error {
	log := a.logger.With(zap.String("source", src.Name))

	tracker, closeState, err := a.tracker(ctx, src, log)
	if err != nil {
		return err
	}
	defer closeState()

	dates, err := normalize.NewSourceDateParser()
	if err != nil {
		return err
	}
	normalizer := normalize.NewNormalizer(src.Mapping, src.URL, src.DescriptionFormat, dates)

	endpoints, err := proxy.ParseEndpoints(src.Proxies)
	if err != nil {
		return err
	}
	proxies := proxy.NewManager(endpoints, src.UserAgents, proxy.Strategy(src.Rotation), log)

	pub := publisher.New(rabbitmq.NewDialer(a.cfg.AMQPURL, a.cfg.AMQPQueue, log), publisher.Config{
		Queue:             a.cfg.AMQPQueue,
		BatchSize:         a.cfg.PublishBatchSize,
		FlushInterval:     a.cfg.PublishFlushInterval,
		MaxRetries:        a.cfg.PublishMaxRetries,
		RetryDelay:        a.cfg.PublishRetryDelay,
		ConfirmTimeout:    a.cfg.PublishConfirmTimeout,
		ReconnectAttempts: a.cfg.AMQPReconnectAttempts,
	}, log)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("close publisher", zap.Error(err))
		}
	}()

	opts := []usecase.Option{usecase.WithDryRun(dryRun)}
	if a.cfg.NotifyURL != "" {
		opts = append(opts, usecase.WithNotifier(webhook.NewNotifier(a.cfg.NotifyURL, a.cfg.NotifyChatID)))
	}
	if src.Output.Enabled {
		opts = append(opts, usecase.WithResults(file.NewResultRepo(src.Output.Path)))
	}

	browser := chromedp_crawler.NewChromedpCrawler(a.cfg.Headless, a.cfg.PageLoadTimeout, log)
	crawler := usecase.NewCrawlerUseCase(src, browser, tracker, normalizer, pub, proxies, a.logger, opts...)

	report, err := crawler.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: extracted %d, new %d, updated %d, unchanged %d, published %d\n",
		report.RunID, report.Extracted, report.New, report.Updated, report.Unchanged, report.Published)
	return nil
}

// tracker picks the incremental state store: the shared Redis set when
// REDIS_ADDR is set, otherwise a local snapshot under STATE_DIR.
func (a *app) tracker(ctx context.Context, src *config.Source, log *zap.Logger) (*dedup.Tracker, func(), error) {
	if a.cfg.RedisAddr == "" {
		state, err := dedup.LoadLocalState(ctx, file.NewSnapshotRepo(a.cfg.StateDir), src.Incremental.StatePrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using local incremental state", zap.String("dir", a.cfg.StateDir))
		return dedup.NewLocalTracker(src.Incremental, state, log), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("using remote incremental state", zap.String("redis", a.cfg.RedisAddr))
	seen := redis_adapter.NewSeenRepo(rdb, src.Incremental.StatePrefix)
	return dedup.NewRemoteTracker(src.Incremental, seen, log), func() { rdb.Close() }, nil
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/adapter/postgres"
	"github.com/user/event-pipeline/internal/adapter/rabbitmq"
	"github.com/user/event-pipeline/internal/consumer"
	"github.com/user/event-pipeline/internal/delivery/http/handler"
	"github.com/user/event-pipeline/internal/delivery/http/router"
	"github.com/user/event-pipeline/internal/delivery/http/server"
)

func newConsumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Drain the event queue into PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.consume(cmd.Context())
		},
	}
}

func (a *app) consume(ctx context.Context) error {
	log := a.logger.With(zap.String("queue", a.cfg.AMQPQueue))

	pool, err := pgxpool.New(ctx, a.cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	log.Info("postgres connection pool established")

	store := postgres.NewEventStoreRepo(pool)
	prefetch := a.cfg.ConsumerBatchSize * consumer.OverflowFactor
	source := rabbitmq.NewSource(a.cfg.AMQPURL, a.cfg.AMQPQueue, prefetch, log)
	c := consumer.New(source, store, consumer.Config{
		BatchSize:     a.cfg.ConsumerBatchSize,
		FlushInterval: a.cfg.ConsumerFlushInterval,
	}, log)

	if a.cfg.MetricsAddr != "" {
		h := handler.NewHandler(map[string]handler.Pinger{
			"postgres": store,
			"rabbitmq": source,
		}, log)
		srv := server.New(a.cfg.MetricsAddr, router.New(h, log), log)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http server shutdown", zap.Error(err))
			}
		}()
	}

	return c.Run(ctx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/casesvc/internal/api"
	"github.com/soaringjerry/casesvc/internal/codepool"
	"github.com/soaringjerry/casesvc/internal/db"
	"github.com/soaringjerry/casesvc/internal/generator"
	"github.com/soaringjerry/casesvc/internal/middleware"
	"github.com/soaringjerry/casesvc/internal/services"
	"github.com/soaringjerry/casesvc/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume case events and serve the operations API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	sqlDB, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer closeDatabase(sqlDB)
	store, err := db.NewSQLiteStore(sqlDB)
	if err != nil {
		return err
	}

	genClient, err := generator.NewClient(generator.Config{
		BaseURL: cfg.Generator.BaseURL,
		Secret:  cfg.Generator.Secret,
		Timeout: cfg.GeneratorTimeout(),
	})
	if err != nil {
		return err
	}
	dispenser, err := codepool.New(genClient, codepool.Config{
		MinSize:        cfg.Pool.MinSize,
		MaxSize:        cfg.Pool.MaxSize,
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger.Named("codepool"))
	if err != nil {
		return err
	}

	writer := transport.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.OutboundTopic)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("Failed to close kafka writer", zap.Error(err))
		}
	}()

	svc := services.NewEventService(store, dispenser,
		services.WithEmitter(transport.NewPublisher(writer)),
		services.WithLogger(logger.Named("events")),
		services.WithTranche(cfg.Tranche))

	dead, err := newDeadLetterer(ctx)
	if err != nil {
		return err
	}

	readers := map[string]transport.Decoder{
		cfg.Kafka.SampleTopic:     transport.DecodeSample,
		cfg.Kafka.CaseEventsTopic: transport.DecodeEnvelope,
		cfg.Kafka.ResponseTopic:   transport.DecodeEnvelope,
	}
	var sources []transport.Source
	for topic, decode := range readers {
		r := transport.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, topic)
		defer closeReader(topic, r)
		sources = append(sources, transport.Source{Reader: r, Decode: decode})
	}
	consumer, err := transport.NewConsumer(svc, dead, transport.ConsumerConfig{
		Workers:     cfg.Kafka.Workers,
		MaxAttempts: cfg.Kafka.MaxAttempts,
		Backoff:     cfg.RetryBackoff(),
	}, logger.Named("consumer"), sources...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewRouter(store, dispenser, buildInfo(), logger.Named("api")).
		Register(mux, middleware.RequireOperator([]byte(cfg.HTTP.OperatorSecret)))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           middleware.RequestLogger(logger.Named("http"))(middleware.NoStore(middleware.SecureHeaders(mux))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := dispenser.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("code pool: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := consumer.Run(egCtx); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		logger.Info("casesvc listening", zap.String("addr", cfg.HTTP.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	logger.Info("casesvc stopped", zap.Error(err))
	return err
}

func newDeadLetterer(ctx context.Context) (transport.DeadLetterer, error) {
	if cfg.DeadLetter.Bucket == "" {
		logger.Warn("No dead letter bucket configured; unprocessable messages will only be logged")
		return transport.LogDeadLetter{Logger: logger.Named("deadletter")}, nil
	}
	s3Client, sqsClient, err := transport.NewAWSClients(ctx)
	if err != nil {
		return nil, err
	}
	queueURL, err := transport.QueueURL(ctx, sqsClient, cfg.DeadLetter.Queue)
	if err != nil {
		return nil, err
	}
	logger.Info("Dead letters go to S3", zap.String("bucket", cfg.DeadLetter.Bucket), zap.String("queue_url", queueURL))
	return transport.NewS3DeadLetter(s3Client, sqsClient, cfg.DeadLetter.Bucket, queueURL, logger.Named("deadletter")), nil
}

func closeReader(topic string, r *kafka.Reader) {
	if err := r.Close(); err != nil {
		logger.Warn("Failed to close kafka reader", zap.String("topic", topic), zap.Error(err))
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/casesvc/internal/models"
	"github.com/soaringjerry/casesvc/internal/services"
)

// Handler applies one decoded event. *services.EventService satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev *models.Event) error
}

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Source pairs a reader with the decoder for its topic.
type Source struct {
	Reader MessageReader
	Decode Decoder
}

// NewKafkaReader builds a consumer-group reader. Offsets are committed
// explicitly after each message is handled.
func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

type ConsumerConfig struct {
	Workers     int
	MaxAttempts int           // handler attempts before a retryable failure is dead-lettered
	Backoff     time.Duration // first retry delay, doubled per attempt
	QueueDepth  int           // per-worker buffer
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	return c
}

type delivery struct {
	msg kafka.Message
	src *Source
}

// Consumer feeds messages from every source to a fixed set of workers.
// Messages from one partition always go to the same worker, so they are
// handled in order.
type Consumer struct {
	sources []*Source
	handler Handler
	dead    DeadLetterer
	cfg     ConsumerConfig
	logger  *zap.Logger
}

func NewConsumer(handler Handler, dead DeadLetterer, cfg ConsumerConfig, logger *zap.Logger, sources ...Source) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("transport: nil handler")
	}
	if len(sources) == 0 {
		return nil, errors.New("transport: no sources")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dead == nil {
		dead = LogDeadLetter{Logger: logger}
	}
	c := &Consumer{handler: handler, dead: dead, cfg: cfg.withDefaults(), logger: logger}
	for i := range sources {
		if sources[i].Reader == nil || sources[i].Decode == nil {
			return nil, fmt.Errorf("transport: source %d incomplete", i)
		}
		c.sources = append(c.sources, &sources[i])
	}
	return c, nil
}

// Run consumes until ctx is cancelled or a reader, commit or dead-letter
// call fails. Cancellation is not reported as an error.
func (c *Consumer) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	queues := make([]chan delivery, c.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan delivery, c.cfg.QueueDepth)
	}

	var fetchers sync.WaitGroup
	for _, src := range c.sources {
		src := src
		fetchers.Add(1)
		eg.Go(func() error {
			defer fetchers.Done()
			return c.fetch(egCtx, src, queues)
		})
	}
	eg.Go(func() error {
		fetchers.Wait()
		for _, q := range queues {
			close(q)
		}
		return nil
	})
	for _, q := range queues {
		q := q
		eg.Go(func() error { return c.work(egCtx, q) })
	}

	err := eg.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) fetch(ctx context.Context, src *Source, queues []chan delivery) error {
	for {
		msg, err := src.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		q := queues[msg.Partition%len(queues)]
		select {
		case q <- delivery{msg: msg, src: src}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) work(ctx context.Context, q <-chan delivery) error {
	for d := range q {
		if ctx.Err() != nil {
			// Drain without committing; the broker redelivers.
			continue
		}
		if err := c.process(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, d delivery) error {
	log := c.logger.With(
		zap.String("topic", d.msg.Topic),
		zap.Int("partition", d.msg.Partition),
		zap.Int64("offset", d.msg.Offset))

	ev, err := d.src.Decode(d.msg)
	if err != nil {
		log.Warn("Could not decode message", zap.Error(err))
		return c.deadLetter(ctx, d, err)
	}

	backoff := c.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err = c.handler.Handle(ctx, ev)
		if err == nil {
			return c.commit(ctx, d)
		}
		if ctx.Err() != nil {
			// Shutting down; leave the offset uncommitted for redelivery.
			return nil
		}
		if !services.IsRetryable(err) || attempt >= c.cfg.MaxAttempts {
			log.Error("Giving up on message",
				zap.String("type", string(ev.Kind)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return c.deadLetter(ctx, d, err)
		}
		log.Warn("Retrying message",
			zap.String("type", string(ev.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d delivery, cause error) error {
	if err := c.dead.DeadLetter(ctx, d.msg, cause); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dead-letter %s/%d@%d: %w", d.msg.Topic, d.msg.Partition, d.msg.Offset, err)
	}
	return c.commit(ctx, d)
}

func (c *Consumer) commit(ctx context.Context, d delivery) error {
	if err := d.src.Reader.CommitMessages(ctx, d.msg); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("commit %s/%d@%d: %w", d.msg.Topic, d.msg.Partition, d.msg.Offset, err)
	}
	return nil
}

// Package codepool keeps a buffer of pre-generated single-use access codes so
// that handing one out never waits on the generator's network round trip.
package codepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted is returned when no code arrived within the acquire
// timeout. Callers should retry later; the generator may be degraded.
var ErrPoolExhausted = errors.New("access code pool exhausted")

// Generator produces a batch of unique codes. A returned error means the
// whole batch failed.
type Generator interface {
	GenerateBatch(ctx context.Context, count int) ([]string, error)
}

type Config struct {
	MinSize        int           // refill when the pool holds this many or fewer
	MaxSize        int           // codes requested per refill
	AcquireTimeout time.Duration // how long Acquire waits for a code
}

func (c Config) Validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("codepool: min size %d must not be negative", c.MinSize)
	}
	if c.MaxSize <= c.MinSize {
		return fmt.Errorf("codepool: max size %d must exceed min size %d", c.MaxSize, c.MinSize)
	}
	if c.AcquireTimeout <= 0 {
		return errors.New("codepool: acquire timeout must be positive")
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int  `json:"size"`
	Refilling bool `json:"refilling"`
	Refills   int  `json:"refills"`
	Failures  int  `json:"failures"`
}

// Dispenser hands out codes from a bounded buffer and asks the generator for
// more, one batch at a time, from a single background worker started by Run.
type Dispenser struct {
	gen    Generator
	cfg    Config
	logger *zap.Logger

	pool    chan string
	trigger chan struct{}

	mu        sync.Mutex
	refilling bool
	refills   int
	failures  int
}

func New(gen Generator, cfg Config, logger *zap.Logger) (*Dispenser, error) {
	if gen == nil {
		return nil, errors.New("codepool: nil generator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispenser{
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		// Refills are only requested at or below MinSize, so the buffer
		// never holds more than MinSize+MaxSize codes.
		pool:    make(chan string, cfg.MinSize+cfg.MaxSize),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Run is the refill worker. It blocks until ctx is done.
func (d *Dispenser) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
			d.refill(ctx)
		}
	}
}

// Acquire returns one code that no other caller will receive. It may start a
// refill and then waits up to the configured timeout for a code.
func (d *Dispenser) Acquire(ctx context.Context) (string, error) {
	d.topUpIfNecessary()

	timer := time.NewTimer(d.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case code := <-d.pool:
		return code, nil
	case <-timer.C:
		d.logger.Error("Waited too long for an access code, is the code generator down?",
			zap.Duration("timeout", d.cfg.AcquireTimeout))
		return "", ErrPoolExhausted
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
	}
}

// topUpIfNecessary decides under the lock whether a refill starts, so racing
// callers launch at most one.
func (d *Dispenser) topUpIfNecessary() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refilling || len(d.pool) > d.cfg.MinSize {
		return
	}
	d.refilling = true
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispenser) refill(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		d.mu.Lock()
		d.refilling = false
		d.refills++
		if err != nil {
			d.failures++
		}
		d.mu.Unlock()
		if err != nil {
			d.logger.Error("Unexpected failure when requesting access codes to top up pool", zap.Error(err))
		}
	}()

	codes, err := d.gen.GenerateBatch(ctx, d.cfg.MaxSize)
	if err != nil {
		return
	}
	for i, code := range codes {
		select {
		case d.pool <- code:
		default:
			err = fmt.Errorf("pool full, dropped %d of %d codes", len(codes)-i, len(codes))
			return
		}
	}
	d.logger.Debug("Access code pool topped up", zap.Int("added", len(codes)), zap.Int("size", len(d.pool)))
}

func (d *Dispenser) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Size:      len(d.pool),
		Refilling: d.refilling,
		Refills:   d.refills,
		Failures:  d.failures,
	}
}

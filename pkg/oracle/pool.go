package oracle

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// RetryConfig defines retry behavior for transient oracle failures.
// A zero MaxRetries takes the default; a negative one disables retries.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase   time.Duration `json:"backoff_base" yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" mapstructure:"backoff_factor"`
}

// PoolConfig bounds the oracle pool.
type PoolConfig struct {
	Concurrency int64         `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	Retry       RetryConfig   `json:"retry" yaml:"retry" mapstructure:"retry"`
}

func (c PoolConfig) WithDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 2
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = 500 * time.Millisecond
	}
	if c.Retry.BackoffFactor < 1 {
		c.Retry.BackoffFactor = 2.0
	}
	return c
}

func (c PoolConfig) retries() int {
	if c.Retry.MaxRetries < 0 {
		return 0
	}
	return c.Retry.MaxRetries
}

func (c PoolConfig) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.Retry.BackoffBase) * math.Pow(c.Retry.BackoffFactor, float64(attempt-1)))
}

var tracer = otel.Tracer("toolsmith/oracle")

// Pool bounds the number of concurrent oracle calls, applies a per call
// timeout and retries transient failures. Once retries are spent the error
// matches ErrUnavailable.
type Pool struct {
	cfg      PoolConfig
	sem      *semaphore.Weighted
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func NewPool(cfg PoolConfig) *Pool {
	cfg = cfg.WithDefaults()
	meter := otel.GetMeterProvider().Meter("toolsmith/oracle")
	calls, err := meter.Int64Counter("toolsmith.oracle.calls",
		metric.WithDescription("Oracle calls by operation and outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("oracle: could not create call counter")
	}
	duration, err := meter.Float64Histogram("toolsmith.oracle.duration",
		metric.WithDescription("Oracle call duration"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn().Err(err).Msg("oracle: could not create duration histogram")
	}
	return &Pool{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		calls:    calls,
		duration: duration,
	}
}

func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Scorer wraps s so that every call goes through the pool.
func (p *Pool) Scorer(s Scorer) Scorer {
	return ScorerFunc(func(ctx context.Context, prefix string, continuation string) ([]float64, error) {
		var ret []float64
		err := p.do(ctx, "score", func(ctx context.Context) error {
			var err error
			ret, err = s.TokenNLL(ctx, prefix, continuation)
			return err
		}, attribute.Int("continuation.length", len(continuation)))
		return ret, err
	})
}

// Judge wraps j so that every call goes through the pool.
func (p *Pool) Judge(j Judge) Judge {
	return JudgeFunc(func(ctx context.Context, dimension Dimension, payload string) (Judgment, error) {
		var ret Judgment
		err := p.do(ctx, "judge", func(ctx context.Context) error {
			var err error
			ret, err = j.Judge(ctx, dimension, payload)
			return err
		}, attribute.String("judgment.dimension", string(dimension)))
		return ret, err
	})
}

func (p *Pool) do(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "oracle."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.retries(); attempt++ {
		if attempt > 0 {
			wait := p.cfg.backoff(attempt)
			log.Debug().Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Err(lastErr).Msg("oracle: retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		p.sem.Release(1)
		p.record(ctx, op, err, time.Since(start))

		if err == nil {
			span.SetAttributes(attribute.Int("oracle.attempts", attempt+1))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut {
			err = errors.Wrapf(ErrTimeout, "%s exceeded %s", op, p.cfg.Timeout)
		}
		if !IsRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		lastErr = err
	}

	log.Warn().Str("op", op).Int("attempts", p.cfg.retries()+1).Err(lastErr).Msg("oracle: giving up")
	err := errors.Wrapf(ErrUnavailable, "%s failed after %d attempts: %v", op, p.cfg.retries()+1, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (p *Pool) record(ctx context.Context, op string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opt := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	if p.calls != nil {
		p.calls.Add(ctx, 1, opt)
	}
	if p.duration != nil {
		p.duration.Record(ctx, d.Seconds(), opt)
	}
}

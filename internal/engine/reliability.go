package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/trustgate/internal/connectors"
	"github.com/xela07ax/trustgate/internal/gate"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	Attempts         uint          `mapstructure:"attempts"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	MaxFailures      uint32        `mapstructure:"max_failures"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 3
	}
	return c
}

// ReliabilityWrapper: rate limiter -> circuit breaker -> retry с учетом Retry-After.
type ReliabilityWrapper struct {
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	// permanent: ошибки, которые не повторяются и не считаются отказом зависимости
	permanent func(error) bool
}

func NewReliabilityWrapper(name string, cfg ReliabilityConfig, metrics *Metrics, permanent func(error) bool) *ReliabilityWrapper {
	cfg = cfg.withDefaults()
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    5 * time.Second,
		Timeout:     cfg.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || permanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &ReliabilityWrapper{
		cfg:       cfg,
		cb:        cb,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		permanent: permanent,
	}
}

// Do выполняет fn под защитой лимитера, предохранителя и повторов.
func (w *ReliabilityWrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !w.permanent(err) }),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Зависимость попросила подождать (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях: стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	return err
}

func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

// ReliableStorage защищает скачивание экспонатов. ErrObjectNotFound не повторяется.
type ReliableStorage struct {
	next connectors.ObjectStore
	w    *ReliabilityWrapper
}

func NewReliableStorage(next connectors.ObjectStore, cfg ReliabilityConfig, metrics *Metrics) *ReliableStorage {
	notFound := func(err error) bool { return errors.Is(err, connectors.ErrObjectNotFound) }
	return &ReliableStorage{next: next, w: NewReliabilityWrapper("exhibit-storage", cfg, metrics, notFound)}
}

func (s *ReliableStorage) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.w.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.next.Download(ctx, key)
		return err
	})
	return data, err
}

func (s *ReliableStorage) Upload(ctx context.Context, key string, data []byte) error {
	return s.w.Do(ctx, func(ctx context.Context) error {
		return s.next.Upload(ctx, key, data)
	})
}

// ReliableChecker защищает семантическую проверку через внешнюю модель.
type ReliableChecker struct {
	next gate.SupportChecker
	w    *ReliabilityWrapper
}

func NewReliableChecker(next gate.SupportChecker, cfg ReliabilityConfig, metrics *Metrics) *ReliableChecker {
	return &ReliableChecker{next: next, w: NewReliabilityWrapper("support-checker", cfg, metrics, nil)}
}

func (c *ReliableChecker) Supports(ctx context.Context, claim, evidence string) (bool, error) {
	var ok bool
	err := c.w.Do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = c.next.Supports(ctx, claim, evidence)
		return err
	})
	return ok, err
}

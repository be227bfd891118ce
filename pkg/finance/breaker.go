package finance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	log "github.com/sirupsen/logrus"
)

// Default breaker settings
const (
	defaultBreakerMaxFailures uint32        = 3
	defaultBreakerTimeout     time.Duration = 10 * time.Minute
	defaultBreakerInterval    time.Duration = time.Hour
)

// BreakerConfig configures BreakerScraper
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BreakerScraper stops calling a failing scraper until the breaker timeout has passed
type BreakerScraper struct {
	inner   Scraper
	breaker *gobreaker.CircuitBreaker[*ScrapeResult]
}

// NewBreakerScraper wraps inner. Zero config values use the defaults.
func NewBreakerScraper(name string, inner Scraper, cfg BreakerConfig) *BreakerScraper {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*ScrapeResult](gobreaker.Settings{
		Name:        "scraper:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("pkg finance; circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &BreakerScraper{inner: inner, breaker: cb}
}

// Scrape implements Scraper. A result with Success false counts as a failure.
func (b *BreakerScraper) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error) {
	var failed *ScrapeResult
	res, err := b.breaker.Execute(func() (*ScrapeResult, error) {
		res, err := b.inner.Scrape(ctx, req)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			failed = res
			return nil, fmt.Errorf("scrape failed: %s", res.ErrorType)
		}
		return res, nil
	})
	if failed != nil {
		return failed, nil
	}
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("scraper for %s circuit open: %w", req.Account.Name, err)
		}
		return nil, err
	}
	return res, nil
}

// State returns the breaker state
func (b *BreakerScraper) State() gobreaker.State {
	return b.breaker.State()
}

// AccountBreakers keeps one BreakerScraper per account so a failing login does
// not block the other accounts
type AccountBreakers struct {
	inner Scraper
	cfg   BreakerConfig

	mtx      sync.Mutex
	breakers map[string]*BreakerScraper
}

// NewAccountBreakers wraps inner with per-account breakers
func NewAccountBreakers(inner Scraper, cfg BreakerConfig) *AccountBreakers {
	return &AccountBreakers{
		inner:    inner,
		cfg:      cfg,
		breakers: make(map[string]*BreakerScraper),
	}
}

// Scrape implements Scraper
func (a *AccountBreakers) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error) {
	return a.breaker(req.Account.Name).Scrape(ctx, req)
}

// State returns the breaker state of an account
func (a *AccountBreakers) State(name string) gobreaker.State {
	return a.breaker(name).State()
}

func (a *AccountBreakers) breaker(name string) *BreakerScraper {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	b, ok := a.breakers[name]
	if !ok {
		b = NewBreakerScraper(name, a.inner, a.cfg)
		a.breakers[name] = b
	}
	return b
}

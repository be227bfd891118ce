package finance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Defaults for ManagerConfig
const (
	DefaultMaxAge   = 6 * time.Hour
	DefaultLookback = 30 * 24 * time.Hour
)

// ErrUnknownAccount is returned for an account name that is not configured
var ErrUnknownAccount = errors.New("unknown account")

// ErrScrapeFailed is returned when the scraper reports an unsuccessful result
var ErrScrapeFailed = errors.New("scrape failed")

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Accounts []AccountDescriptor
	// MaxAge is how long a cached result is served before scraping again
	MaxAge time.Duration
	// Lookback sets the scrape start date relative to now
	Lookback time.Duration
	// Schedule is a cron expression or a duration; empty disables scheduled refreshes
	Schedule string
	// Screenshots names failure screenshots after the account
	Screenshots bool
}

// Snapshot is the cached outcome of the last successful scrape of an account
type Snapshot struct {
	Name      string        `json:"name"`
	CompanyID string        `json:"companyId"`
	Result    *ScrapeResult `json:"result,omitempty"`
	Total     float64       `json:"total"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

// Manager keeps the latest scrape of every configured account in memory
type Manager struct {
	scraper  Scraper
	accounts map[string]AccountDescriptor
	names    []string
	cfg      ManagerConfig
	now      func() time.Time

	mtx     sync.Mutex
	cache   map[string]Snapshot
	locks   map[string]*sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewManager creates a manager for cfg.Accounts
func NewManager(scraper Scraper, cfg ManagerConfig) (*Manager, error) {
	if scraper == nil {
		return nil, fmt.Errorf("scraper is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}

	m := &Manager{
		scraper:  scraper,
		accounts: make(map[string]AccountDescriptor),
		cfg:      cfg,
		now:      time.Now,
		cache:    make(map[string]Snapshot),
		locks:    make(map[string]*sync.Mutex),
		cron:     cron.New(),
	}
	for _, a := range cfg.Accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("account name is required")
		}
		if _, exists := m.accounts[a.Name]; exists {
			return nil, fmt.Errorf("duplicate account %q", a.Name)
		}
		m.accounts[a.Name] = a
		m.names = append(m.names, a.Name)
		m.locks[a.Name] = &sync.Mutex{}
	}

	if cfg.Schedule != "" {
		schedule, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		m.cron.Schedule(schedule, cron.FuncJob(m.runScheduled))
	}
	return m, nil
}

// Accounts returns the configured account names in configuration order
func (m *Manager) Accounts() []string {
	return append([]string(nil), m.names...)
}

// Refresh returns the cached snapshot of name, scraping first when it is
// missing or older than MaxAge
func (m *Manager) Refresh(ctx context.Context, name string) (Snapshot, error) {
	return m.refresh(ctx, name, false)
}

// ForceRefresh scrapes name regardless of the cache age
func (m *Manager) ForceRefresh(ctx context.Context, name string) (Snapshot, error) {
	return m.refresh(ctx, name, true)
}

func (m *Manager) refresh(ctx context.Context, name string, force bool) (Snapshot, error) {
	account, ok := m.accounts[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}

	// one scrape per account at a time; a waiter sees the fresh cache
	lock := m.locks[name]
	lock.Lock()
	defer lock.Unlock()

	if !force {
		m.mtx.Lock()
		snap, cached := m.cache[name]
		m.mtx.Unlock()
		if cached && m.now().Sub(snap.FetchedAt) < m.cfg.MaxAge {
			log.Tracef("pkg finance; serving cached result for %s from %s", name, snap.FetchedAt.Format(time.RFC3339))
			return snap, nil
		}
	}

	req := ScrapeRequest{
		Account:   account,
		CompanyID: account.CompanyID,
		StartDate: m.now().Add(-m.cfg.Lookback),
	}
	if m.cfg.Screenshots {
		req.FailureScreenshot = name
	}

	start := m.now()
	res, err := m.scraper.Scrape(ctx, req)
	if err != nil {
		log.Warnf("pkg finance; scrape of %s failed: %v", name, err)
		return Snapshot{}, fmt.Errorf("scrape %s: %w", name, err)
	}
	if res == nil || !res.Success {
		var errType, errMsg string
		if res != nil {
			errType, errMsg = res.ErrorType, res.ErrorMessage
		}
		log.Warnf("pkg finance; scrape of %s unsuccessful: %s %s", name, errType, errMsg)
		return Snapshot{}, fmt.Errorf("%w: %s: %s %s", ErrScrapeFailed, name, errType, errMsg)
	}

	for _, a := range res.Accounts {
		log.Infof("pkg finance; found %d transactions for account number %s", len(a.Txns), a.AccountNumber)
	}
	snap := Snapshot{
		Name:      name,
		CompanyID: account.CompanyID,
		Result:    res,
		Total:     Total(res),
		FetchedAt: m.now(),
	}
	log.Infof("pkg finance; total for %s is %.2f (%d transactions, took %s)", name, snap.Total, TransactionCount(res), m.now().Sub(start))

	m.mtx.Lock()
	m.cache[name] = snap
	m.mtx.Unlock()
	return snap, nil
}

// RefreshAll refreshes every account and returns the errors joined
func (m *Manager) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.names {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := m.Refresh(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns the cached snapshots sorted by account name
func (m *Manager) Snapshot() []Snapshot {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Snapshot, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs scheduled refreshes until ctx ends or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Start()
	m.started = true
	log.Debugf("pkg finance; scheduler started for %d account(s)", len(m.names))
}

// Stop cancels a running refresh and waits for it to return
func (m *Manager) Stop() {
	m.mtx.Lock()
	if !m.started {
		m.mtx.Unlock()
		return
	}
	m.cancel()
	m.started = false
	m.ctx = nil
	m.mtx.Unlock()

	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}

func (m *Manager) runScheduled() {
	m.mtx.Lock()
	ctx := m.ctx
	m.mtx.Unlock()
	if ctx == nil {
		return
	}

	start := time.Now()
	if err := m.RefreshAll(ctx); err != nil {
		log.Warnf("pkg finance; scheduled refresh failed: %v", err)
		return
	}
	log.Debugf("pkg finance; scheduled refresh completed in %s", time.Since(start))
}

// ParseSchedule accepts a cron expression or a positive duration
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(d), nil
}

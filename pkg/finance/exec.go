package finance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	expect "github.com/google/goexpect"
	log "github.com/sirupsen/logrus"
)

// DefaultScrapeTimeout bounds a single scraper run
const DefaultScrapeTimeout = 5 * time.Minute

// The child runs on a pty that echoes the input line back, so the marker
// must start a line of its own.
var resultRegex = regexp.MustCompile(`(?m)^(RESULT|ERROR):[ \t]*([^\r\n]*)\r?\n`)

// ExecScraper runs an external scraper command per request. The command reads
// one JSON line with options and credentials, and answers with a single
// "RESULT: {json}" or "ERROR: message" line.
type ExecScraper struct {
	command       []string
	screenshotDir string
	env           string
	timeout       time.Duration
}

// ExecConfig configures an ExecScraper
type ExecConfig struct {
	Command       []string
	ScreenshotDir string
	// Env is the deployment environment name, e.g. "development"
	Env     string
	Timeout time.Duration
}

// scrapeInput is the line written to the scraper
type scrapeInput struct {
	Options     ScraperOptions    `json:"options"`
	Credentials map[string]string `json:"credentials"`
}

// NewExecScraper creates a scraper driving cfg.Command
func NewExecScraper(cfg ExecConfig) (*ExecScraper, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("scraper command is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultScrapeTimeout
	}
	return &ExecScraper{
		command:       append([]string(nil), cfg.Command...),
		screenshotDir: cfg.ScreenshotDir,
		env:           cfg.Env,
		timeout:       timeout,
	}, nil
}

// Scrape implements Scraper
func (s *ExecScraper) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error) {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	input, err := json.Marshal(scrapeInput{
		Options:     NewScraperOptions(req, s.screenshotDir, s.env),
		Credentials: req.Account.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scraper input: %w", err)
	}

	log.Debugf("pkg finance; starting scraper for %s: %s", req.Account.Name, strings.Join(s.command, " "))
	gexp, _, err := expect.SpawnWithArgs(s.command, timeout,
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn scraper: %w", err)
	}
	defer func() {
		if err := gexp.Close(); err != nil {
			log.Tracef("pkg finance; scraper close: %v", err)
		}
	}()

	// a cancelled context ends the run early by closing the process
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = gexp.Close()
		case <-done:
		}
	}()

	if err := gexp.Send(string(input) + "\n"); err != nil {
		return nil, fmt.Errorf("failed to send scraper input: %w", err)
	}

	_, match, err := gexp.Expect(resultRegex, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read scraper result for %s: %w", req.Account.Name, err)
	}
	if len(match) < 3 {
		return nil, fmt.Errorf("failed to parse scraper output: %v", match)
	}

	payload := strings.TrimSpace(match[2])
	if match[1] == "ERROR" {
		return nil, fmt.Errorf("scraper error for %s: %s", req.Account.Name, payload)
	}

	var res ScrapeResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scraper result: %w", err)
	}
	log.Tracef("pkg finance; scraper result for %s: success=%v accounts=%d", req.Account.Name, res.Success, len(res.Accounts))
	return &res, nil
}

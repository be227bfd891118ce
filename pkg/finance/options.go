package finance

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultScreenshotDir is where failure screenshots are written
const DefaultScreenshotDir = "./build/static/media"

// ScraperOptions is the option set handed to the scraper process
type ScraperOptions struct {
	CompanyID                  string    `json:"companyId"`
	Verbose                    bool      `json:"verbose"`
	StartDate                  time.Time `json:"startDate"`
	CombineInstallments        bool      `json:"combineInstallments"`
	StoreFailureScreenShotPath string    `json:"storeFailureScreenShotPath,omitempty"`
	ShowBrowser                bool      `json:"showBrowser"`
}

// NewScraperOptions derives the scraper options for req. The screenshot path
// is only set when the request names one; the browser is shown when env
// contains "dev".
func NewScraperOptions(req ScrapeRequest, screenshotDir, env string) ScraperOptions {
	company := req.CompanyID
	if company == "" {
		company = req.Account.CompanyID
	}
	if screenshotDir == "" {
		screenshotDir = DefaultScreenshotDir
	}

	opts := ScraperOptions{
		CompanyID:           company,
		Verbose:             true,
		StartDate:           req.StartDate,
		CombineInstallments: false,
		ShowBrowser:         strings.Contains(strings.ToLower(env), "dev"),
	}
	if req.FailureScreenshot != "" {
		opts.StoreFailureScreenShotPath = filepath.Join(screenshotDir, req.FailureScreenshot+".jpg")
	}
	return opts
}

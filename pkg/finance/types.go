package finance

import (
	"context"
	"time"
)

// TransactionStatus is the settlement state of a transaction
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
)

// AccountDescriptor identifies a configured account and the credentials the
// scraper logs in with
type AccountDescriptor struct {
	Name        string            `json:"name" yaml:"name"`
	CompanyID   string            `json:"companyId" yaml:"company_id"`
	Credentials map[string]string `json:"-" yaml:"credentials"`
}

// ScrapeRequest asks a Scraper for the transactions of one account
type ScrapeRequest struct {
	Account   AccountDescriptor
	CompanyID string
	StartDate time.Time
	// FailureScreenshot names the screenshot stored when scraping fails; empty disables it
	FailureScreenshot string
}

// Transaction is one charge on an account
type Transaction struct {
	Date          string            `json:"date"`
	ProcessedDate string            `json:"processedDate,omitempty"`
	Description   string            `json:"description"`
	ChargedAmount float64           `json:"chargedAmount"`
	Status        TransactionStatus `json:"status"`
}

// Account is a sub-account returned by a scrape
type Account struct {
	AccountNumber string        `json:"accountNumber"`
	Txns          []Transaction `json:"txns"`
}

// ScrapeResult is what the scraper returns. ErrorType and ErrorMessage are
// only set when Success is false.
type ScrapeResult struct {
	Success      bool      `json:"success"`
	Accounts     []Account `json:"accounts,omitempty"`
	ErrorType    string    `json:"errorType,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Scraper fetches transactions for an account
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error)
}

// ScraperFunc adapts a function to Scraper
type ScraperFunc func(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error)

// Scrape calls f
func (f ScraperFunc) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error) {
	return f(ctx, req)
}

// Total sums ChargedAmount over every transaction of a successful result
func Total(res *ScrapeResult) float64 {
	if res == nil || !res.Success {
		return 0
	}
	var total float64
	for _, a := range res.Accounts {
		for _, t := range a.Txns {
			total += t.ChargedAmount
		}
	}
	return total
}

// TransactionCount is the number of transactions across all accounts
func TransactionCount(res *ScrapeResult) int {
	if res == nil {
		return 0
	}
	n := 0
	for _, a := range res.Accounts {
		n += len(a.Txns)
	}
	return n
}

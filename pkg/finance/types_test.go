package finance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTotal(t *testing.T) {
	res := &ScrapeResult{
		Success: true,
		Accounts: []Account{
			{AccountNumber: "1111", Txns: []Transaction{
				{Description: "coffee", ChargedAmount: -12.5, Status: TransactionCompleted},
				{Description: "refund", ChargedAmount: 2.5, Status: TransactionPending},
			}},
			{AccountNumber: "2222", Txns: []Transaction{
				{Description: "rent", ChargedAmount: -100, Status: TransactionCompleted},
			}},
			{AccountNumber: "3333"},
		},
	}

	assert.InDelta(t, -110.0, Total(res), 1e-9)
	assert.Equal(t, 3, TransactionCount(res))

	res.Success = false
	assert.Equal(t, 0.0, Total(res))
	assert.Equal(t, 0.0, Total(nil))
}

func TestNewScraperOptions(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	req := ScrapeRequest{
		Account:   AccountDescriptor{Name: "visa", CompanyID: "isracard"},
		StartDate: start,
	}

	opts := NewScraperOptions(req, "", "production")
	assert.Equal(t, "isracard", opts.CompanyID)
	assert.True(t, opts.Verbose)
	assert.False(t, opts.CombineInstallments)
	assert.Equal(t, start, opts.StartDate)
	assert.Empty(t, opts.StoreFailureScreenShotPath)
	assert.False(t, opts.ShowBrowser)

	req.CompanyID = "max"
	req.FailureScreenshot = "visa"
	opts = NewScraperOptions(req, "/tmp/shots", "Development")
	assert.Equal(t, "max", opts.CompanyID)
	assert.Equal(t, "/tmp/shots/visa.jpg", opts.StoreFailureScreenShotPath)
	assert.True(t, opts.ShowBrowser)

	opts = NewScraperOptions(req, "", "")
	assert.Equal(t, "build/static/media/visa.jpg", opts.StoreFailureScreenShotPath)
}

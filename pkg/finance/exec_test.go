package finance

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scraper scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "scraper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewExecScraper_RequiresCommand(t *testing.T) {
	_, err := NewExecScraper(ExecConfig{})
	assert.Error(t, err)
}

func TestExecScraper_Result(t *testing.T) {
	script := writeScript(t, `read line
echo 'RESULT: {"success":true,"accounts":[{"accountNumber":"1234","txns":[{"date":"2024-01-03","description":"coffee","chargedAmount":-12.5,"status":"completed"}]}]}'
`)
	s, err := NewExecScraper(ExecConfig{Command: []string{"/bin/sh", script}, Timeout: 10 * time.Second})
	require.NoError(t, err)

	res, err := s.Scrape(context.Background(), ScrapeRequest{
		Account:   AccountDescriptor{Name: "visa", CompanyID: "isracard", Credentials: map[string]string{"id": "1"}},
		StartDate: time.Now().AddDate(0, -1, 0),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Accounts, 1)
	assert.Equal(t, "1234", res.Accounts[0].AccountNumber)
	assert.InDelta(t, -12.5, Total(res), 1e-9)
}

func TestExecScraper_IgnoresEchoedCredentials(t *testing.T) {
	script := writeScript(t, `read line
echo 'RESULT: {"success":true,"accounts":[]}'
`)
	s, err := NewExecScraper(ExecConfig{Command: []string{"/bin/sh", script}, Timeout: 10 * time.Second})
	require.NoError(t, err)

	res, err := s.Scrape(context.Background(), ScrapeRequest{
		Account: AccountDescriptor{Name: "visa", Credentials: map[string]string{"password": "x ERROR: RESULT: y"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecScraper_Error(t *testing.T) {
	script := writeScript(t, `read line
echo 'ERROR: invalid password'
`)
	s, err := NewExecScraper(ExecConfig{Command: []string{"/bin/sh", script}, Timeout: 10 * time.Second})
	require.NoError(t, err)

	_, err = s.Scrape(context.Background(), ScrapeRequest{Account: AccountDescriptor{Name: "visa"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid password")
}

func TestExecScraper_Timeout(t *testing.T) {
	script := writeScript(t, `read line
sleep 5
`)
	s, err := NewExecScraper(ExecConfig{Command: []string{"/bin/sh", script}, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Scrape(context.Background(), ScrapeRequest{Account: AccountDescriptor{Name: "visa"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

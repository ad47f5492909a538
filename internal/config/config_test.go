package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"RETRIES", "RETRY_DELAY", "START_DATE", "STAGING_TABLE", "CANONICAL_TABLE", "NOTIFY_SUBJECT", "DATABASE_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Retries)
	require.Equal(t, 3*time.Minute, cfg.RetryDelay)
	require.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), cfg.StartDate)
	require.Equal(t, "eth_import", cfg.StagingTable)
	require.Equal(t, "eth", cfg.CanonicalTable)
	require.Equal(t, DefaultSubject, cfg.NotifySubject)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RETRIES", "5")
	t.Setenv("RETRY_DELAY", "30s")
	t.Setenv("START_DATE", "2024-03-01")
	t.Setenv("NOTIFY_TO", "a@example.com, b@example.com ,")
	t.Setenv("CATCHUP", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Retries)
	require.Equal(t, 30*time.Second, cfg.RetryDelay)
	require.Equal(t, "2024-03-01", cfg.StartDate.Format("2006-01-02"))
	require.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.NotifyTo)
	require.True(t, cfg.Catchup)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("RETRY_DELAY", "three minutes")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RETRY_DELAY")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			WorkflowID:     "wf",
			Retries:        3,
			RetryDelay:     time.Minute,
			ScheduleAt:     "00:00",
			MaxActiveRuns:  1,
			LookbackDays:   7,
			Symbol:         "ETHUSDT",
			StagingTable:   "eth_import",
			CanonicalTable: "eth",
		}
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.ScheduleAt = "midnight"
	c.MaxActiveRuns = 0
	err := c.Validate()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "SCHEDULE_AT"))
	require.True(t, strings.Contains(err.Error(), "MAX_ACTIVE_RUNS"))

	c = valid()
	c.CanonicalTable = c.StagingTable
	require.Error(t, c.Validate())

	c = valid()
	c.SMTPHost = "smtp.example.com"
	err = c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MAIL_FROM")
	require.Contains(t, err.Error(), "NOTIFY_TO")
}

func TestDSN(t *testing.T) {
	c := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: 5433, DBName: "d"}
	require.Equal(t, "postgres://u:p@h:5433/d?sslmode=disable", c.DSN())

	c.DatabaseURL = "postgres://override"
	require.Equal(t, "postgres://override", c.DSN())
}

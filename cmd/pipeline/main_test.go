package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-pipeline/internal/config"
	"github.com/kjannette/trahn-pipeline/internal/notifications"
	"github.com/kjannette/trahn-pipeline/internal/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		MailFrom:   "pipeline@example.com",
		NotifyTo:   []string{"data@example.com"},
		WebhookURL: "https://hooks.slack.com/services/T000/B000/XXX",
		BotName:    "CryptoPipeline",
	}
}

func TestBuildNotifiers_CompletionUsesEmailAndWebhook(t *testing.T) {
	completion, _ := buildNotifiers(testConfig(), nil, nil)
	require.Len(t, completion, 2)

	email, ok := completion[0].(*notifications.EmailSender)
	require.True(t, ok, "first completion notifier is email")
	require.Equal(t, []string{"data@example.com"}, email.Recipients())

	_, ok = completion[1].(*notifications.Sender)
	require.True(t, ok, "second completion notifier is the webhook")
}

func TestBuildNotifiers_AlertsGoToAlertEmails(t *testing.T) {
	completion, alerts := buildNotifiers(testConfig(), []string{"oncall@example.com"}, nil)
	require.Len(t, alerts, 2)

	require.Same(t, completion[1], alerts[0], "alerts share the webhook sender")

	email, ok := alerts[1].(*notifications.EmailSender)
	require.True(t, ok)
	require.Equal(t, []string{"oncall@example.com"}, email.Recipients())
}

func TestBuildNotifiers_NoAlertEmail(t *testing.T) {
	_, alerts := buildNotifiers(testConfig(), nil, nil)
	require.Len(t, alerts, 1)
	_, ok := alerts[0].(*notifications.Sender)
	require.True(t, ok)
}

func TestParseDay(t *testing.T) {
	fallback := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	got, err := parseDay("", fallback)
	require.NoError(t, err)
	require.Equal(t, fallback, got)

	got, err = parseDay("2023-12-31", fallback)
	require.NoError(t, err)
	require.Equal(t, "2023-12-31", got.Format(repository.DateLayout))

	_, err = parseDay("12/31/2023", fallback)
	require.Error(t, err)
}

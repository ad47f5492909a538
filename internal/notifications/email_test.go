package notifications

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func TestEmail_DisabledWithoutHost(t *testing.T) {
	e := NewEmailSender(EmailConfig{To: []string{"ops@example.com"}}, nil)
	require.False(t, e.Enabled())

	e.send = func(ctx context.Context, m *mail.Msg) error {
		t.Fatal("send should not be called when disabled")
		return nil
	}
	require.NoError(t, e.Notify(context.Background(), Message{Subject: "hi"}))
}

func TestEmail_BuildsMessage(t *testing.T) {
	e := NewEmailSender(EmailConfig{
		Host: "smtp.example.com",
		From: "pipeline@example.com",
		To:   []string{"ops@example.com"},
	}, nil)

	var sent *mail.Msg
	e.send = func(ctx context.Context, m *mail.Msg) error {
		sent = m
		return nil
	}

	err := e.Notify(context.Background(), Message{
		Subject: "Loaded on 2024-01-02",
		Text:    "Your pipeline has loaded data",
		HTML:    "<p>Your pipeline has loaded data</p>",
	})
	require.NoError(t, err)
	require.NotNil(t, sent)

	var buf bytes.Buffer
	_, err = sent.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	require.Contains(t, raw, "Subject: Loaded on 2024-01-02")
	require.Contains(t, raw, "ops@example.com")
	require.Contains(t, raw, "pipeline@example.com")
	require.Contains(t, raw, "text/html")
	require.Contains(t, raw, "text/plain")
}

func TestEmail_InvalidAddress(t *testing.T) {
	e := NewEmailSender(EmailConfig{Host: "smtp.example.com", From: "not an address", To: []string{"ops@example.com"}}, nil)
	e.send = func(ctx context.Context, m *mail.Msg) error { return nil }

	err := e.Notify(context.Background(), Message{Subject: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "from")
}

func TestEmail_SendError(t *testing.T) {
	e := NewEmailSender(EmailConfig{Host: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}}, nil)
	e.send = func(ctx context.Context, m *mail.Msg) error { return errors.New("connection refused") }

	err := e.Notify(context.Background(), Message{Subject: "x", Text: "y"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

type recordingNotifier struct {
	got []Message
	err error
}

func (r *recordingNotifier) Notify(ctx context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("b down")}
	c := &recordingNotifier{}

	err := Multi{a, nil, b, c}.Notify(context.Background(), Message{Subject: "s"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "b down")
	require.Len(t, a.got, 1)
	require.Len(t, c.got, 1, "a failing notifier does not stop the others")

	require.NoError(t, Multi{}.Notify(context.Background(), Message{}))
}
